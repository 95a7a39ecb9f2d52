// Package chatlog implements the append-only chat history log backing the
// server. The log is a flat text file: a fixed header line followed by one
// comma-joined record per line. Appends, prunes and reads are serialized
// through the owning Store.
package chatlog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Header is the fixed first line of every log file.
const Header = "Timestamp,Sender,Recipient,Text"

// noneRecipient marks a general-chat record on disk.
const noneRecipient = "None"

// Record is one chat event. Recipient is empty for general-chat messages.
// A leave event is a record whose Text is the exit command literal.
type Record struct {
	Timestamp float64 // unix seconds
	Sender    string
	Recipient string
	Text      string
}

// General reports whether the record is a general-chat message.
func (r Record) General() bool {
	return r.Recipient == ""
}

// Age returns how long ago the record was written, relative to now.
func (r Record) Age(now time.Time) time.Duration {
	sec, frac := int64(r.Timestamp), r.Timestamp-float64(int64(r.Timestamp))
	return now.Sub(time.Unix(sec, int64(frac*float64(time.Second))))
}

// Store owns one log file. All operations take the store mutex, so appends
// and prunes never interleave and reads always observe a complete file.
type Store struct {
	path string
	mu   sync.Mutex
}

// Open prepares a store for the given path. The file is created with just
// the header when it is missing or empty.
func Open(path string) (*Store, error) {
	s := &Store{path: path}
	if err := s.ensureHeader(); err != nil {
		return nil, fmt.Errorf("failed to init log %s: %w", path, err)
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) ensureHeader() error {
	info, err := os.Stat(s.path)
	if err == nil && info.Size() > 0 {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(s.path, []byte(Header+"\n"), 0644)
}

// Append writes one record stamped with the current time. An empty recipient
// marks a general-chat message.
func (s *Store) Append(sender, text, recipient string) error {
	return s.AppendAt(time.Now(), sender, text, recipient)
}

// AppendAt writes one record with an explicit timestamp. Commas embedded in
// text are written as-is; the format has no escaping.
func (s *Store) AppendAt(ts time.Time, sender, text, recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log for append: %w", err)
	}
	defer f.Close()

	if recipient == "" {
		recipient = noneRecipient
	}
	stamp := float64(ts.UnixNano()) / float64(time.Second)
	line := fmt.Sprintf("%s,%s,%s,%s\n", formatStamp(stamp), sender, recipient, text)
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// ReadAll returns every parseable record in append order. Lines with too few
// fields are skipped; text containing a comma comes back truncated at that
// comma, a known limitation of the unescaped format.
func (s *Store) ReadAll() ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

func (s *Store) readLocked() ([]Record, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log for read: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}
		rec, ok := parseLine(line)
		if !ok {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan log: %w", err)
	}
	return records, nil
}

// Prune rewrites the log keeping the header and every record younger than
// lifetime. The rewrite goes through a temp file and a rename so a crash
// mid-prune never leaves a torn log behind.
func (s *Store) Prune(lifetime time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return err
	}

	now := time.Now()
	var sb strings.Builder
	sb.WriteString(Header + "\n")
	for _, rec := range records {
		if rec.Age(now) >= lifetime {
			continue
		}
		recipient := rec.Recipient
		if recipient == "" {
			recipient = noneRecipient
		}
		fmt.Fprintf(&sb, "%s,%s,%s,%s\n", formatStamp(rec.Timestamp), rec.Sender, recipient, rec.Text)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return fmt.Errorf("failed to write pruned log: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace log: %w", err)
	}
	return nil
}

func parseLine(line string) (Record, bool) {
	parts := strings.Split(line, ",")
	if len(parts) < 4 {
		return Record{}, false
	}
	ts, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return Record{}, false
	}
	recipient := parts[2]
	if recipient == noneRecipient {
		recipient = ""
	}
	// parts[3] only: text past an embedded comma is lost on read.
	return Record{
		Timestamp: ts,
		Sender:    parts[1],
		Recipient: recipient,
		Text:      parts[3],
	}, true
}

func formatStamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}
