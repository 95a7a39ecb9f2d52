// A thin terminal client: pipes stdin to the server and server output to
// stdout, stopping when the server sends the disconnect token or closes
// the connection.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strings"
)

const disconnectToken = "/end"

func main() {
	addr := flag.String("addr", "127.0.0.1:8000", "Server address")
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *addr, err)
	}
	defer conn.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		buf := make([]byte, 1024)
		for {
			n, err := conn.Read(buf)
			if err != nil || n == 0 {
				return
			}
			text := string(buf[:n])
			if strings.Contains(text, disconnectToken) {
				fmt.Println(strings.TrimSpace(strings.ReplaceAll(text, disconnectToken, "")))
				return
			}
			fmt.Println(text)
		}
	}()

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if _, err := conn.Write([]byte(scanner.Text())); err != nil {
				return
			}
		}
	}()

	<-done
}
