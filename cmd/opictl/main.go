// Command opictl is a line client for manual testing of an OPI server. Each
// line read from stdin is sent as one request and the reply is printed.
//
//	echo '{"command":"choose","machine":"Simulation"}' | opictl -addr localhost:50001
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/banshee-data/opi.server/internal/monitoring"
)

var (
	addr    = flag.String("addr", "localhost:50001", "OPI server address")
	pretty  = flag.Bool("pretty", false, "Indent replies")
	timeout = flag.Duration("timeout", 10*time.Second, "Reply timeout per request")
)

func main() {
	flag.Parse()
	conn, err := net.DialTimeout("tcp", *addr, *timeout)
	if err != nil {
		monitoring.Log.Fatal().Err(err).Str("addr", *addr).Msg("connect")
	}
	defer conn.Close()

	if err := run(os.Stdin, os.Stdout, conn, *pretty, *timeout); err != nil {
		monitoring.Log.Fatal().Err(err).Msg("opictl")
	}
}

type deadliner interface {
	SetReadDeadline(time.Time) error
}

// run relays requests from in to conn and replies from conn to out. Blank
// lines and lines starting with # are skipped.
func run(in io.Reader, out io.Writer, conn io.ReadWriter, pretty bool, timeout time.Duration) error {
	scan := bufio.NewScanner(in)
	replies := bufio.NewReader(conn)
	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := io.WriteString(conn, line+"\n"); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		if d, ok := conn.(deadliner); ok && timeout > 0 {
			_ = d.SetReadDeadline(time.Now().Add(timeout))
		}
		reply, err := replies.ReadBytes('\n')
		if err != nil {
			return fmt.Errorf("read reply: %w", err)
		}
		if pretty {
			var buf bytes.Buffer
			if err := json.Indent(&buf, bytes.TrimSpace(reply), "", "  "); err == nil {
				buf.WriteByte('\n')
				reply = buf.Bytes()
			}
		}
		if _, err := out.Write(reply); err != nil {
			return err
		}
	}
	return scan.Err()
}
