package main

import (
	"bufio"
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer echoes the command of every request back in a reply.
func fakeServer(t *testing.T, conn net.Conn) {
	t.Helper()
	go func() {
		defer conn.Close()
		scan := bufio.NewScanner(conn)
		for scan.Scan() {
			conn.Write([]byte(`{"error":false,"echo":` + scan.Text() + "}\n"))
		}
	}()
}

func TestRun(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	fakeServer(t, srv)

	in := strings.NewReader("# comment\n\n{\"command\":\"query\"}\n{\"command\":\"close\"}\n")
	var out bytes.Buffer
	require.NoError(t, run(in, &out, client, false, time.Second))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"error":false,"echo":{"command":"query"}}`, lines[0])
	assert.JSONEq(t, `{"error":false,"echo":{"command":"close"}}`, lines[1])
}

func TestRun_Pretty(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	fakeServer(t, srv)

	var out bytes.Buffer
	require.NoError(t, run(strings.NewReader(`{"command":"query"}`), &out, client, true, time.Second))
	assert.Contains(t, out.String(), "\n  \"error\": false")
}

func TestRun_ServerGone(t *testing.T) {
	client, srv := net.Pipe()
	srv.Close()
	err := run(strings.NewReader(`{"command":"query"}`), &bytes.Buffer{}, client, false, time.Second)
	assert.Error(t, err)
}
