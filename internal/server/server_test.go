package server

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/adred-codev/qiobroker/internal/protocol"
	"github.com/adred-codev/qiobroker/internal/protocol/flashpolicy"
	"github.com/adred-codev/qiobroker/internal/protocol/raw"
	"github.com/adred-codev/qiobroker/internal/surrogate"
)

func testDrivers() []protocol.Driver {
	return []protocol.Driver{
		raw.Driver{},
		flashpolicy.Driver{},
		surrogate.Driver{},
	}
}

func pipeWithWritten(t *testing.T, data string) (net.Conn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	go func() {
		_, _ = client.Write([]byte(data))
	}()
	return server, client
}

func TestSniffRecognizesRawHandshake(t *testing.T) {
	server, client := pipeWithWritten(t, "/qio/ohai")
	defer client.Close()
	defer server.Close()

	br := bufio.NewReader(server)
	driver, err := sniff(server, br, testDrivers())
	if err != nil {
		t.Fatalf("sniff failed: %v", err)
	}
	if driver.Name() != "raw" {
		t.Fatalf("expected raw driver, got %s", driver.Name())
	}
	// The raw handshake literal must have been discarded so it isn't
	// replayed as the first frame.
	if br.Buffered() != 0 {
		t.Fatalf("expected 0 buffered bytes after raw sniff, got %d", br.Buffered())
	}
}

func TestSniffRecognizesFlashPolicy(t *testing.T) {
	server, client := pipeWithWritten(t, "<policy-file-request/>")
	defer client.Close()
	defer server.Close()

	br := bufio.NewReader(server)
	driver, err := sniff(server, br, testDrivers())
	if err != nil {
		t.Fatalf("sniff failed: %v", err)
	}
	if driver.Name() != "flash-policy" {
		t.Fatalf("expected flash-policy driver, got %s", driver.Name())
	}
}

func TestSniffRecognizesHTTPAndPreservesBuffer(t *testing.T) {
	server, client := pipeWithWritten(t, "GET /iframe HTTP/1.1\r\n\r\n")
	defer client.Close()
	defer server.Close()

	br := bufio.NewReader(server)
	driver, err := sniff(server, br, testDrivers())
	if err != nil {
		t.Fatalf("sniff failed: %v", err)
	}
	if driver.Name() != "http" {
		t.Fatalf("expected http driver, got %s", driver.Name())
	}
	// The HTTP driver reads its own request from br, so nothing should
	// have been discarded out from under it.
	if br.Buffered() == 0 {
		t.Fatalf("expected buffered bytes to remain for the http driver to parse")
	}
}

func TestSniffRejectsUnrecognizedProtocol(t *testing.T) {
	server, client := pipeWithWritten(t, "\x00\x00\x00\x00garbage")
	defer client.Close()
	defer server.Close()

	br := bufio.NewReader(server)
	_, err := sniff(server, br, testDrivers())
	if err == nil {
		t.Fatal("expected an error for unrecognized bytes")
	}
}

func TestSniffTimesOutOnSilentConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	defer server.Close()

	start := time.Now()
	br := bufio.NewReader(server)
	_, err := sniff(server, br, testDrivers())
	if err == nil {
		t.Fatal("expected a timeout error on a silent connection")
	}
	if time.Since(start) > sniffTimeout+2*time.Second {
		t.Fatalf("sniff took too long to time out: %v", time.Since(start))
	}
}
