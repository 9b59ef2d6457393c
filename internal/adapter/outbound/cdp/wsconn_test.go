package cdp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"
)

func testContext(t *testing.T, d time.Duration) (context.Context, context.CancelFunc) {
	t.Helper()
	return context.WithTimeout(context.Background(), d)
}

func TestAcceptKey(t *testing.T) {
	// Known vector from RFC 6455 Section 1.3.
	got := acceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("acceptKey() = %q, want %q", got, want)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		mask    bool
	}{
		{"empty", nil, true},
		{"short masked", []byte("hello"), true},
		{"short unmasked", []byte("hello"), false},
		{"extended 16-bit length", bytes.Repeat([]byte("x"), 300), true},
		{"extended 64-bit length", bytes.Repeat([]byte("y"), 70000), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := writeFrame(&buf, wsOpText, tt.payload, tt.mask); err != nil {
				t.Fatalf("writeFrame: %v", err)
			}
			fin, opcode, payload, err := readFrame(&buf, maxMessageSize)
			if err != nil {
				t.Fatalf("readFrame: %v", err)
			}
			if !fin || opcode != wsOpText {
				t.Errorf("fin=%v opcode=%#x", fin, opcode)
			}
			if !bytes.Equal(payload, tt.payload) {
				t.Errorf("payload = %q, want %q", payload, tt.payload)
			}
		})
	}
}

func TestReadFrame_RejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, wsOpText, bytes.Repeat([]byte("z"), 200), false); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if _, _, _, err := readFrame(&buf, 100); err == nil {
		t.Fatal("expected oversize error")
	}
}

// wsTestServer speaks the server side of the protocol over an accepted
// TCP connection.
type wsTestServer struct {
	conn net.Conn
	br   *bufio.Reader
}

func (s *wsTestServer) read(t *testing.T) (byte, []byte) {
	t.Helper()
	_, opcode, payload, err := readFrame(s.br, maxMessageSize)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	return opcode, payload
}

func (s *wsTestServer) write(t *testing.T, opcode byte, payload []byte) {
	t.Helper()
	if err := writeFrame(s.conn, opcode, payload, false); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

// startWSServer runs a one-connection websocket server that completes
// the upgrade handshake and hands the connection to serve.
func startWSServer(t *testing.T, serve func(*wsTestServer)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		br := bufio.NewReader(conn)
		req, err := http.ReadRequest(br)
		if err != nil {
			conn.Close()
			return
		}
		key := req.Header.Get("Sec-WebSocket-Key")
		fmt.Fprintf(conn, "HTTP/1.1 101 Switching Protocols\r\n"+
			"Upgrade: websocket\r\nConnection: Upgrade\r\n"+
			"Sec-WebSocket-Accept: %s\r\n\r\n", acceptKey(key))
		serve(&wsTestServer{conn: conn, br: br})
		conn.Close()
	}()

	return "ws://" + ln.Addr().String() + "/devtools/browser/test"
}

func TestDialWS_HandshakeAndEcho(t *testing.T) {
	endpoint := startWSServer(t, func(s *wsTestServer) {
		opcode, payload := s.read(t)
		if opcode != wsOpText {
			t.Errorf("opcode = %#x", opcode)
		}
		s.write(t, wsOpText, payload)
	})

	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()
	conn, err := dialWS(ctx, endpoint)
	if err != nil {
		t.Fatalf("dialWS: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage([]byte(`{"id":1}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != `{"id":1}` {
		t.Errorf("echo = %q", msg)
	}
}

func TestDialWS_AnswersPingAndAssemblesFragments(t *testing.T) {
	endpoint := startWSServer(t, func(s *wsTestServer) {
		s.write(t, wsOpPing, []byte("keepalive"))
		opcode, payload := s.read(t)
		if opcode != wsOpPong || string(payload) != "keepalive" {
			t.Errorf("pong = %#x %q", opcode, payload)
		}

		// Fragmented message: text frame without FIN, then continuation.
		if err := writeRawFrame(s.conn, wsOpText, []byte("hello "), false); err != nil {
			t.Errorf("write fragment: %v", err)
		}
		s.write(t, wsOpContinuation, []byte("world"))
	})

	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()
	conn, err := dialWS(ctx, endpoint)
	if err != nil {
		t.Fatalf("dialWS: %v", err)
	}
	defer conn.Close()

	msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != "hello world" {
		t.Errorf("assembled = %q", msg)
	}
}

func TestDialWS_RejectsNonUpgrade(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		br := bufio.NewReader(conn)
		_, _ = http.ReadRequest(br)
		io.WriteString(conn, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
		conn.Close()
	}()

	ctx, cancel := testContext(t, 5*time.Second)
	defer cancel()
	if _, err := dialWS(ctx, "ws://"+ln.Addr().String()+"/"); err == nil || !strings.Contains(err.Error(), "refused upgrade") {
		t.Fatalf("dialWS error = %v", err)
	}
}

func TestDialWS_RejectsWSS(t *testing.T) {
	ctx, cancel := testContext(t, time.Second)
	defer cancel()
	if _, err := dialWS(ctx, "wss://example.com/"); err == nil || !strings.Contains(err.Error(), "unsupported websocket scheme") {
		t.Fatalf("dialWS error = %v", err)
	}
}

// writeRawFrame writes a frame with explicit FIN control for fragment
// tests.
func writeRawFrame(w io.Writer, opcode byte, payload []byte, fin bool) error {
	header := []byte{opcode, byte(len(payload))}
	if fin {
		header[0] |= 0x80
	}
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
