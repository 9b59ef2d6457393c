// Package cdp implements the browser driver contract over the Chrome
// DevTools Protocol. It speaks raw RFC 6455 frames to the browser's
// remote-debug websocket endpoint and drives pages through the Target,
// Page, Runtime, and Input domains.
package cdp

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// WebSocket frame opcodes (RFC 6455 Section 5.2).
const (
	wsOpContinuation byte = 0x0
	wsOpText         byte = 0x1
	wsOpBinary       byte = 0x2
	wsOpClose        byte = 0x8
	wsOpPing         byte = 0x9
	wsOpPong         byte = 0xA
)

// wsAcceptGUID is the handshake magic from RFC 6455 Section 1.3.
const wsAcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0D21D2A3"

// maxMessageSize bounds a single assembled message. Screenshot payloads
// arrive base64-encoded and can reach tens of megabytes on full-page
// captures.
const maxMessageSize = 256 << 20

// errConnClosed is returned after a close frame or a broken transport.
var errConnClosed = fmt.Errorf("websocket connection closed")

// wsConn is a client-side websocket connection. Reads must come from a
// single goroutine; writes are serialized internally.
type wsConn struct {
	conn net.Conn
	br   *bufio.Reader

	wmu    sync.Mutex
	closed bool
}

// dialWS connects to a ws:// endpoint and performs the upgrade
// handshake. wss is rejected: remote-debug endpoints are loopback
// plaintext.
func dialWS(ctx context.Context, endpoint string) (*wsConn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse websocket endpoint: %w", err)
	}
	if u.Scheme != "ws" {
		return nil, fmt.Errorf("unsupported websocket scheme %q", u.Scheme)
	}
	addr := u.Host
	if u.Port() == "" {
		addr = net.JoinHostPort(u.Hostname(), "80")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	key, err := handshakeKey()
	if err != nil {
		conn.Close()
		return nil, err
	}

	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", u.Host)
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("\r\n")
	if _, err := conn.Write([]byte(b.String())); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send upgrade request: %w", err)
	}

	br := bufio.NewReaderSize(conn, 64<<10)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read upgrade response: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		conn.Close()
		return nil, fmt.Errorf("endpoint refused upgrade: %s", resp.Status)
	}
	if got := resp.Header.Get("Sec-WebSocket-Accept"); got != acceptKey(key) {
		conn.Close()
		return nil, fmt.Errorf("endpoint returned bad Sec-WebSocket-Accept")
	}

	_ = conn.SetDeadline(time.Time{})
	return &wsConn{conn: conn, br: br}, nil
}

func handshakeKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate websocket key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// acceptKey derives the expected Sec-WebSocket-Accept for a client key.
func acceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsAcceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// ReadMessage reads one complete text or binary message, assembling
// continuation frames and answering pings transparently.
func (c *wsConn) ReadMessage() ([]byte, error) {
	var msg []byte
	inMessage := false
	for {
		fin, opcode, payload, err := readFrame(c.br, maxMessageSize)
		if err != nil {
			return nil, err
		}
		switch opcode {
		case wsOpClose:
			c.wmu.Lock()
			if !c.closed {
				_ = writeFrame(c.conn, wsOpClose, payload, true)
				c.closed = true
			}
			c.wmu.Unlock()
			return nil, errConnClosed
		case wsOpPing:
			if err := c.writeControl(wsOpPong, payload); err != nil {
				return nil, err
			}
			continue
		case wsOpPong:
			continue
		case wsOpText, wsOpBinary:
			if inMessage {
				return nil, fmt.Errorf("unexpected non-continuation frame mid-message")
			}
			msg = payload
			inMessage = true
		case wsOpContinuation:
			if !inMessage {
				return nil, fmt.Errorf("continuation frame without initial frame")
			}
			if len(msg)+len(payload) > maxMessageSize {
				return nil, fmt.Errorf("websocket message exceeds %d bytes", maxMessageSize)
			}
			msg = append(msg, payload...)
		default:
			return nil, fmt.Errorf("unsupported websocket opcode %#x", opcode)
		}
		if fin {
			return msg, nil
		}
	}
}

// WriteMessage sends one text message. Client frames are masked
// (RFC 6455 Section 5.3).
func (c *wsConn) WriteMessage(payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return writeFrame(c.conn, wsOpText, payload, true)
}

func (c *wsConn) writeControl(opcode byte, payload []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return writeFrame(c.conn, opcode, payload, true)
}

// Close sends a close frame and tears the transport down.
func (c *wsConn) Close() error {
	c.wmu.Lock()
	if !c.closed {
		payload := make([]byte, 2)
		binary.BigEndian.PutUint16(payload, 1000)
		_ = writeFrame(c.conn, wsOpClose, payload, true)
		c.closed = true
	}
	c.wmu.Unlock()
	return c.conn.Close()
}

// readFrame reads a single frame: header, extended length, mask key,
// payload (RFC 6455 Section 5.2).
func readFrame(r io.Reader, maxLen uint64) (fin bool, opcode byte, payload []byte, err error) {
	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return false, 0, nil, err
	}

	fin = header[0]&0x80 != 0
	opcode = header[0] & 0x0F
	masked := header[1]&0x80 != 0
	payloadLen := uint64(header[1] & 0x7F)

	switch payloadLen {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(r, ext); err != nil {
			return false, 0, nil, err
		}
		payloadLen = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(r, ext); err != nil {
			return false, 0, nil, err
		}
		payloadLen = binary.BigEndian.Uint64(ext)
	}
	if payloadLen > maxLen {
		return false, 0, nil, fmt.Errorf("websocket frame exceeds %d bytes", maxLen)
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(r, maskKey[:]); err != nil {
			return false, 0, nil, err
		}
	}

	payload = make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return false, 0, nil, err
		}
	}
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}
	return fin, opcode, payload, nil
}

// writeFrame writes a single FIN frame. With mask set it generates a
// random mask key and XORs the payload.
func writeFrame(w io.Writer, opcode byte, payload []byte, mask bool) error {
	header := []byte{0x80 | opcode, 0}

	payloadLen := len(payload)
	maskBit := byte(0)
	if mask {
		maskBit = 0x80
	}

	switch {
	case payloadLen <= 125:
		header[1] = maskBit | byte(payloadLen)
	case payloadLen <= 65535:
		header[1] = maskBit | 126
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(payloadLen))
		header = append(header, ext...)
	default:
		header[1] = maskBit | 127
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, uint64(payloadLen))
		header = append(header, ext...)
	}

	if !mask {
		if _, err := w.Write(header); err != nil {
			return err
		}
		if len(payload) > 0 {
			_, err := w.Write(payload)
			return err
		}
		return nil
	}

	maskKey := make([]byte, 4)
	if _, err := rand.Read(maskKey); err != nil {
		return fmt.Errorf("generate mask key: %w", err)
	}
	masked := make([]byte, len(payload))
	for i := range payload {
		masked[i] = payload[i] ^ maskKey[i%4]
	}

	// Single write keeps frames atomic across concurrent writers.
	buf := make([]byte, 0, len(header)+4+len(masked))
	buf = append(buf, header...)
	buf = append(buf, maskKey...)
	buf = append(buf, masked...)
	_, err := w.Write(buf)
	return err
}
