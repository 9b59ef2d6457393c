package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// cdpEvent is a protocol notification scoped to one attached target.
type cdpEvent struct {
	Method string
	Params json.RawMessage
}

// rpcMessage is the wire shape of every DevTools message: commands
// carry id+method, responses id+result/error, events method+params.
type rpcMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if e.Data != "" {
		return fmt.Sprintf("cdp: %s (%s)", e.Message, e.Data)
	}
	return fmt.Sprintf("cdp: %s", e.Message)
}

// rpcConn multiplexes DevTools commands and events over one websocket.
// A single reader goroutine owns the socket read side; commands from any
// goroutine are matched to responses by id.
type rpcConn struct {
	ws     *wsConn
	logger *slog.Logger
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan rpcMessage
	handlers map[string]func(cdpEvent)
	err      error
	done     chan struct{}
}

// newRPCConn starts the reader loop over an established websocket.
func newRPCConn(ws *wsConn, logger *slog.Logger) *rpcConn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &rpcConn{
		ws:       ws,
		logger:   logger,
		pending:  make(map[int64]chan rpcMessage),
		handlers: make(map[string]func(cdpEvent)),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Call issues one command and decodes its result into out (which may be
// nil). sessionID is empty for browser-level commands.
func (c *rpcConn) Call(ctx context.Context, sessionID, method string, params, out any) error {
	id := c.nextID.Add(1)
	msg := rpcMessage{ID: id, Method: method, SessionID: sessionID}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode %s params: %w", method, err)
		}
		msg.Params = raw
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", method, err)
	}

	ch := make(chan rpcMessage, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.ws.WriteMessage(payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, ctx.Err())
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	case resp := <-ch:
		if resp.Error != nil {
			return fmt.Errorf("%s: %w", method, resp.Error)
		}
		if out != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, out); err != nil {
				return fmt.Errorf("decode %s result: %w", method, err)
			}
		}
		return nil
	}
}

// OnSession registers the event handler for one attached target. The
// handler runs on the reader goroutine and must not block.
func (c *rpcConn) OnSession(sessionID string, handler func(cdpEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handler == nil {
		delete(c.handlers, sessionID)
		return
	}
	c.handlers[sessionID] = handler
}

// Close tears down the websocket and fails every pending call.
func (c *rpcConn) Close() error {
	return c.ws.Close()
}

// Done is closed when the connection dies.
func (c *rpcConn) Done() <-chan struct{} { return c.done }

func (c *rpcConn) readLoop() {
	for {
		data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("cdp: undecodable message", "error", err)
			continue
		}

		if msg.ID != 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		if msg.Method == "" {
			continue
		}

		c.mu.Lock()
		handler := c.handlers[msg.SessionID]
		c.mu.Unlock()
		if handler != nil {
			handler(cdpEvent{Method: msg.Method, Params: msg.Params})
		}
	}
}

// fail marks the connection dead. Pending callers unblock through the
// done channel.
func (c *rpcConn) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = fmt.Errorf("browser has been closed: %w", err)
		close(c.done)
	}
	clear(c.pending)
	c.mu.Unlock()
}
