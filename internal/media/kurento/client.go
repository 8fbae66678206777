// Package kurento speaks the media engine's JSON-RPC control protocol over a
// single WebSocket and exposes it through the media package interfaces.
package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const releaseTimeout = 10 * time.Second

var ErrClosed = errors.New("kurento: connection closed")

// Error is a remote error returned by the engine for one command.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("kurento: %s (code %d)", e.Message, e.Code)
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	ID      uint64         `json:"id"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

// rpcEnvelope covers both command replies and onEvent notifications.
type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type eventHandler func(data json.RawMessage)

// Client is one control connection to the engine. It implements media.Engine.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu        sync.Mutex
	pending   map[uint64]chan rpcEnvelope
	handlers  map[string]eventHandler // keyed by objectID + "/" + eventType
	sessionID string

	nextID    atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the engine's control endpoint and starts the read pump.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("kurento: dial %s: %w", url, err)
	}
	c := &Client{
		conn:     conn,
		pending:  make(map[uint64]chan rpcEnvelope),
		handlers: make(map[string]eventHandler),
		closed:   make(chan struct{}),
	}
	go c.readPump()
	log.Info().Str("module", "media.kurento").Str("url", url).Msg("engine connected")
	return c, nil
}

func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
		c.mu.Lock()
		for id, ch := range c.pending {
			delete(c.pending, id)
			close(ch)
		}
		c.mu.Unlock()
	})
	return nil
}

func (c *Client) readPump() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				log.Error().Err(err).Str("module", "media.kurento").Msg("read pump terminated")
			}
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "media.kurento").Msg("bad frame from engine")
			continue
		}
		switch {
		case env.Method == "onEvent":
			c.dispatchEvent(env.Params)
		case env.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			if ok {
				delete(c.pending, *env.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		default:
			log.Warn().Str("module", "media.kurento").Str("method", env.Method).Msg("unexpected frame")
		}
	}
}

func (c *Client) dispatchEvent(params json.RawMessage) {
	var p struct {
		Value struct {
			Object string          `json:"object"`
			Type   string          `json:"type"`
			Data   json.RawMessage `json:"data"`
		} `json:"value"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		log.Error().Err(err).Str("module", "media.kurento").Msg("bad event payload")
		return
	}
	c.mu.Lock()
	h, ok := c.handlers[p.Value.Object+"/"+p.Value.Type]
	c.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "media.kurento").
			Str("object", p.Value.Object).Str("type", p.Value.Type).
			Msg("event without handler")
		return
	}
	h(p.Value.Data)
}

func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	id := c.nextID.Add(1)
	if params == nil {
		params = make(map[string]any)
	}
	c.mu.Lock()
	if c.sessionID != "" {
		params["sessionId"] = c.sessionID
	}
	ch := make(chan rpcEnvelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("kurento: %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.closed:
		return ErrClosed
	case env, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		if env.Error != nil {
			return env.Error
		}
		var res struct {
			Value     json.RawMessage `json:"value"`
			SessionID string          `json:"sessionId"`
		}
		if len(env.Result) > 0 {
			if err := json.Unmarshal(env.Result, &res); err != nil {
				return fmt.Errorf("kurento: %s result: %w", method, err)
			}
		}
		if res.SessionID != "" {
			c.mu.Lock()
			c.sessionID = res.SessionID
			c.mu.Unlock()
		}
		if out != nil && len(res.Value) > 0 {
			if err := json.Unmarshal(res.Value, out); err != nil {
				return fmt.Errorf("kurento: %s value: %w", method, err)
			}
		}
		return nil
	}
}

// create builds a remote media object and returns its id.
func (c *Client) create(ctx context.Context, typ string, ctorParams map[string]any) (string, error) {
	var objectID string
	params := map[string]any{"type": typ}
	if ctorParams != nil {
		params["constructorParams"] = ctorParams
	}
	if err := c.call(ctx, "create", params, &objectID); err != nil {
		return "", err
	}
	return objectID, nil
}

func (c *Client) invoke(ctx context.Context, object, operation string, opParams map[string]any, out any) error {
	params := map[string]any{"object": object, "operation": operation}
	if opParams != nil {
		params["operationParams"] = opParams
	}
	return c.call(ctx, "invoke", params, out)
}

func (c *Client) release(ctx context.Context, object string) error {
	return c.call(ctx, "release", map[string]any{"object": object}, nil)
}

// subscribe registers fn for eventType on object, then asks the engine to
// start emitting it.
func (c *Client) subscribe(ctx context.Context, object, eventType string, fn eventHandler) error {
	c.mu.Lock()
	c.handlers[object+"/"+eventType] = fn
	c.mu.Unlock()
	params := map[string]any{"object": object, "type": eventType}
	if err := c.call(ctx, "subscribe", params, nil); err != nil {
		c.mu.Lock()
		delete(c.handlers, object+"/"+eventType)
		c.mu.Unlock()
		return err
	}
	return nil
}
