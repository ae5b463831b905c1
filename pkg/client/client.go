// Package client is a typed SDK for the browsermux websocket protocol.
// One Client multiplexes pipelined commands over a single connection and
// correlates replies by request id.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"

	"github.com/browsermux/browsermux/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrClosed is returned for requests issued after the connection ended.
var ErrClosed = errors.New("client: connection closed")

// APIError is a protocol-level failure reported by the server.
type APIError struct {
	Code    schemas.ErrorCode
	Type    string
	Message string
	Details map[string]interface{}
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is a websocket connection to a browsermux server.
type Client struct {
	conn   *websocket.Conn
	apiKey string

	// writeMu serializes frame writes; gorilla allows one writer at a time.
	writeMu sync.Mutex
	keySent bool

	mu      sync.Mutex
	pending map[string]chan []byte
	readErr error

	closeOnce sync.Once
}

// Dial connects to a server. The api key, when set, rides on the first
// frame as the server expects.
func Dial(ctx context.Context, url, apiKey string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		apiKey:  apiKey,
		pending: make(map[string]chan []byte),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. In-flight requests fail with ErrClosed.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// readLoop routes reply frames to their waiting callers.
func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(err)
			return
		}
		var env struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &env); err != nil || env.ID == "" {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[env.ID]
		delete(c.pending, env.ID)
		c.mu.Unlock()
		if ok {
			ch <- raw
		}
	}
}

// failAll wakes every pending caller after a connection failure.
func (c *Client) failAll(err error) {
	c.mu.Lock()
	c.readErr = err
	pending := c.pending
	c.pending = make(map[string]chan []byte)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	c.closeOnce.Do(func() { c.conn.Close() })
}

// Do sends a command and decodes its reply into out. A missing command
// id is generated. An empty session id asks the server to create a
// session; the reply's SessionID carries the assigned id for reuse.
// Server-side failures come back as *APIError.
func (c *Client) Do(ctx context.Context, cmd schemas.Command, out schemas.Payload) error {
	base := cmd.Base()
	if base.ID == "" {
		base.ID = uuid.New().String()
	}

	frame, err := c.encodeFrame(cmd)
	if err != nil {
		return err
	}

	ch := make(chan []byte, 1)
	c.mu.Lock()
	if c.readErr != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[base.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	writeErr := c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if writeErr != nil {
		c.mu.Lock()
		delete(c.pending, base.ID)
		c.mu.Unlock()
		return fmt.Errorf("client: write: %w", writeErr)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, base.ID)
		c.mu.Unlock()
		return ctx.Err()
	case raw, ok := <-ch:
		if !ok {
			return ErrClosed
		}
		return decodeReply(raw, out)
	}
}

// encodeFrame marshals a command, attaching the api key to the first
// frame on the connection.
func (c *Client) encodeFrame(cmd schemas.Command) ([]byte, error) {
	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("client: encode command: %w", err)
	}

	c.writeMu.Lock()
	needKey := c.apiKey != "" && !c.keySent
	if needKey {
		c.keySent = true
	}
	c.writeMu.Unlock()
	if !needKey {
		return raw, nil
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("client: encode command: %w", err)
	}
	fields["api_key"] = c.apiKey
	return json.Marshal(fields)
}

// decodeReply maps an error envelope to *APIError or fills out.
func decodeReply(raw []byte, out schemas.Payload) error {
	var probe struct {
		Success   bool                   `json:"success"`
		Error     string                 `json:"error"`
		ErrorCode schemas.ErrorCode      `json:"error_code"`
		ErrorType string                 `json:"error_type"`
		Details   map[string]interface{} `json:"details"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("client: decode reply: %w", err)
	}
	if !probe.Success {
		return &APIError{
			Code:    probe.ErrorCode,
			Type:    probe.ErrorType,
			Message: probe.Error,
			Details: probe.Details,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decode reply: %w", err)
	}
	return nil
}

// Navigate loads a URL in the session.
func (c *Client) Navigate(ctx context.Context, sessionID, url string) (*schemas.NavigateResponse, error) {
	cmd := &schemas.NavigateCommand{
		BaseCommand: schemas.BaseCommand{Method: schemas.MethodNavigate, SessionID: sessionID},
		URL:         url,
	}
	var resp schemas.NavigateResponse
	if err := c.Do(ctx, cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Click clicks the first element matching selector.
func (c *Client) Click(ctx context.Context, sessionID, selector string) (*schemas.ClickResponse, error) {
	cmd := &schemas.ClickCommand{
		BaseCommand: schemas.BaseCommand{Method: schemas.MethodClick, SessionID: sessionID},
		Selector:    selector,
	}
	var resp schemas.ClickResponse
	if err := c.Do(ctx, cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fill types text into the element matching selector, replacing its
// current value.
func (c *Client) Fill(ctx context.Context, sessionID, selector, text string) (*schemas.FillResponse, error) {
	cmd := &schemas.FillCommand{
		BaseCommand:   schemas.BaseCommand{Method: schemas.MethodFill, SessionID: sessionID},
		Selector:      selector,
		Text:          text,
		ClearFirst:    true,
		ValidateInput: true,
	}
	var resp schemas.FillResponse
	if err := c.Do(ctx, cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ExtractText returns the text content of the first element matching
// selector. Use Do with a schemas.ExtractCommand for other extract modes.
func (c *Client) ExtractText(ctx context.Context, sessionID, selector string) (*schemas.ExtractResponse, error) {
	cmd := &schemas.ExtractCommand{
		BaseCommand:    schemas.BaseCommand{Method: schemas.MethodExtract, SessionID: sessionID},
		Selector:       selector,
		ExtractType:    schemas.ExtractText,
		TrimWhitespace: true,
	}
	var resp schemas.ExtractResponse
	if err := c.Do(ctx, cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitVisible blocks until the element matching selector is visible.
func (c *Client) WaitVisible(ctx context.Context, sessionID, selector string) (*schemas.WaitResponse, error) {
	cmd := &schemas.WaitCommand{
		BaseCommand: schemas.BaseCommand{Method: schemas.MethodWait, SessionID: sessionID},
		Condition:   schemas.CondVisible,
		Selector:    selector,
	}
	var resp schemas.WaitResponse
	if err := c.Do(ctx, cmd, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
