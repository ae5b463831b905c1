// internal/server/client.go
package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/browsermux/browsermux/api/schemas"
	"github.com/browsermux/browsermux/internal/browser"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// Outbound queue depth per connection.
	sendQueueDepth = 256
)

// client is one websocket connection with its pumps and auth state.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	logger *zap.Logger
	// Buffered channel of outbound messages.
	send chan []byte

	authed bool
	// Consecutive undecodable frames; reset on the first good one.
	malformed int
}

func newClient(s *Server, conn *websocket.Conn) *client {
	id := uuid.New().String()
	return &client{
		id:     id,
		server: s,
		conn:   conn,
		logger: s.logger.With(zap.String("client_id", id)),
		send:   make(chan []byte, sendQueueDepth),
	}
}

// frameEnvelope is the part of a frame the pipeline peeks at before full
// decoding: the request id for error replies and the credential carried
// on the first frame.
type frameEnvelope struct {
	ID     string `json:"id"`
	APIKey string `json:"api_key"`
}

// readPump reads frames and feeds them through the dispatch pipeline.
// It never blocks on command execution; replies are forwarded to the
// send queue as sessions finish.
func (c *client) readPump() {
	defer func() {
		select {
		case c.server.unregister <- c:
		case <-c.server.hubDone:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(c.server.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("Websocket read error.", zap.Error(err))
			}
			return
		}
		if !c.processFrame(message) {
			// Give the write pump a moment to flush the final error frame.
			time.Sleep(100 * time.Millisecond)
			return
		}
	}
}

// processFrame runs one inbound frame through admission, auth,
// validation, sanitization, and dispatch. It returns false when the
// connection should be dropped.
func (c *client) processFrame(raw []byte) bool {
	var env frameEnvelope
	// A frame that is not even JSON still gets an error reply; the id
	// stays empty.
	_ = json.Unmarshal(raw, &env)

	if c.server.auth.Enabled() && !c.authed {
		if !c.server.auth.Verify(env.APIKey) {
			c.logger.Warn("Authentication failed.")
			c.reply(env.ID, schemas.NewCommandError(schemas.ErrAuthFailed, "invalid or missing api_key"), 0)
			return false
		}
		c.authed = true
	}

	if !c.server.admission.Allow() {
		c.reply(env.ID, schemas.NewCommandError(schemas.ErrRateLimited, "server is at capacity, retry later"), 0)
		return true
	}
	if !c.server.limiter.Allow(c.id) {
		err := schemas.NewCommandError(schemas.ErrRateLimited, "client rate limit exceeded")
		if c.server.limiter.Blocked(c.id) {
			err = err.WithDetail("blocked", true)
		}
		c.reply(env.ID, err, 0)
		return true
	}

	cmd, err := schemas.DecodeCommand(raw)
	if err != nil {
		c.malformed++
		c.reply(env.ID, schemas.AsCommandError(err), 0)
		if c.server.cfg.MalformedFrameLimit > 0 && c.malformed >= c.server.cfg.MalformedFrameLimit {
			c.logger.Warn("Dropping client after repeated malformed frames.",
				zap.Int("count", c.malformed))
			return false
		}
		return true
	}
	c.malformed = 0

	if err := c.server.sanitizer.CheckCommand(cmd); err != nil {
		c.reply(cmd.Base().ID, schemas.AsCommandError(err), 0)
		return true
	}

	start := time.Now()
	reply, err := c.server.runner.Submit(context.Background(), c.id, cmd)
	if err != nil {
		c.reply(cmd.Base().ID, schemas.AsCommandError(err), msSince(start))
		return true
	}

	// Await the result off the read loop so later frames keep flowing.
	c.server.wg.Add(1)
	go func() {
		defer c.server.wg.Done()
		res, ok := <-reply
		if !ok {
			c.reply(cmd.Base().ID, schemas.NewCommandError(schemas.ErrInternal, "session dropped the command"), msSince(start))
			return
		}
		if res.Err != nil {
			c.reply(cmd.Base().ID, schemas.AsCommandError(res.Err), float64(res.Duration)/float64(time.Millisecond))
			return
		}
		c.sendPayload(cmd.Base().ID, res)
	}()
	return true
}

// sendPayload stamps the response envelope and queues the frame.
func (c *client) sendPayload(id string, res browser.ExecResult) {
	base := res.Payload.Base()
	base.ID = id
	base.Success = true
	base.Timestamp = time.Now().UTC()
	base.ExecutionTimeMs = float64(res.Duration) / float64(time.Millisecond)
	base.FromCache = res.FromCache

	frame, err := json.Marshal(res.Payload)
	if err != nil {
		c.logger.Error("Failed to encode response.", zap.Error(err))
		c.reply(id, schemas.NewCommandError(schemas.ErrInternal, "failed to encode response"), base.ExecutionTimeMs)
		return
	}
	c.enqueue(frame)
}

// reply queues an error frame.
func (c *client) reply(id string, cmdErr *schemas.CommandError, execMs float64) {
	frame, err := json.Marshal(schemas.NewErrorResponse(id, cmdErr, execMs))
	if err != nil {
		c.logger.Error("Failed to encode error response.", zap.Error(err))
		return
	}
	c.enqueue(frame)
}

// enqueue hands a frame to the write pump without blocking. A full queue
// means the peer stopped reading; drop the connection.
func (c *client) enqueue(frame []byte) {
	select {
	case c.send <- frame:
	default:
		c.logger.Warn("Send queue full, closing connection.")
		c.conn.Close()
	}
}

// writePump writes queued frames and keepalive pings. Each reply goes
// out as its own message so clients can decode frame by frame.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t)) / float64(time.Millisecond)
}
