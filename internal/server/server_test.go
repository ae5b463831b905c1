package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/browsermux/browsermux/api/schemas"
	"github.com/browsermux/browsermux/internal/browser"
	"github.com/browsermux/browsermux/internal/config"
	"github.com/browsermux/browsermux/internal/security"
)

// defaultTestConfig opens the rate limits so tests exercise one control
// at a time.
func defaultTestConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.Server.GlobalRatePerSecond = 10000
	cfg.Server.GlobalRateBurst = 10000
	cfg.Server.RateLimitPerMinute = 10000
	return cfg
}

// fakeRunner satisfies CommandRunner without a browser. Each submit is
// answered from the handler, or with an empty extract response.
type fakeRunner struct {
	mu        sync.Mutex
	submitted []schemas.Command
	released  []string
	handler   func(cmd schemas.Command) browser.ExecResult
}

func (f *fakeRunner) Submit(ctx context.Context, clientID string, cmd schemas.Command) (<-chan browser.ExecResult, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, cmd)
	handler := f.handler
	f.mu.Unlock()

	// Like the real manager: enqueue synchronously, execute asynchronously.
	ch := make(chan browser.ExecResult, 1)
	go func() {
		if handler != nil {
			ch <- handler(cmd)
			return
		}
		ch <- browser.ExecResult{Payload: &schemas.ExtractResponse{ElementsFound: 1, Data: "ok"}}
	}()
	return ch, nil
}

func (f *fakeRunner) ReleaseClient(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, clientID)
}

func (f *fakeRunner) SessionCount() int { return 0 }

func (f *fakeRunner) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

func (f *fakeRunner) submittedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.submitted))
	for _, cmd := range f.submitted {
		ids = append(ids, cmd.Base().ID)
	}
	return ids
}

// replyFrame is the decoded shape shared by success and error replies.
type replyFrame struct {
	ID        string      `json:"id"`
	Success   bool        `json:"success"`
	ErrorCode string      `json:"error_code"`
	ErrorType string      `json:"error_type"`
	Data      interface{} `json:"data"`
	FromCache bool        `json:"from_cache"`
}

func newTestServer(t *testing.T, mutate func(cfg *serverTestConfig)) (*Server, *fakeRunner, *websocket.Conn) {
	t.Helper()
	tc := &serverTestConfig{}
	if mutate != nil {
		mutate(tc)
	}

	cfg := defaultTestConfig()
	cfg.Server.APIKey = tc.apiKey
	if tc.perClientLimit > 0 {
		cfg.Server.RateLimitPerMinute = tc.perClientLimit
	}
	if tc.malformedLimit > 0 {
		cfg.Server.MalformedFrameLimit = tc.malformedLimit
	}

	runner := &fakeRunner{handler: tc.handler}
	s := New(cfg, zap.NewNop(), runner)

	hubCtx, cancelHub := context.WithCancel(context.Background())
	go s.runHub(hubCtx)

	ts := httptest.NewServer(s.httpServer.Handler)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts.URL), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		ts.Close()
		cancelHub()
	})
	return s, runner, conn
}

type serverTestConfig struct {
	apiKey         string
	perClientLimit int
	malformedLimit int
	handler        func(cmd schemas.Command) browser.ExecResult
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func readReply(t *testing.T, conn *websocket.Conn) replyFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var reply replyFrame
	require.NoError(t, json.Unmarshal(raw, &reply))
	return reply
}

func TestServer_CommandRoundTrip(t *testing.T) {
	_, runner, conn := newTestServer(t, nil)

	sendFrame(t, conn, `{"id":"c1","method":"extract","session_id":"s1","selector":"h1"}`)
	reply := readReply(t, conn)

	assert.Equal(t, "c1", reply.ID)
	assert.True(t, reply.Success)
	assert.Equal(t, "ok", reply.Data)
	assert.Equal(t, []string{"c1"}, runner.submittedIDs())
}

func TestServer_AuthRequired(t *testing.T) {
	t.Run("missing key is rejected and the connection dropped", func(t *testing.T) {
		_, runner, conn := newTestServer(t, func(tc *serverTestConfig) { tc.apiKey = "secret" })

		sendFrame(t, conn, `{"id":"c1","method":"extract","session_id":"s1","selector":"h1"}`)
		reply := readReply(t, conn)
		assert.Equal(t, string(schemas.ErrAuthFailed), reply.ErrorCode)
		assert.False(t, reply.Success)
		assert.Empty(t, runner.submittedIDs(), "unauthenticated commands must not execute")

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, _, err := conn.ReadMessage()
		assert.Error(t, err, "server must close after auth failure")
	})

	t.Run("valid key on the first frame authenticates the connection", func(t *testing.T) {
		_, _, conn := newTestServer(t, func(tc *serverTestConfig) { tc.apiKey = "secret" })

		sendFrame(t, conn, `{"id":"c1","method":"extract","session_id":"s1","selector":"h1","api_key":"secret"}`)
		assert.True(t, readReply(t, conn).Success)

		// Later frames no longer need the key.
		sendFrame(t, conn, `{"id":"c2","method":"extract","session_id":"s1","selector":"h1"}`)
		assert.True(t, readReply(t, conn).Success)
	})
}

func TestServer_MalformedFrames(t *testing.T) {
	_, _, conn := newTestServer(t, func(tc *serverTestConfig) { tc.malformedLimit = 3 })

	// A bad frame gets an error reply but keeps the connection.
	sendFrame(t, conn, `{not json`)
	reply := readReply(t, conn)
	assert.Equal(t, string(schemas.ErrInvalidCommand), reply.ErrorCode)

	// A good frame resets the consecutive counter.
	sendFrame(t, conn, `{"id":"c1","method":"extract","session_id":"s1","selector":"h1"}`)
	assert.True(t, readReply(t, conn).Success)

	// Hitting the limit closes the connection.
	sendFrame(t, conn, `{not json`)
	readReply(t, conn)
	sendFrame(t, conn, `also not json`)
	readReply(t, conn)
	sendFrame(t, conn, `still not json`)
	readReply(t, conn)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestServer_UnsafeInputRejected(t *testing.T) {
	_, runner, conn := newTestServer(t, nil)

	sendFrame(t, conn, `{"id":"c1","method":"extract","session_id":"s1","selector":"<script>alert(1)</script>"}`)
	reply := readReply(t, conn)

	assert.Equal(t, string(schemas.ErrUnsafeInput), reply.ErrorCode)
	assert.Equal(t, "security", reply.ErrorType)
	assert.Empty(t, runner.submittedIDs())
}

func TestServer_PerClientRateLimit(t *testing.T) {
	_, _, conn := newTestServer(t, func(tc *serverTestConfig) { tc.perClientLimit = 2 })

	sendFrame(t, conn, `{"id":"c1","method":"extract","session_id":"s1","selector":"h1"}`)
	assert.True(t, readReply(t, conn).Success)
	sendFrame(t, conn, `{"id":"c2","method":"extract","session_id":"s1","selector":"h1"}`)
	assert.True(t, readReply(t, conn).Success)

	sendFrame(t, conn, `{"id":"c3","method":"extract","session_id":"s1","selector":"h1"}`)
	reply := readReply(t, conn)
	assert.Equal(t, string(schemas.ErrRateLimited), reply.ErrorCode)
	assert.Equal(t, "c3", reply.ID)
}

func TestServer_PipelinedCommands(t *testing.T) {
	release := make(chan struct{})
	_, runner, conn := newTestServer(t, func(tc *serverTestConfig) {
		tc.handler = func(cmd schemas.Command) browser.ExecResult {
			if cmd.Base().ID == "slow" {
				<-release
			}
			return browser.ExecResult{Payload: &schemas.ExtractResponse{Data: cmd.Base().ID}}
		}
	})

	// The slow command must not stall admission of the fast one.
	sendFrame(t, conn, `{"id":"slow","method":"extract","session_id":"s1","selector":"h1"}`)
	sendFrame(t, conn, `{"id":"fast","method":"extract","session_id":"s2","selector":"h1"}`)

	require.Eventually(t, func() bool {
		return len(runner.submittedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond, "read loop must not block on execution")

	close(release)
	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		reply := readReply(t, conn)
		got[reply.ID] = reply.Success
	}
	assert.Equal(t, map[string]bool{"slow": true, "fast": true}, got)
}

func TestServer_DisconnectReleasesClient(t *testing.T) {
	_, runner, conn := newTestServer(t, nil)

	sendFrame(t, conn, `{"id":"c1","method":"extract","session_id":"s1","selector":"h1"}`)
	readReply(t, conn)

	conn.Close()
	require.Eventually(t, func() bool {
		return runner.releasedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_SweepsIdleRateLimitWindows(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	// A tiny window so the ghost client's events drain immediately.
	s.limiter = security.NewRateLimiter(1, 10*time.Millisecond, 0, 0, 0)
	s.limiter.Allow("ghost")
	require.Equal(t, 1, s.limiter.Tracked())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.sweepLimiter(ctx, 5*time.Millisecond)

	require.Eventually(t, func() bool { return s.limiter.Tracked() == 0 },
		2*time.Second, 10*time.Millisecond, "drained windows must be swept")
}

func TestServer_Healthz(t *testing.T) {
	s, _, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}
