package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const callTimeout = 30 * time.Second

type cdpMessage struct {
	ID        int64           `json:"id,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *cdpError       `json:"error,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("cdp error %d: %s", e.Code, e.Message)
}

type cdpResult struct {
	result json.RawMessage
	err    error
}

// eventHandler receives events for one flat session.
type eventHandler func(method string, params json.RawMessage)

// conn is one browser-level DevTools websocket shared by every page
// session. Responses are matched to calls by id; events are routed by
// session id.
type conn struct {
	logger *slog.Logger
	ws     *websocket.Conn
	msgID  atomic.Int64

	mu       sync.Mutex
	pending  map[int64]chan cdpResult
	sessions map[string]eventHandler

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

func dial(ctx context.Context, wsURL string, logger *slog.Logger) (*conn, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid devtools URL: %w", err)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Host": []string{parsed.Host}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to devtools: %w", err)
	}
	ws.SetReadLimit(100 * 1024 * 1024)

	c := &conn{
		logger:   logger,
		ws:       ws,
		pending:  make(map[int64]chan cdpResult),
		sessions: make(map[string]eventHandler),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// send issues one command and waits for its response.
func (c *conn) send(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error) {
	id := c.msgID.Add(1)

	var paramsRaw json.RawMessage
	if params != nil {
		var err error
		paramsRaw, err = json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	data, err := json.Marshal(cdpMessage{ID: id, Method: method, Params: paramsRaw, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("marshal CDP message: %w", err)
	}

	resultCh := make(chan cdpResult, 1)
	c.mu.Lock()
	c.pending[id] = resultCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case <-c.done:
		return nil, fmt.Errorf("%s: devtools connection closed", method)
	default:
	}
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write %s: %w", method, err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", method, r.err)
		}
		return r.result, nil
	case <-timer.C:
		return nil, fmt.Errorf("CDP call timed out: %s", method)
	case <-c.done:
		return nil, fmt.Errorf("%s: devtools connection closed", method)
	}
}

func (c *conn) readLoop() {
	defer c.shutdown(nil)
	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Error("CDP read error", "err", err)
				c.shutdown(err)
			}
			return
		}

		var msg cdpMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Error("CDP unmarshal error", "err", err)
			continue
		}

		if msg.ID > 0 {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			c.mu.Unlock()
			if ok {
				r := cdpResult{result: msg.Result}
				if msg.Error != nil {
					r.err = msg.Error
				}
				ch <- r
			}
			continue
		}

		c.mu.Lock()
		h := c.sessions[msg.SessionID]
		c.mu.Unlock()
		if h != nil {
			h(msg.Method, msg.Params)
		}
	}
}

func (c *conn) subscribe(sessionID string, h eventHandler) {
	c.mu.Lock()
	c.sessions[sessionID] = h
	c.mu.Unlock()
}

func (c *conn) unsubscribe(sessionID string) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	c.mu.Unlock()
}

// Done is closed when the connection is gone.
func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
	})
}

func (c *conn) close() error {
	c.shutdown(nil)
	return c.ws.Close(websocket.StatusNormalClosure, "engine closing")
}
