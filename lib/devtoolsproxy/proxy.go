// Package devtoolsproxy tracks the DevTools websocket URL Chromium prints on
// startup and exposes it to debugging clients through a websocket proxy.
package devtoolsproxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

var devtoolsListeningRegexp = regexp.MustCompile(`DevTools listening on (ws://\S+)`)

const maxMessageSize = 100 * 1024 * 1024

// UpstreamManager holds the current DevTools websocket URL. It learns it
// from Chromium's output, either read directly or tailed from a log file,
// and follows Chromium restarts.
type UpstreamManager struct {
	logger *slog.Logger

	currentURL atomic.Value // string

	stopOnce   sync.Once
	cancelTail context.CancelFunc

	subsMu sync.RWMutex
	subs   map[chan string]struct{}
}

func NewUpstreamManager(logger *slog.Logger) *UpstreamManager {
	um := &UpstreamManager{logger: logger}
	um.currentURL.Store("")
	return um
}

// Set records a URL that is known up front, such as one from configuration.
func (u *UpstreamManager) Set(wsURL string) {
	u.setCurrent(wsURL)
}

// Scan reads Chromium output from r until EOF, picking up every DevTools
// URL it announces.
func (u *UpstreamManager) Scan(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if matches := devtoolsListeningRegexp.FindStringSubmatch(scanner.Text()); len(matches) == 2 {
			u.setCurrent(matches[1])
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return nil
}

// TailFile follows the log file at path in the background until ctx is
// done or Stop is called.
func (u *UpstreamManager) TailFile(ctx context.Context, path string) {
	ctx, cancel := context.WithCancel(ctx)
	u.cancelTail = cancel
	go u.tailLoop(ctx, path)
}

func (u *UpstreamManager) Stop() {
	u.stopOnce.Do(func() {
		if u.cancelTail != nil {
			u.cancelTail()
		}
	})
}

// WaitForInitial blocks until a URL is known, the timeout elapses or ctx
// ends.
func (u *UpstreamManager) WaitForInitial(ctx context.Context, timeout time.Duration) (string, error) {
	if cur := u.Current(); cur != "" {
		return cur, nil
	}
	updates, cancel := u.Subscribe()
	defer cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		// The URL may have arrived between Current and Subscribe.
		if cur := u.Current(); cur != "" {
			return cur, nil
		}
		select {
		case v := <-updates:
			if v != "" {
				return v, nil
			}
		case <-timer.C:
			return "", fmt.Errorf("devtools upstream not found within %s", timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Current returns the current upstream websocket URL, or "" when unknown.
func (u *UpstreamManager) Current() string {
	val, _ := u.currentURL.Load().(string)
	return val
}

func (u *UpstreamManager) setCurrent(wsURL string) {
	if wsURL == "" || wsURL == u.Current() {
		return
	}
	u.logger.Info("devtools upstream updated", slog.String("url", wsURL))
	u.currentURL.Store(wsURL)

	// Subscribers hold at most one pending value; a newer URL replaces it.
	u.subsMu.RLock()
	defer u.subsMu.RUnlock()
	for ch := range u.subs {
		select {
		case ch <- wsURL:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- wsURL:
		default:
		}
	}
}

// Subscribe returns a channel of new upstream URLs and a function that
// unsubscribes.
func (u *UpstreamManager) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 1)
	u.subsMu.Lock()
	if u.subs == nil {
		u.subs = make(map[chan string]struct{})
	}
	u.subs[ch] = struct{}{}
	u.subsMu.Unlock()
	cancel := func() {
		u.subsMu.Lock()
		if _, ok := u.subs[ch]; ok {
			delete(u.subs, ch)
			close(ch)
		}
		u.subsMu.Unlock()
	}
	return ch, cancel
}

func (u *UpstreamManager) tailLoop(ctx context.Context, path string) {
	backoff := 250 * time.Millisecond
	for ctx.Err() == nil {
		u.tailOnce(ctx, path)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}

func (u *UpstreamManager) tailOnce(ctx context.Context, path string) {
	cmd := exec.CommandContext(ctx, "tail", "-F", "-n", "+1", path)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		u.logger.Error("failed to open tail stdout", "err", err)
		return
	}
	if err := cmd.Start(); err != nil {
		u.logger.Error("failed to start tail", "err", err, "path", path)
		return
	}
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()
	if err := u.Scan(stdout); err != nil && ctx.Err() == nil {
		u.logger.Error("tail scanner error", "err", err)
	}
}

// WebSocketProxyHandler upgrades incoming requests and proxies them to the
// current upstream URL. The client's path and query are ignored.
func WebSocketProxyHandler(mgr *UpstreamManager, logger *slog.Logger, logCDPMessages bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := mgr.Current()
		if current == "" {
			http.Error(w, "upstream not ready", http.StatusServiceUnavailable)
			return
		}
		parsed, err := url.Parse(current)
		if err != nil {
			http.Error(w, "invalid upstream", http.StatusInternalServerError)
			return
		}
		upstreamURL := (&url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: parsed.Path, RawQuery: parsed.RawQuery}).String()

		clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns:  []string{"*"},
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			logger.Error("websocket accept failed", "err", err)
			return
		}
		clientConn.SetReadLimit(maxMessageSize)

		upstreamConn, _, err := websocket.Dial(r.Context(), upstreamURL, &websocket.DialOptions{
			CompressionMode: websocket.CompressionContextTakeover,
		})
		if err != nil {
			logger.Error("dial upstream failed", "err", err, "url", upstreamURL)
			_ = clientConn.Close(websocket.StatusInternalError, "failed to connect to upstream")
			return
		}
		upstreamConn.SetReadLimit(maxMessageSize)
		logger.Debug("proxying devtools websocket", "url", upstreamURL)

		var once sync.Once
		cleanup := func() {
			once.Do(func() {
				_ = upstreamConn.Close(websocket.StatusNormalClosure, "")
				_ = clientConn.Close(websocket.StatusNormalClosure, "")
			})
		}
		proxyWebSocket(r.Context(), clientConn, upstreamConn, cleanup, logger, logCDPMessages)
	})
}

type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(statusCode websocket.StatusCode, reason string) error
}

type cdpSummary struct {
	ID        *int64 `json:"id"`
	Method    string `json:"method"`
	SessionID string `json:"sessionId"`
}

func logCDPMessage(logger *slog.Logger, direction string, mt websocket.MessageType, msg []byte) {
	if mt != websocket.MessageText {
		return
	}
	var s cdpSummary
	if err := json.Unmarshal(msg, &s); err != nil {
		logger.Info("cdp", "dir", direction, "raw_length", len(msg), "err", err)
		return
	}
	args := []any{"dir", direction}
	if s.SessionID != "" {
		args = append(args, "sessionId", s.SessionID)
	}
	if s.ID != nil {
		args = append(args, "id", *s.ID)
	}
	if s.Method != "" {
		args = append(args, "method", s.Method)
	}
	args = append(args, "raw_length", len(msg))
	logger.Info("cdp", args...)
}

func proxyWebSocket(ctx context.Context, clientConn, upstreamConn wsConn, onClose func(), logger *slog.Logger, logCDPMessages bool) {
	errChan := make(chan error, 2)
	pump := func(from, to wsConn, direction string) {
		for {
			mt, msg, err := from.Read(ctx)
			if err != nil {
				if !strings.Contains(err.Error(), "StatusNormalClosure") {
					logger.Debug("devtools proxy read ended", "dir", direction, "err", err)
				}
				errChan <- err
				return
			}
			if logCDPMessages {
				logCDPMessage(logger, direction, mt, msg)
			}
			if err := to.Write(ctx, mt, msg); err != nil {
				logger.Debug("devtools proxy write failed", "dir", direction, "err", err)
				errChan <- err
				return
			}
		}
	}
	go pump(clientConn, upstreamConn, "->")
	go pump(upstreamConn, clientConn, "<-")

	select {
	case <-ctx.Done():
	case <-errChan:
	}
	onClose()
}
