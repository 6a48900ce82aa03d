// Package cdp implements the browser engine on top of a Chromium instance
// driven over the DevTools protocol. Every browser is one page target
// attached through a flat session on a shared browser connection.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"

	"github.com/spectrumlive/spt-notification/lib/engine"
	"github.com/spectrumlive/spt-notification/lib/logger"
)

type Engine struct {
	logger  *slog.Logger
	conn    *conn
	version string
}

var _ engine.Engine = (*Engine)(nil)

type Option func(*Engine)

// WithVersion sets the version reported to pages as obsstudio.pluginVersion.
func WithVersion(v string) Option {
	return func(e *Engine) { e.version = v }
}

// Dial connects to the browser-level DevTools websocket at wsURL, retrying
// while Chromium is still starting.
func Dial(ctx context.Context, wsURL string, log *slog.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{logger: log, version: "dev"}
	for _, opt := range opts {
		opt(e)
	}

	var c *conn
	err := retry.New(
		retry.Attempts(20),
		retry.Delay(250*time.Millisecond),
		retry.MaxDelay(2*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		var err error
		c, err = dial(ctx, wsURL, log)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.conn = c
	log.Info("connected to devtools", "url", wsURL)
	return e, nil
}

// Done is closed when the DevTools connection is lost.
func (e *Engine) Done() <-chan struct{} { return e.conn.Done() }

func (e *Engine) CreateBrowser(ctx context.Context, spec engine.Spec, client engine.Client) (engine.Browser, error) {
	raw, err := e.conn.send(ctx, "Target.createTarget", map[string]any{
		"url":    "about:blank",
		"width":  spec.Width,
		"height": spec.Height,
	}, "")
	if err != nil {
		return nil, fmt.Errorf("create target: %w", err)
	}
	var target struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(raw, &target); err != nil {
		return nil, fmt.Errorf("parse createTarget result: %w", err)
	}

	raw, err = e.conn.send(ctx, "Target.attachToTarget", map[string]any{
		"targetId": target.TargetID,
		"flatten":  true,
	}, "")
	if err != nil {
		e.closeTarget(target.TargetID)
		return nil, fmt.Errorf("attach to target: %w", err)
	}
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &attach); err != nil {
		e.closeTarget(target.TargetID)
		return nil, fmt.Errorf("parse attachToTarget result: %w", err)
	}

	b := newBrowser(e, target.TargetID, attach.SessionID, spec, client)
	e.conn.subscribe(attach.SessionID, b.enqueue)
	go b.run()

	if err := b.setup(ctx, pageScript(spec, e.version)); err != nil {
		_ = b.Close(context.WithoutCancel(ctx), true)
		return nil, err
	}
	b.logger.Debug("browser created", "url", spec.URL, "width", spec.Width, "height", spec.Height, "fps", spec.FPS)
	return b, nil
}

func (e *Engine) closeTarget(targetID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.conn.send(ctx, "Target.closeTarget", map[string]any{"targetId": targetID}, ""); err != nil {
		e.logger.Debug("failed to close target", "target", targetID, "err", err)
	}
}

func (e *Engine) Close() error {
	return e.conn.close()
}
