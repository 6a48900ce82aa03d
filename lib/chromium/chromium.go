// Package chromium starts and supervises the Chromium process that renders
// notification pages.
package chromium

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/spectrumlive/spt-notification/lib/devtoolsproxy"
	"github.com/spectrumlive/spt-notification/lib/logger"
)

type Options struct {
	// Binary is a path or a name looked up on $PATH.
	Binary string
	Flags  []string
	// StartTimeout bounds the wait for the DevTools URL.
	StartTimeout time.Duration
	Logger       *slog.Logger
}

// Process is a running Chromium.
type Process struct {
	cmd      *exec.Cmd
	logger   *slog.Logger
	upstream *devtoolsproxy.UpstreamManager
	url      string
	done     chan struct{}
	err      error
}

// Launch starts Chromium with opts.Flags and returns once it announced its
// DevTools URL. The URL is also recorded in upstream.
func Launch(ctx context.Context, opts Options, upstream *devtoolsproxy.UpstreamManager) (*Process, error) {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 30 * time.Second
	}
	bin, err := exec.LookPath(opts.Binary)
	if err != nil {
		return nil, fmt.Errorf("chromium binary %q: %w", opts.Binary, err)
	}

	// Helpers inherit stderr and can outlive the browser. Exit is tracked
	// by Wait alone.
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd := exec.Command(bin, opts.Flags...)
	cmd.Stderr = stderrW
	err = cmd.Start()
	stderrW.Close()
	if err != nil {
		stderr.Close()
		return nil, fmt.Errorf("start chromium: %w", err)
	}
	log.Info("chromium started", "pid", cmd.Process.Pid, "binary", bin)

	p := &Process{cmd: cmd, logger: log, upstream: upstream, done: make(chan struct{})}
	go func() {
		defer stderr.Close()
		if err := upstream.Scan(stderr); err != nil {
			log.Debug("chromium output ended", "err", err)
		}
	}()
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-p.done:
			cancel()
		case <-waitCtx.Done():
		}
	}()
	wsURL, err := upstream.WaitForInitial(waitCtx, opts.StartTimeout)
	if err != nil {
		select {
		case <-p.done:
			err = fmt.Errorf("chromium exited before announcing devtools: %w", p.exitErr())
		default:
			_ = p.Stop(context.Background())
		}
		return nil, err
	}
	p.url = wsURL
	return p, nil
}

// DevToolsURL is the browser-level websocket URL announced at startup.
func (p *Process) DevToolsURL() string { return p.url }

// Done is closed when the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the process exits or ctx ends.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.exitErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Process) exitErr() error {
	if p.err == nil {
		return errors.New("exit status 0")
	}
	return p.err
}

// Stop asks Chromium to exit and kills it if it has not exited by the time
// ctx ends or five seconds pass.
func (p *Process) Stop(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	default:
	}
	_ = p.cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("chromium did not exit, killing")
		_ = p.cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		_ = p.cmd.Process.Kill()
		<-p.done
	}
	p.logger.Info("chromium stopped")
	return nil
}
