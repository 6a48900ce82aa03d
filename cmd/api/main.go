package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	notification "github.com/spectrumlive/spt-notification"
	"github.com/spectrumlive/spt-notification/cmd/api/api"
	"github.com/spectrumlive/spt-notification/cmd/config"
	"github.com/spectrumlive/spt-notification/lib/canvas"
	"github.com/spectrumlive/spt-notification/lib/chromium"
	"github.com/spectrumlive/spt-notification/lib/chromiumflags"
	"github.com/spectrumlive/spt-notification/lib/devtoolsproxy"
	"github.com/spectrumlive/spt-notification/lib/engine/cdp"
	"github.com/spectrumlive/spt-notification/lib/frontend"
	"github.com/spectrumlive/spt-notification/lib/localwatch"
	"github.com/spectrumlive/spt-notification/lib/logger"
	"github.com/spectrumlive/spt-notification/lib/source"
	"github.com/spectrumlive/spt-notification/lib/store"
	"github.com/spectrumlive/spt-notification/lib/taskbridge"
)

const shutdownTimeout = 10 * time.Second

// dispatchFunc adapts a function to frontend.Dispatcher.
type dispatchFunc func(eventName, jsonString string)

func (f dispatchFunc) DispatchAll(eventName, jsonString string) { f(eventName, jsonString) }

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	// Load configuration from environment variables
	config, err := config.Load()
	if err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(config.LogLevel)); err != nil {
		slogger.Error("invalid LOG_LEVEL", "level", config.LogLevel, "err", err)
		os.Exit(1)
	}
	slogger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slogger.Info("server configuration", "config", config)

	// context cancellation on SIGINT/SIGTERM
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logger.AddToContext(ctx, slogger)

	if err := run(ctx, stop, config, slogger); err != nil {
		slogger.Error("daemon failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, config *config.Config, slogger *slog.Logger) error {
	if _, err := notification.LoadSpec(ctx); err != nil {
		return err
	}

	upstream := devtoolsproxy.NewUpstreamManager(slogger)
	defer upstream.Stop()

	var proc *chromium.Process
	switch {
	case config.DevToolsURL != "":
		upstream.Set(config.DevToolsURL)
	case config.DevToolsLogFile != "":
		upstream.TailFile(ctx, config.DevToolsLogFile)
	default:
		flags, err := chromiumFlags(config)
		if err != nil {
			return err
		}
		proc, err = chromium.Launch(ctx, chromium.Options{
			Binary: config.ChromiumBinary,
			Flags:  flags,
			Logger: slogger.With("component", "chromium"),
		}, upstream)
		if err != nil {
			return err
		}
	}
	wsURL, err := upstream.WaitForInitial(ctx, 30*time.Second)
	if err != nil {
		return fmt.Errorf("waiting for devtools url: %w", err)
	}

	eng, err := cdp.Dial(ctx, wsURL, slogger.With("component", "cdp"), cdp.WithVersion(config.HostVersion))
	if err != nil {
		return err
	}

	bridgeOpts := []taskbridge.Option{taskbridge.WithLogger(slogger.With("component", "taskbridge"))}
	if config.GUILoop {
		bridgeOpts = append(bridgeOpts, taskbridge.WithGUILoop(nil, config.GUIPumpInterval))
	}
	bridge := taskbridge.New(bridgeOpts...)

	canv, err := canvas.New(config.CanvasWidth, config.CanvasHeight, config.CanvasFPS, slogger.With("component", "canvas"))
	if err != nil {
		return err
	}

	// The listener answers page queries from its state even when no
	// obs-websocket address is configured.
	var manager *source.Manager
	state := frontend.NewState()
	state.SetCanvasSize(config.CanvasWidth, config.CanvasHeight)
	listener := frontend.NewListener(frontend.Config{
		Address:  config.OBSAddress,
		Password: config.OBSPassword,
	}, state, dispatchFunc(func(name, payload string) { manager.DispatchAll(name, payload) }), slogger.With("component", "frontend"))

	// Engine work outlives the signal so shutdown can still close browsers.
	engineCtx, cancelEngine := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelEngine()
	manager = source.NewManager(engineCtx, eng, bridge,
		source.WithLogger(slogger.With("component", "source")),
		source.WithLegacyFileURLs(config.LegacyFileURLs),
		source.WithHostControl(listener),
	)

	db, err := store.Open(config.DBPath)
	if err != nil {
		return err
	}
	watcher, err := localwatch.New(config.LocalWatchDebounce, slogger.With("component", "localwatch"))
	if err != nil {
		return err
	}

	apiService := api.New(manager, canv,
		api.WithStore(db),
		api.WithWatcher(watcher),
		api.WithFrontend(listener),
		api.WithLiveSlug(config.LiveSlug),
	)
	if err := apiService.Restore(ctx); err != nil {
		return fmt.Errorf("restore sources: %w", err)
	}

	r := chi.NewRouter()
	r.Use(
		chiMiddleware.Logger,
		chiMiddleware.Recoverer,
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctxWithLogger := logger.AddToContext(r.Context(), slogger)
				next.ServeHTTP(w, r.WithContext(ctxWithLogger))
			})
		},
	)
	apiService.Routes(r)
	r.Get("/devtools", devtoolsproxy.WebSocketProxyHandler(upstream, slogger, config.LogCDPMessages).ServeHTTP)

	// endpoints to expose the OpenAPI document
	r.Get("/spec.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/vnd.oai.openapi")
		w.Write(notification.OpenAPIYAML)
	})
	r.Get("/spec.json", func(w http.ResponseWriter, r *http.Request) {
		jsonData, err := notification.OpenAPIJSON()
		if err != nil {
			http.Error(w, "failed to convert YAML to JSON", http.StatusInternalServerError)
			logger.FromContext(r.Context()).Error("failed to convert YAML to JSON", "err", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(jsonData)
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: r,
	}

	loops, loopCtx := errgroup.WithContext(ctx)
	loops.Go(func() error { return canv.Run(loopCtx) })
	loops.Go(func() error { return watcher.Run(loopCtx) })
	if config.OBSAddress != "" {
		loops.Go(func() error { return listener.Run(loopCtx) })
	}

	go func() {
		slogger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slogger.Error("http server failed", "err", err)
			stop()
		}
	}()

	// A lost DevTools connection leaves every source without a browser;
	// exit and let the supervisor restart the daemon.
	var procDone <-chan struct{}
	if proc != nil {
		procDone = proc.Done()
	}
	var lost error
	select {
	case <-ctx.Done():
		slogger.Info("shutdown signal received")
	case <-eng.Done():
		lost = errors.New("devtools connection lost")
	case <-procDone:
		lost = errors.New("chromium exited")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return loops.Wait()
	})
	g.Go(func() error {
		// sources first: their browsers are closed through the bridge
		var result *multierror.Error
		result = multierror.Append(result, apiService.Shutdown(shutdownCtx))
		result = multierror.Append(result, bridge.Shutdown(shutdownCtx))
		cancelEngine()
		result = multierror.Append(result, eng.Close(), watcher.Close(), db.Close())
		if proc != nil {
			result = multierror.Append(result, proc.Stop(shutdownCtx))
		}
		return result.ErrorOrNil()
	})

	if err := g.Wait(); err != nil {
		slogger.Error("server failed to shutdown", "err", err)
	}
	return lost
}

func chromiumFlags(config *config.Config) ([]string, error) {
	base := chromiumflags.BaseFlags(chromiumflags.Options{
		CachePath:            config.CachePath,
		ChromeVersion:        config.ChromeVersion,
		HostVersion:          config.HostVersion,
		Locale:               config.Locale,
		DebuggingPort:        config.DevToolsPort,
		Headless:             config.Headless,
		HardwareAcceleration: config.HardwareAcceleration,
	})
	overlay, err := chromiumflags.ReadOptionalFlagFile(config.ChromiumFlagsFile)
	if err != nil {
		return nil, fmt.Errorf("read chromium flags file: %w", err)
	}
	return chromiumflags.Merge(base, chromiumflags.ParseFlags(config.ChromiumFlags), overlay), nil
}
