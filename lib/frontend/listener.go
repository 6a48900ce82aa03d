package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/andreykaipov/goobs"
	"github.com/andreykaipov/goobs/api/events"
	"github.com/andreykaipov/goobs/api/requests/scenes"
	"github.com/andreykaipov/goobs/api/requests/transitions"
	"github.com/andreykaipov/goobs/api/typedefs"
	"github.com/avast/retry-go/v5"
	"github.com/samber/lo"

	"github.com/spectrumlive/spt-notification/lib/logger"
)

var ErrNotConnected = errors.New("host application not connected")

// Dispatcher broadcasts a page event to every source.
type Dispatcher interface {
	DispatchAll(eventName, jsonString string)
}

type Config struct {
	// Address is the obs-websocket host:port.
	Address  string
	Password string
	// Attempts bounds one round of connection attempts. Rounds repeat
	// until the context ends.
	Attempts   uint
	RetryDelay time.Duration
	MaxDelay   time.Duration
	// TransitionPoll is how often the transition list is re-read.
	// obs-websocket has no event for it.
	TransitionPoll time.Duration
}

// Listener keeps a connection to obs-websocket, forwards host events to
// pages and answers page host calls.
type Listener struct {
	cfg      Config
	logger   *slog.Logger
	state    *State
	dispatch Dispatcher

	mu     sync.Mutex
	client *goobs.Client
}

func NewListener(cfg Config, state *State, d Dispatcher, log *slog.Logger) *Listener {
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.TransitionPoll <= 0 {
		cfg.TransitionPoll = 5 * time.Second
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Listener{cfg: cfg, logger: log, state: state, dispatch: d}
}

func (l *Listener) State() *State { return l.state }

// Connected reports whether a connection is currently up.
func (l *Listener) Connected() bool {
	return l.current() != nil
}

func (l *Listener) current() *goobs.Client {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.client
}

func (l *Listener) setClient(c *goobs.Client) {
	l.mu.Lock()
	l.client = c
	l.mu.Unlock()
}

// Run connects, consumes events and reconnects until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		client, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			l.logger.Warn("obs-websocket unreachable, retrying", "address", l.cfg.Address, "err", err)
			continue
		}
		l.logger.Info("connected to obs-websocket", "address", l.cfg.Address)
		l.setClient(client)
		l.sync(client)
		l.consume(ctx, client)
		l.setClient(nil)
		if err := client.Disconnect(); err != nil {
			l.logger.Debug("obs-websocket disconnect", "err", err)
		}
		l.logger.Info("disconnected from obs-websocket", "address", l.cfg.Address)
	}
	return nil
}

func (l *Listener) connect(ctx context.Context) (*goobs.Client, error) {
	var opts []goobs.Option
	if l.cfg.Password != "" {
		opts = append(opts, goobs.WithPassword(l.cfg.Password))
	}
	var client *goobs.Client
	err := retry.New(
		retry.Attempts(l.cfg.Attempts),
		retry.Delay(l.cfg.RetryDelay),
		retry.MaxDelay(l.cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		c, err := goobs.New(l.cfg.Address, opts...)
		if err != nil {
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", l.cfg.Address, err)
	}
	return client, nil
}

// sync loads the state that events only report changes of.
func (l *Listener) sync(c *goobs.Client) {
	if v, err := c.Config.GetVideoSettings(); err == nil {
		l.state.SetCanvasSize(int(v.BaseWidth), int(v.BaseHeight))
	} else {
		l.logger.Warn("failed to read video settings", "err", err)
	}
	if names, current, err := sceneList(c); err == nil {
		l.state.SetScenes(names)
		l.state.SetScene(current)
	} else {
		l.logger.Warn("failed to read scenes", "err", err)
	}
	if names, current, err := transitionList(c); err == nil {
		l.state.SetTransitions(names)
		l.state.SetTransition(current)
	} else {
		l.logger.Warn("failed to read transitions", "err", err)
	}

	var st Status
	if r, err := c.Stream.GetStreamStatus(); err == nil {
		st.Streaming = r.OutputActive
	}
	if r, err := c.Record.GetRecordStatus(); err == nil {
		st.Recording, st.RecordingPaused = r.OutputActive, r.OutputPaused
	}
	if r, err := c.Outputs.GetReplayBufferStatus(); err == nil {
		st.ReplayBuffer = r.OutputActive
	}
	if r, err := c.Outputs.GetVirtualCamStatus(); err == nil {
		st.VirtualCam = r.OutputActive
	}
	l.state.SetStatus(st)
}

func sceneList(c *goobs.Client) ([]string, string, error) {
	r, err := c.Scenes.GetSceneList(&scenes.GetSceneListParams{})
	if err != nil {
		return nil, "", err
	}
	// obs-websocket lists scenes bottom-up.
	names := lo.Map(r.Scenes, func(s *typedefs.Scene, _ int) string { return s.SceneName })
	slices.Reverse(names)
	return names, r.CurrentProgramSceneName, nil
}

func transitionList(c *goobs.Client) ([]string, string, error) {
	r, err := c.Transitions.GetSceneTransitionList(&transitions.GetSceneTransitionListParams{})
	if err != nil {
		return nil, "", err
	}
	names := lo.Map(r.Transitions, func(t *typedefs.Transition, _ int) string { return t.TransitionName })
	return names, r.CurrentSceneTransitionName, nil
}

func (l *Listener) consume(ctx context.Context, c *goobs.Client) {
	poll := time.NewTicker(l.cfg.TransitionPoll)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			l.refreshTransitions(c)
		case ev, ok := <-c.IncomingEvents:
			if !ok {
				return
			}
			l.handle(c, ev)
		}
	}
}

func (l *Listener) handle(c *goobs.Client, ev any) {
	switch e := ev.(type) {
	case *events.SceneListChanged:
		names, _, err := sceneList(c)
		if err != nil {
			l.logger.Warn("failed to read scenes", "err", err)
			return
		}
		l.state.SetScenes(names)
		l.send(SceneListEvent(names))
	case *events.CustomEvent:
		out, err := EmitEvent(e.EventData)
		if err != nil {
			l.logger.Debug("ignoring custom event", "err", err)
			return
		}
		l.send(out)
	case *events.CurrentSceneTransitionChanged:
		for _, out := range Translate(ev, l.state) {
			l.send(out)
		}
		l.refreshTransitions(c)
	default:
		for _, out := range Translate(ev, l.state) {
			l.send(out)
		}
	}
}

func (l *Listener) refreshTransitions(c *goobs.Client) {
	names, _, err := transitionList(c)
	if err != nil {
		l.logger.Debug("failed to read transitions", "err", err)
		return
	}
	if e, ok := transitionListUpdate(l.state, names); ok {
		l.send(e)
	}
}

func (l *Listener) send(e Event) {
	l.logger.Debug("frontend event", "event", e.Name)
	l.dispatch.DispatchAll(e.Name, e.JSON)
}

// Call answers a page host call. Queries are served from State; actions
// need a live connection.
func (l *Listener) Call(_ context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "getStatus":
		return l.state.Status(), nil
	case "getCurrentScene":
		return l.state.CurrentScene(), nil
	case "getScenes":
		return nonNil(l.state.Scenes()), nil
	case "getTransitions":
		return nonNil(l.state.Transitions()), nil
	case "getCurrentTransition":
		return l.state.CurrentTransition(), nil
	}

	c := l.current()
	if c == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConnected)
	}
	var err error
	switch name {
	case "saveReplayBuffer":
		_, err = c.Outputs.SaveReplayBuffer()
	case "startReplayBuffer":
		_, err = c.Outputs.StartReplayBuffer()
	case "stopReplayBuffer":
		_, err = c.Outputs.StopReplayBuffer()
	case "startVirtualcam":
		_, err = c.Outputs.StartVirtualCam()
	case "stopVirtualcam":
		_, err = c.Outputs.StopVirtualCam()
	case "startStreaming":
		_, err = c.Stream.StartStream()
	case "stopStreaming":
		_, err = c.Stream.StopStream()
	case "startRecording":
		_, err = c.Record.StartRecord()
	case "stopRecording":
		_, err = c.Record.StopRecord()
	case "pauseRecording":
		_, err = c.Record.PauseRecord()
	case "unpauseRecording":
		_, err = c.Record.ResumeRecord()
	case "setCurrentScene":
		var scene string
		if scene, err = firstStringArg(args); err == nil {
			_, err = c.Scenes.SetCurrentProgramScene(scenes.NewSetCurrentProgramSceneParams().WithSceneName(scene))
		}
	case "setCurrentTransition":
		var tr string
		if tr, err = firstStringArg(args); err == nil {
			_, err = c.Transitions.SetCurrentSceneTransition(transitions.NewSetCurrentSceneTransitionParams().WithTransitionName(tr))
		}
	default:
		return nil, fmt.Errorf("unsupported host call %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return true, nil
}

// firstStringArg reads the first element of a JSON argument array.
func firstStringArg(args json.RawMessage) (string, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(args, &list); err != nil || len(list) == 0 {
		return "", fmt.Errorf("expected a non-empty argument list")
	}
	var s string
	if err := json.Unmarshal(list[0], &s); err != nil || s == "" {
		return "", fmt.Errorf("expected a name as first argument")
	}
	return s, nil
}
