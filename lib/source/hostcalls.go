package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/spectrumlive/spt-notification/lib/engine"
	"github.com/spectrumlive/spt-notification/lib/settings"
)

// HostControl performs host calls made by pages, such as reading the
// current scene or starting a recording. Access control has already been
// applied when Call is invoked.
type HostControl interface {
	Call(ctx context.Context, name string, args json.RawMessage) (any, error)
}

var ErrHostCallDenied = errors.New("host call not permitted")

// hostCallLevels is the minimum control level for each call a page may make.
var hostCallLevels = map[string]settings.ControlLevel{
	"getControlLevel": settings.ControlNone,

	"getStatus": settings.ControlReadObs,

	"getScenes":            settings.ControlReadUser,
	"getCurrentScene":      settings.ControlReadUser,
	"getTransitions":       settings.ControlReadUser,
	"getCurrentTransition": settings.ControlReadUser,

	"saveReplayBuffer": settings.ControlBasic,

	"setCurrentScene":      settings.ControlAdvanced,
	"setCurrentTransition": settings.ControlAdvanced,

	"startStreaming":    settings.ControlAll,
	"stopStreaming":     settings.ControlAll,
	"startRecording":    settings.ControlAll,
	"stopRecording":     settings.ControlAll,
	"pauseRecording":    settings.ControlAll,
	"unpauseRecording":  settings.ControlAll,
	"startReplayBuffer": settings.ControlAll,
	"stopReplayBuffer":  settings.ControlAll,
	"startVirtualcam":   settings.ControlAll,
	"stopVirtualcam":    settings.ControlAll,
}

// HostCallLevel returns the control level a page needs for name.
func HostCallLevel(name string) (settings.ControlLevel, bool) {
	l, ok := hostCallLevels[name]
	return l, ok
}

// HostCallNames lists every host call in a stable order.
func HostCallNames() []string {
	names := make([]string, 0, len(hostCallLevels))
	for name := range hostCallLevels {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// onHostCall runs call off the engine callback goroutine and answers it
// through the browser that made it.
func (s *Source) onHostCall(c *client, call engine.HostCall) {
	if s.destroying.Load() {
		return
	}
	go func() {
		reply := engine.HostReply{ID: call.ID}
		result, err := s.hostCall(call)
		if err == nil {
			reply.Result, err = json.Marshal(result)
		}
		if err != nil {
			reply.Error = err.Error()
			s.logger.Debug("host call failed", "call", call.Name, "err", err)
		}
		s.m.bridge.Submit(func() {
			inst := s.slot.load()
			if inst == nil || inst.client != c {
				return
			}
			if err := inst.browser.Reply(s.m.ctx, reply); err != nil {
				s.logger.Debug("failed to answer host call", "call", call.Name, "err", err)
			}
		})
	}()
}

func (s *Source) hostCall(call engine.HostCall) (any, error) {
	need, ok := hostCallLevels[call.Name]
	if !ok {
		return nil, fmt.Errorf("unknown host call %q", call.Name)
	}
	s.mu.Lock()
	level := s.cfg.WebpageControlLevel
	s.mu.Unlock()
	if !level.Allows(need) {
		return nil, fmt.Errorf("%w: %s needs %s, page has %s", ErrHostCallDenied, call.Name, need, level)
	}
	if call.Name == "getControlLevel" {
		return int(level), nil
	}
	if s.m.control == nil {
		return nil, fmt.Errorf("%s: host application not connected", call.Name)
	}
	return s.m.control.Call(s.m.ctx, call.Name, call.Args)
}
