package source

import (
	"errors"
	"fmt"
	"os"

	"github.com/samber/lo"
)

const (
	HotkeyRefresh       = "ObsNotification.Refresh"
	ProcJavascriptEvent = "javascript_event"
)

var (
	ErrUnknownHotkey    = errors.New("unknown hotkey")
	ErrUnknownProcedure = errors.New("unknown procedure")
)

type Hotkey struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	pressed     func()
}

func (s *Source) registerHotkeys() {
	s.hotkeys = map[string]Hotkey{
		HotkeyRefresh: {
			Name:        HotkeyRefresh,
			Description: "Refresh page (no cache)",
			pressed:     s.Refresh,
		},
	}
}

func (s *Source) registerProcedures() {
	s.procedures = map[string]func(map[string]string){
		// void javascript_event(string eventName, string jsonString)
		ProcJavascriptEvent: func(args map[string]string) {
			name, ok := args["eventName"]
			if !ok {
				return
			}
			payload, ok := args["jsonString"]
			if !ok {
				payload = NullPayload
			}
			s.DispatchJSEvent(name, payload)
		},
	}
}

func (s *Source) Hotkeys() []Hotkey {
	return lo.Values(s.hotkeys)
}

// TriggerHotkey runs the hotkey's action. Releases are ignored.
func (s *Source) TriggerHotkey(name string, pressed bool) error {
	hk, ok := s.hotkeys[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHotkey, name)
	}
	if pressed {
		hk.pressed()
	}
	return nil
}

// CallProcedure invokes a procedure exposed to host scripting.
func (s *Source) CallProcedure(name string, args map[string]string) error {
	fn, ok := s.procedures[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProcedure, name)
	}
	fn(args)
	return nil
}

// MissingFiles lists configured local files that do not exist.
func (s *Source) MissingFiles() []string {
	s.mu.Lock()
	local, path := s.cfg.IsLocalFile, s.cfg.LocalFile
	s.mu.Unlock()
	if !local || path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return []string{path}
	}
	return nil
}

// ReplaceMissingFile points the source at newPath and re-applies settings.
func (s *Source) ReplaceMissingFile(newPath string) {
	next := s.Settings()
	next.LocalFile = newPath
	s.Update(&next)
}

// LocalFile returns the local file the source loads, if it is in local-file
// mode.
func (s *Source) LocalFile() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.IsLocalFile || s.cfg.LocalFile == "" {
		return "", false
	}
	return s.cfg.LocalFile, true
}
