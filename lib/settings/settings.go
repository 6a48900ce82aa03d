package settings

import (
	"encoding/json"
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// ControlLevel bounds what a page may ask of the host through the injected
// API. Levels are ordered; each includes everything below it.
type ControlLevel int

const (
	ControlNone ControlLevel = iota
	ControlReadObs
	ControlReadUser
	ControlBasic
	ControlAdvanced
	ControlAll
)

const DefaultControlLevel = ControlReadObs

var controlLevelNames = [...]string{"none", "read_obs", "read_user", "basic", "advanced", "all"}

func (c ControlLevel) String() string {
	if c < ControlNone || c > ControlAll {
		return fmt.Sprintf("ControlLevel(%d)", int(c))
	}
	return controlLevelNames[c]
}

// Allows reports whether a page at level c may use something that needs min.
func (c ControlLevel) Allows(min ControlLevel) bool {
	return c >= min
}

const (
	DefaultURLBase = "https://beta.spectrumlive.xyz/live/"
	DefaultCSS     = "body { background-color: rgba(0, 0, 0, 0); margin: 0px auto; overflow: hidden; }"

	MinSize = 1
	MaxSize = 8192
	MinFPS  = 1
	MaxFPS  = 250
)

// Settings mirrors the host's key/value settings object for a notification
// source. JSON keys are the host's documented keys.
type Settings struct {
	URL                 string       `json:"url"`
	LiveSlug            string       `json:"live_slug,omitempty"`
	LocalFile           string       `json:"local_file"`
	IsLocalFile         bool         `json:"is_local_file"`
	Width               int          `json:"width"`
	Height              int          `json:"height"`
	FPS                 int          `json:"fps"`
	FPSCustom           bool         `json:"fps_custom"`
	Shutdown            bool         `json:"shutdown"`
	RestartWhenActive   bool         `json:"restart_when_active"`
	CSS                 string       `json:"css"`
	RerouteAudio        bool         `json:"reroute_audio"`
	WebpageControlLevel ControlLevel `json:"webpage_control_level"`
}

// Defaults returns the default settings. The default address is the live
// page for liveSlug.
func Defaults(liveSlug string) Settings {
	return Settings{
		URL:                 DefaultURLBase + liveSlug,
		LiveSlug:            liveSlug,
		Width:               800,
		Height:              600,
		FPS:                 30,
		CSS:                 DefaultCSS,
		WebpageControlLevel: DefaultControlLevel,
	}
}

// Parse builds settings from a JSON object on top of the defaults. A
// live_slug in data changes the default address unless url is also given.
func Parse(data []byte) (Settings, error) {
	var peek struct {
		LiveSlug string  `json:"live_slug"`
		URL      *string `json:"url"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &peek); err != nil {
			return Settings{}, fmt.Errorf("parse settings: %w", err)
		}
	}
	return Defaults(peek.LiveSlug).Merge(data)
}

// Merge overlays the keys present in the JSON object patch and returns the
// result. Keys absent from patch keep their current values.
func (s Settings) Merge(patch []byte) (Settings, error) {
	if len(patch) == 0 {
		return s, nil
	}
	out := s
	if err := json.Unmarshal(patch, &out); err != nil {
		return s, fmt.Errorf("merge settings: %w", err)
	}
	return out, nil
}

func (s Settings) Validate() error {
	var result *multierror.Error
	if s.Width < MinSize || s.Width > MaxSize {
		result = multierror.Append(result, fmt.Errorf("width %d out of range %d..%d", s.Width, MinSize, MaxSize))
	}
	if s.Height < MinSize || s.Height > MaxSize {
		result = multierror.Append(result, fmt.Errorf("height %d out of range %d..%d", s.Height, MinSize, MaxSize))
	}
	if s.FPS < MinFPS || s.FPS > MaxFPS {
		result = multierror.Append(result, fmt.Errorf("fps %d out of range %d..%d", s.FPS, MinFPS, MaxFPS))
	}
	if s.WebpageControlLevel < ControlNone || s.WebpageControlLevel > ControlAll {
		result = multierror.Append(result, fmt.Errorf("invalid webpage_control_level %d", int(s.WebpageControlLevel)))
	}
	return result.ErrorOrNil()
}

// Address returns the configured location: the local file path in
// local-file mode, the url otherwise.
func (s Settings) Address() string {
	if s.IsLocalFile {
		return s.LocalFile
	}
	return s.URL
}
