package frontend

import (
	"slices"
	"sync"
)

// State is the host application state pages may query. It is updated from
// incoming events and from requests made on connect.
type State struct {
	mu sync.Mutex

	streaming       bool
	recording       bool
	recordingPaused bool
	replayBuffer    bool
	virtualcam      bool

	scene       string
	scenes      []string
	transition  string
	transitions []string

	width  int
	height int
}

func NewState() *State {
	return &State{}
}

type Status struct {
	Streaming       bool `json:"streaming"`
	Recording       bool `json:"recording"`
	RecordingPaused bool `json:"recordingPaused"`
	ReplayBuffer    bool `json:"replaybuffer"`
	VirtualCam      bool `json:"virtualcam"`
}

type Scene struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

func (s *State) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Streaming:       s.streaming,
		Recording:       s.recording,
		RecordingPaused: s.recordingPaused,
		ReplayBuffer:    s.replayBuffer,
		VirtualCam:      s.virtualcam,
	}
}

func (s *State) CurrentScene() Scene {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Scene{Name: s.scene, Width: s.width, Height: s.height}
}

func (s *State) Scenes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.scenes)
}

func (s *State) CurrentTransition() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transition
}

func (s *State) Transitions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.transitions)
}

func (s *State) SetStatus(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = st.Streaming
	s.recording = st.Recording
	s.recordingPaused = st.RecordingPaused
	s.replayBuffer = st.ReplayBuffer
	s.virtualcam = st.VirtualCam
}

func (s *State) SetScene(name string) {
	s.mu.Lock()
	s.scene = name
	s.mu.Unlock()
}

func (s *State) SetScenes(names []string) {
	s.mu.Lock()
	s.scenes = slices.Clone(names)
	s.mu.Unlock()
}

func (s *State) SetTransition(name string) {
	s.mu.Lock()
	s.transition = name
	s.mu.Unlock()
}

func (s *State) SetTransitions(names []string) {
	s.mu.Lock()
	s.transitions = slices.Clone(names)
	s.mu.Unlock()
}

// SetCanvasSize records the base canvas size reported with scene changes.
func (s *State) SetCanvasSize(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	s.mu.Unlock()
}

func (s *State) update(fn func(s *State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}
