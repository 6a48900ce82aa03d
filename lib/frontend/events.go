// Package frontend turns host application events into page events and keeps
// the host state pages can query.
package frontend

import (
	"encoding/json"
	"slices"

	"github.com/andreykaipov/goobs/api/events"
)

// Page event names.
const (
	StreamingStarting = "obsStreamingStarting"
	StreamingStarted  = "obsStreamingStarted"
	StreamingStopping = "obsStreamingStopping"
	StreamingStopped  = "obsStreamingStopped"

	RecordingStarting = "obsRecordingStarting"
	RecordingStarted  = "obsRecordingStarted"
	RecordingPaused   = "obsRecordingPaused"
	RecordingUnpaused = "obsRecordingUnpaused"
	RecordingStopping = "obsRecordingStopping"
	RecordingStopped  = "obsRecordingStopped"

	ReplaybufferStarting = "obsReplaybufferStarting"
	ReplaybufferStarted  = "obsReplaybufferStarted"
	ReplaybufferSaved    = "obsReplaybufferSaved"
	ReplaybufferStopping = "obsReplaybufferStopping"
	ReplaybufferStopped  = "obsReplaybufferStopped"

	VirtualcamStarted = "obsVirtualcamStarted"
	VirtualcamStopped = "obsVirtualcamStopped"

	SceneChanged          = "obsSceneChanged"
	SceneListChanged      = "obsSceneListChanged"
	TransitionChanged     = "obsTransitionChanged"
	TransitionListChanged = "obsTransitionListChanged"

	Exit = "obsExit"
)

// Output states reported by obs-websocket.
const (
	outputStarting = "OBS_WEBSOCKET_OUTPUT_STARTING"
	outputStarted  = "OBS_WEBSOCKET_OUTPUT_STARTED"
	outputStopping = "OBS_WEBSOCKET_OUTPUT_STOPPING"
	outputStopped  = "OBS_WEBSOCKET_OUTPUT_STOPPED"
	outputPaused   = "OBS_WEBSOCKET_OUTPUT_PAUSED"
	outputResumed  = "OBS_WEBSOCKET_OUTPUT_RESUMED"
)

const nullPayload = "null"

// Event is a page event: a name and its JSON payload.
type Event struct {
	Name string `json:"name"`
	JSON string `json:"json"`
}

func event(name string) []Event {
	return []Event{{Name: name, JSON: nullPayload}}
}

func eventWith(name string, payload any) []Event {
	data, err := json.Marshal(payload)
	if err != nil {
		return event(name)
	}
	return []Event{{Name: name, JSON: string(data)}}
}

// Translate maps one obs-websocket event to page events and records its
// effect in st. Events with no page counterpart yield nil. Scene and
// transition list changes are not handled here because their payload has
// to be queried.
func Translate(ev any, st *State) []Event {
	switch e := ev.(type) {
	case *events.StreamStateChanged:
		st.update(func(s *State) { s.streaming = e.OutputActive })
		return outputEvent(e.OutputState, StreamingStarting, StreamingStarted, StreamingStopping, StreamingStopped)

	case *events.RecordStateChanged:
		st.update(func(s *State) {
			s.recording = e.OutputActive
			switch e.OutputState {
			case outputPaused:
				s.recordingPaused = true
			case outputResumed, outputStopped, outputStarted:
				s.recordingPaused = false
			}
		})
		switch e.OutputState {
		case outputPaused:
			return event(RecordingPaused)
		case outputResumed:
			return event(RecordingUnpaused)
		}
		return outputEvent(e.OutputState, RecordingStarting, RecordingStarted, RecordingStopping, RecordingStopped)

	case *events.ReplayBufferStateChanged:
		st.update(func(s *State) { s.replayBuffer = e.OutputActive })
		return outputEvent(e.OutputState, ReplaybufferStarting, ReplaybufferStarted, ReplaybufferStopping, ReplaybufferStopped)

	case *events.ReplayBufferSaved:
		return event(ReplaybufferSaved)

	case *events.VirtualcamStateChanged:
		st.update(func(s *State) { s.virtualcam = e.OutputActive })
		switch e.OutputState {
		case outputStarted:
			return event(VirtualcamStarted)
		case outputStopped:
			return event(VirtualcamStopped)
		}
		return nil

	case *events.CurrentProgramSceneChanged:
		st.SetScene(e.SceneName)
		return eventWith(SceneChanged, st.CurrentScene())

	case *events.CurrentSceneTransitionChanged:
		st.SetTransition(e.TransitionName)
		return eventWith(TransitionChanged, map[string]string{"name": e.TransitionName})

	case *events.ExitStarted:
		return event(Exit)
	}
	return nil
}

func outputEvent(state, starting, started, stopping, stopped string) []Event {
	switch state {
	case outputStarting:
		return event(starting)
	case outputStarted:
		return event(started)
	case outputStopping:
		return event(stopping)
	case outputStopped:
		return event(stopped)
	}
	return nil
}

// SceneListEvent is the page event for a changed scene list.
func SceneListEvent(names []string) Event {
	return eventWith(SceneListChanged, nonNil(names))[0]
}

// transitionListUpdate records names and returns the page event when they
// differ from the known transition list.
func transitionListUpdate(st *State, names []string) (Event, bool) {
	if slices.Equal(st.Transitions(), names) {
		return Event{}, false
	}
	st.SetTransitions(names)
	return eventWith(TransitionListChanged, nonNil(names))[0], true
}

func nonNil(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

// Known reports whether name is one of the page events above.
func Known(name string) bool {
	switch name {
	case StreamingStarting, StreamingStarted, StreamingStopping, StreamingStopped,
		RecordingStarting, RecordingStarted, RecordingPaused, RecordingUnpaused, RecordingStopping, RecordingStopped,
		ReplaybufferStarting, ReplaybufferStarted, ReplaybufferSaved, ReplaybufferStopping, ReplaybufferStopped,
		VirtualcamStarted, VirtualcamStopped,
		SceneChanged, SceneListChanged, TransitionChanged, TransitionListChanged,
		Exit:
		return true
	}
	return false
}
