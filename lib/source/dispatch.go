package source

import (
	"context"

	"github.com/spectrumlive/spt-notification/lib/engine"
)

// NullPayload is the payload of events that carry no data.
const NullPayload = "null"

// Dispatch sends a DispatchJSEvent message carrying eventName and
// jsonString to target's browser, or to every registered source when
// target is nil. The payload is not inspected. Sources without a live
// browser are skipped.
func (m *Manager) Dispatch(eventName, jsonString string, target *Source) {
	if target != nil {
		target.sendJSEvent(eventName, jsonString)
		return
	}
	m.registry.Each(func(s *Source) {
		s.sendJSEvent(eventName, jsonString)
	})
}

// DispatchAll broadcasts an event to every registered source.
func (m *Manager) DispatchAll(eventName, jsonString string) {
	m.Dispatch(eventName, jsonString, nil)
}

// DispatchJSEvent sends an event to this source's page.
func (s *Source) DispatchJSEvent(eventName, jsonString string) {
	s.m.Dispatch(eventName, jsonString, s)
}

func (s *Source) sendJSEvent(eventName, jsonString string) {
	msg := engine.DispatchJSEventMessage(eventName, jsonString)
	s.onBrowser("dispatch "+eventName, func(ctx context.Context, b engine.Browser) error {
		return b.SendProcessMessage(ctx, msg)
	})
}
