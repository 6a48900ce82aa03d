package cdp

import (
	_ "embed"
	"encoding/json"
	"strings"

	"github.com/spectrumlive/spt-notification/lib/engine"
)

// bindingName is the function the page calls to reach the host. Calls
// arrive as Runtime.bindingCalled events.
const bindingName = "__sptNotificationHost"

//go:embed binding.js
var bindingScript string

// pageScript renders the script installed on every new document of a
// browser: the window.obsstudio API, the event receiver and the custom CSS.
func pageScript(spec engine.Spec, version string) string {
	calls := spec.HostCalls
	if calls == nil {
		calls = []string{}
	}
	return strings.NewReplacer(
		"__BINDING__", jsLiteral(bindingName),
		"__CONTROL_LEVEL__", jsLiteral(int(spec.ControlLevel)),
		"__CSS__", jsLiteral(spec.CSS),
		"__CALLS__", jsLiteral(calls),
		"__MUTED__", jsLiteral(spec.MuteAudio),
		"__VERSION__", jsLiteral(version),
	).Replace(bindingScript)
}

// jsLiteral encodes v as a JSON value, which is also a valid script
// literal.
func jsLiteral(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func receiveExpression(msg engine.ProcessMessage) string {
	args := msg.Args
	if args == nil {
		args = []any{}
	}
	return "window.__sptNotification && window.__sptNotification.receive(" +
		jsLiteral(msg.Name) + ", " + jsLiteral(args) + ")"
}

func resolveExpression(reply engine.HostReply) string {
	return "window.__sptNotification && window.__sptNotification.resolve(" + jsLiteral(reply) + ")"
}

func muteExpression(muted bool) string {
	return "window.__sptNotification && window.__sptNotification.setMuted(" + jsLiteral(muted) + ")"
}
