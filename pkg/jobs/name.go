package jobs

import (
	"encoding/json"
	"strings"
)

// DefaultMethod is invoked when a target identifier names no method.
const DefaultMethod = "fire"

const (
	// CallQueuedHandlerName is the registry tag of the handler-call wrapper.
	CallQueuedHandlerName = "jobs.call-queued-handler"
	// CallQueuedHandlerTarget is the payload target used for wrapped handler calls.
	CallQueuedHandlerTarget = CallQueuedHandlerName + "@call"
	// CallQueuedListenerName is the registry tag of the queued listener wrapper.
	CallQueuedListenerName = "jobs.call-queued-listener"
	// CallQueuedListenerTarget is the payload target used for queued listeners.
	CallQueuedListenerTarget = CallQueuedListenerName + "@handle"
)

// ParseTarget splits a "class@method" identifier. The method defaults to "fire".
func ParseTarget(identifier string) (class, method string) {
	identifier = strings.TrimSpace(identifier)
	class, method, found := strings.Cut(identifier, "@")
	class = strings.TrimSpace(class)
	method = strings.TrimSpace(method)
	if !found || method == "" {
		method = DefaultMethod
	}
	return class, method
}

// FormatTarget joins a class and method into an identifier.
func FormatTarget(class, method string) string {
	if strings.TrimSpace(method) == "" {
		method = DefaultMethod
	}
	return strings.TrimSpace(class) + "@" + strings.TrimSpace(method)
}

// ResolveName returns the name monitoring and logs should show for a payload.
//
// A display name set on the payload always wins. Wrapper targets resolve to the
// class@method they carry so that the real unit of work is visible. Any other name
// is returned unchanged.
func ResolveName(name string, payload *Payload) string {
	if payload != nil && strings.TrimSpace(payload.DisplayName) != "" {
		return payload.DisplayName
	}
	if payload == nil {
		return name
	}

	switch strings.TrimSpace(name) {
	case CallQueuedHandlerTarget, CallQueuedListenerTarget:
		if inner, ok := innerTarget(payload.Data); ok {
			return inner
		}
	}
	return name
}

type wrappedTarget struct {
	Class  string `json:"class"`
	Method string `json:"method"`
}

func innerTarget(data json.RawMessage) (string, bool) {
	var target wrappedTarget
	if err := json.Unmarshal(data, &target); err != nil {
		return "", false
	}
	if strings.TrimSpace(target.Class) == "" {
		return "", false
	}
	return FormatTarget(target.Class, target.Method), true
}
