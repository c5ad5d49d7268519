// Package events is a thin wrapper posting liveness and lifecycle events
// onto the bus, per spec.md §4.7's "emit a disconnect/reconnect event on
// the event channel".
package events

// Poster is satisfied by *bus.Client.
type Poster interface {
	Post(uri string, body map[string]any)
}

type Kind string

const (
	Disconnected Kind = "disconnected"
	Reconnected  Kind = "reconnected"
)

// Severity mirrors the bus event body's severity field (spec.md §6).
type Severity string

const (
	Info    Severity = "info"
	Warning Severity = "warning"
)

func (k Kind) message(source string) string {
	switch k {
	case Disconnected:
		return source + " disconnected"
	case Reconnected:
		return source + " reconnected"
	default:
		return source + " " + string(k)
	}
}

func (k Kind) severity() Severity {
	if k == Disconnected {
		return Warning
	}
	return Info
}

// Emit posts one component liveness event to /events, per spec.md §6's
// {source, message, severity} body shape.
func Emit(p Poster, source string, kind Kind) {
	p.Post("/events", map[string]any{
		"source":   source,
		"message":  kind.message(source),
		"severity": string(kind.severity()),
	})
}
