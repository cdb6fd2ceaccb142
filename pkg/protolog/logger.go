package protolog

// Logger receives protocol events. Implementations must be safe for
// concurrent use; channels log from their own I/O goroutines.
type Logger interface {
	Log(event Event)
}

// NoopLogger discards all events. Usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

var _ Logger = NoopLogger{}
