package utils

import (
	"time"

	"github.com/rs/zerolog"
)

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	start time.Time
	name  string
	log   zerolog.Logger
}

// NewTimer starts a timer for the named operation.
func NewTimer(name string, log zerolog.Logger) *Timer {
	return &Timer{
		start: time.Now(),
		name:  name,
		log:   log,
	}
}

// Stop logs the elapsed duration and returns it. Operations past 10s are
// escalated to a higher log level.
func (t *Timer) Stop() time.Duration {
	return t.StopWithContext(nil)
}

// StopWithContext logs the elapsed duration with extra fields attached.
func (t *Timer) StopWithContext(fields map[string]interface{}) time.Duration {
	duration := time.Since(t.start)

	event := t.log.Debug()
	if duration > 30*time.Second {
		event = t.log.Warn()
	} else if duration > 10*time.Second {
		event = t.log.Info()
	}

	event = event.
		Str("operation", t.name).
		Dur("duration_ms", duration)
	for key, value := range fields {
		event = event.Interface(key, value)
	}
	event.Msg("Operation completed")

	return duration
}
