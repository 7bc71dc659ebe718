package fault

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Type categorizes errors for handling strategy
type Type int

const (
	TypeUnknown Type = iota
	TypeTransient      // Temporary, retry possible
	TypeBus            // Interface down or transmit failure, escalate to supervisor
	TypeMotor          // Classified error from a motor status word
	TypeConfig         // Invalid configuration, fatal at startup
	TypeResource       // Expected adapter not present, fatal at startup
)

func (t Type) String() string {
	switch t {
	case TypeTransient:
		return "transient"
	case TypeBus:
		return "bus"
	case TypeMotor:
		return "motor"
	case TypeConfig:
		return "config"
	case TypeResource:
		return "resource"
	default:
		return "unknown"
	}
}

// Error wraps errors with context and categorization
type Error struct {
	Type      Type
	Operation string // "receive", "apply", "bind", "poll", "reset", ...
	Channel   string // logical channel role, if any
	Message   string
	Err       error
	Timestamp time.Time
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Operation)
	if e.Channel != "" {
		fmt.Fprintf(&b, " on %s", e.Channel)
	}
	fmt.Fprintf(&b, ": %s", e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap implements error unwrapping
func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether the error must abort startup.
func (e *Error) Fatal() bool {
	return e.Type == TypeConfig || e.Type == TypeResource
}

// New creates a categorized error
func New(t Type, operation, channel, message string, err error) *Error {
	return &Error{
		Type:      t,
		Operation: operation,
		Channel:   channel,
		Message:   message,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// BusError creates a bus-level error that triggers supervisor escalation
func BusError(operation, channel string, err error) *Error {
	return New(TypeBus, operation, channel, "bus failure", err)
}

// ConfigError creates a fatal configuration error
func ConfigError(message string, err error) *Error {
	return New(TypeConfig, "configure", "", message, err)
}

// ResourceError creates a fatal missing-resource error
func ResourceError(message string, err error) *Error {
	return New(TypeResource, "startup", "", message, err)
}

// TypeOf extracts the category from an error chain, TypeUnknown if untyped.
func TypeOf(err error) Type {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Type
	}
	return TypeUnknown
}

// IsBus reports whether the error chain contains a bus-level failure
func IsBus(err error) bool {
	return TypeOf(err) == TypeBus
}

// Classifier determines error type from error content when the source
// did not categorize it.
type Classifier struct{}

// Classify determines error type from an error
func (c *Classifier) Classify(err error) Type {
	if err == nil {
		return TypeUnknown
	}
	if t := TypeOf(err); t != TypeUnknown {
		return t
	}

	msg := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"temporary failure",
		"resource temporarily unavailable",
		"connection refused",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return TypeTransient
		}
	}

	busPatterns := []string{
		"network is down",
		"no such device",
		"no buffer space available",
		"transmit",
		"bus-off",
	}
	for _, pattern := range busPatterns {
		if strings.Contains(msg, pattern) {
			return TypeBus
		}
	}

	return TypeUnknown
}

// Metrics tracks error statistics per category
type Metrics struct {
	Total               int64
	Transient           int64
	Bus                 int64
	Motor               int64
	Last                *Error
	ConsecutiveFailures int
}

// Record records an error in metrics
func (m *Metrics) Record(err *Error) {
	m.Total++
	m.Last = err
	m.ConsecutiveFailures++

	switch err.Type {
	case TypeTransient:
		m.Transient++
	case TypeBus:
		m.Bus++
	case TypeMotor:
		m.Motor++
	}
}

// RecordSuccess resets the consecutive failure count
func (m *Metrics) RecordSuccess() {
	m.ConsecutiveFailures = 0
}
