package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Command is a full joint-position target for one arm. Commands are
// ephemeral: only the latest in-flight command matters, older ones are
// superseded before they are ever applied.
type Command struct {
	Arm       Side    `json:"arm"`
	Timestamp float64 `json:"timestamp"` // seconds since epoch, leader clock
	Positions []int32 `json:"positions"` // millidegrees, one per joint
}

// Validate checks the command is applicable to an arm of the standard
// joint count.
func (c *Command) Validate() error {
	if !c.Arm.Valid() {
		return fmt.Errorf("unknown arm %q", c.Arm)
	}
	if len(c.Positions) != NumJoints {
		return fmt.Errorf("command for %s arm has %d positions, want %d",
			c.Arm, len(c.Positions), NumJoints)
	}
	return nil
}

// DecodeCommand parses a wire-format command message.
func DecodeCommand(data []byte) (*Command, error) {
	var c Command
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("malformed command message: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Encode serializes the command for the wire.
func (c *Command) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// MotorSummary is the per-motor health digest attached to observations.
type MotorSummary struct {
	Enabled  int      `json:"enabled"`
	Faulted  int      `json:"faulted"`
	Disabled int      `json:"disabled"`
	Faults   []string `json:"faults,omitempty"` // human-readable, e.g. "motor 3: overcurrent"
}

// Observation is the state of one arm as read from hardware, republished
// at a fixed cadence. Ephemeral: last value is all that matters.
type Observation struct {
	Arm       Side         `json:"arm"`
	Timestamp float64      `json:"timestamp"`
	Positions []int32      `json:"positions"`
	Motors    MotorSummary `json:"motors"`
}

// Encode serializes the observation for the wire.
func (o *Observation) Encode() ([]byte, error) {
	return json.Marshal(o)
}

// DecodeObservation parses a wire-format observation message.
func DecodeObservation(data []byte) (*Observation, error) {
	var o Observation
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("malformed observation message: %w", err)
	}
	return &o, nil
}

// EnableMode selects the scope of a recovery pass.
type EnableMode string

const (
	// EnablePartial targets only motors currently in Error or Disabled.
	EnablePartial EnableMode = "partial"
	// EnableFull forces every motor on the channel through recovery.
	EnableFull EnableMode = "full"
)

// Valid reports whether the mode is one of the known values.
func (m EnableMode) Valid() bool {
	return m == EnablePartial || m == EnableFull
}

// EnableRequest is the message accepted on the motor-enable channel.
type EnableRequest struct {
	Type      string     `json:"type"` // "enable" or "status"
	Arm       Side       `json:"arm"`  // empty or "both" targets both arms
	Mode      EnableMode `json:"enable_mode,omitempty"`
	Timestamp float64    `json:"timestamp,omitempty"`
}

// Encode serializes the request for the wire.
func (r *EnableRequest) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeEnableRequest parses an enable-channel message.
func DecodeEnableRequest(data []byte) (*EnableRequest, error) {
	var r EnableRequest
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("malformed enable request: %w", err)
	}
	return &r, nil
}

// Now returns the current time as a leader-clock style float timestamp.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
