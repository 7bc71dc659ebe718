package models

import (
	"fmt"
	"time"
)

// MotorState is the supervisor-side state of a single motor.
type MotorState string

const (
	MotorUnknown    MotorState = "unknown"    // No status read yet
	MotorDisabled   MotorState = "disabled"   // Driver reports disabled, no error
	MotorEnabled    MotorState = "enabled"    // Nominal
	MotorError      MotorState = "error"      // Classified fault from status word
	MotorRecovering MotorState = "recovering" // Recovery attempt in flight
)

// validMotorTransitions maps from-state to allowed to-states
var validMotorTransitions = map[MotorState]map[MotorState]bool{
	MotorUnknown: {
		MotorDisabled: true, // Unknown → Disabled (first status read)
		MotorEnabled:  true, // Unknown → Enabled (first status read)
		MotorError:    true, // Unknown → Error (first status read)
	},
	MotorEnabled: {
		MotorError:    true, // Enabled → Error (fault detected)
		MotorDisabled: true, // Enabled → Disabled (external disable observed)
	},
	MotorError: {
		MotorRecovering: true, // Error → Recovering (reset attempt starts)
	},
	MotorDisabled: {
		MotorRecovering: true, // Disabled → Recovering (enable attempt starts)
		MotorEnabled:    true, // Disabled → Enabled (external enable observed)
	},
	MotorRecovering: {
		MotorEnabled:  true, // Recovering → Enabled (verification passed)
		MotorDisabled: true, // Recovering → Disabled (partial mode declined to enable)
		MotorError:    true, // Recovering → Error (verification failed)
	},
}

// ValidateMotorTransition checks if a state transition is valid
func ValidateMotorTransition(from, to MotorState) error {
	allowed, exists := validMotorTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid motor transition from %s to %s", from, to)
	}
	return nil
}

// NeedsRecovery reports whether a motor in this state is a partial-mode
// recovery target.
func (s MotorState) NeedsRecovery() bool {
	return s == MotorError || s == MotorDisabled
}

// DM-family driver status codes, low nibble of the feedback status byte.
// Anything outside {disabled, normal} is a fault classification.
const (
	StatusDisabled         uint8 = 0x0
	StatusNormal           uint8 = 0x1
	StatusOvervoltage      uint8 = 0x8
	StatusUndervoltage     uint8 = 0x9
	StatusOvercurrent      uint8 = 0xA
	StatusDriverOvertemp   uint8 = 0xB
	StatusCoilOvertemp     uint8 = 0xC
	StatusCommunicationLoss uint8 = 0xD
	StatusOverload         uint8 = 0xE
)

var statusMessages = map[uint8]string{
	StatusDisabled:          "disabled",
	StatusNormal:            "normal",
	StatusOvervoltage:       "overvoltage",
	StatusUndervoltage:      "undervoltage",
	StatusOvercurrent:       "overcurrent",
	StatusDriverOvertemp:    "driver overtemperature",
	StatusCoilOvertemp:      "coil overtemperature",
	StatusCommunicationLoss: "communication loss",
	StatusOverload:          "overload",
}

// StatusMessage returns the human-readable name for a driver status code.
func StatusMessage(code uint8) string {
	if msg, ok := statusMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("unrecognized status 0x%X", code)
}

// ClassifyStatus maps a raw driver status code onto a motor state.
func ClassifyStatus(code uint8) MotorState {
	switch code {
	case StatusNormal:
		return MotorEnabled
	case StatusDisabled:
		return MotorDisabled
	default:
		return MotorError
	}
}

// MotorStatus is one motor's snapshot as read from the bus.
type MotorStatus struct {
	ID          int     `json:"id"` // 1-based motor id on the chain
	Code        uint8   `json:"code"`
	Position    int32   `json:"position"`
	Velocity    float64 `json:"velocity"`
	Temperature int     `json:"temperature"`
}

// State derives the supervisor state from the raw status code.
func (m MotorStatus) State() MotorState {
	return ClassifyStatus(m.Code)
}

// MotorFault tracks one motor's fault episode. Records are created when a
// poll first reports a non-nominal state and reused across subsequent
// polls, so duration-since-fault is meaningful. Cleared only when a poll
// reports nominal after a successful reset.
type MotorFault struct {
	Channel        string     `json:"channel"`
	MotorID        int        `json:"motor_id"`
	Classification string     `json:"classification"`
	Code           uint8      `json:"code"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	State          MotorState `json:"state"`
}

// Age returns the duration since the fault was first observed.
func (f *MotorFault) Age() time.Duration {
	return time.Since(f.FirstSeen)
}

// Transition moves the fault record to a new state, enforcing the
// transition table.
func (f *MotorFault) Transition(to MotorState) error {
	if err := ValidateMotorTransition(f.State, to); err != nil {
		return err
	}
	f.State = to
	return nil
}

// ResetAttempt records one ladder step of a recovery episode. Not
// persisted beyond the episode.
type ResetAttempt struct {
	Channel   string        `json:"channel"`
	Level     int           `json:"level"` // 1-based ladder level
	LevelName string        `json:"level_name"`
	Success   bool          `json:"success"`
	Verified  bool          `json:"verified"`
	Detail    string        `json:"detail,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ChannelState is the lifecycle state of a logical channel.
type ChannelState string

const (
	ChannelUnbound ChannelState = "unbound"
	ChannelBound   ChannelState = "bound"
	ChannelFaulted ChannelState = "faulted"
)
