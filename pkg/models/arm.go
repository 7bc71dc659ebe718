package models

import "fmt"

// Side identifies which arm of a bimanual rig a component belongs to.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == SideLeft || s == SideRight
}

// BackendKind selects how commands reach the motors.
type BackendKind string

const (
	// BackendDirect writes joint targets straight to the CAN driver.
	BackendDirect BackendKind = "direct"
	// BackendProxied forwards commands to a remote hardware-server process.
	BackendProxied BackendKind = "proxied"
)

// Valid reports whether the backend kind is one of the known values.
func (k BackendKind) Valid() bool {
	return k == BackendDirect || k == BackendProxied
}

// NumJoints is the joint count per arm for the supported arm families,
// six articulated joints plus the gripper.
const NumJoints = 7

// Joint is a single articulated joint. Position is a signed fixed-point
// integer in millidegrees. Soft limits of zero mean unlimited.
type Joint struct {
	Index    int   `json:"index"`
	Position int32 `json:"position"`
	MinLimit int32 `json:"min_limit,omitempty"`
	MaxLimit int32 `json:"max_limit,omitempty"`
}

// Arm describes one follower arm. Identity is fixed for the process
// lifetime; only joint positions mutate, and only from the relay loop
// (single writer) or a telemetry refresh.
type Arm struct {
	Side    Side        `json:"side"`
	Backend BackendKind `json:"backend"`
	Channel string      `json:"channel"` // logical channel role, e.g. "left"
	Joints  []Joint     `json:"joints"`
}

// NewArm constructs an arm with NumJoints joints at position zero.
func NewArm(side Side, backend BackendKind, channel string) *Arm {
	joints := make([]Joint, NumJoints)
	for i := range joints {
		joints[i].Index = i
	}
	return &Arm{
		Side:    side,
		Backend: backend,
		Channel: channel,
		Joints:  joints,
	}
}

// Positions returns the current joint-position vector.
func (a *Arm) Positions() []int32 {
	out := make([]int32, len(a.Joints))
	for i, j := range a.Joints {
		out[i] = j.Position
	}
	return out
}

// SetPositions overwrites the whole joint vector. The vector is applied
// atomically as a whole or not at all.
func (a *Arm) SetPositions(vector []int32) error {
	if len(vector) != len(a.Joints) {
		return fmt.Errorf("joint vector has %d entries, arm %s has %d joints",
			len(vector), a.Side, len(a.Joints))
	}
	for i := range a.Joints {
		a.Joints[i].Position = vector[i]
	}
	return nil
}

// ClampToLimits clips a candidate vector into each joint's soft limits.
// Joints without limits pass through unchanged.
func (a *Arm) ClampToLimits(vector []int32) []int32 {
	out := make([]int32, len(vector))
	copy(out, vector)
	for i, j := range a.Joints {
		if i >= len(out) {
			break
		}
		if j.MinLimit == 0 && j.MaxLimit == 0 {
			continue
		}
		if out[i] < j.MinLimit {
			out[i] = j.MinLimit
		}
		if out[i] > j.MaxLimit {
			out[i] = j.MaxLimit
		}
	}
	return out
}
