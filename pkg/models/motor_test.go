package models

import (
	"testing"
	"time"
)

func TestValidMotorTransitions(t *testing.T) {
	valid := []struct{ from, to MotorState }{
		{MotorUnknown, MotorEnabled},
		{MotorUnknown, MotorDisabled},
		{MotorUnknown, MotorError},
		{MotorEnabled, MotorError},
		{MotorEnabled, MotorDisabled},
		{MotorError, MotorRecovering},
		{MotorDisabled, MotorRecovering},
		{MotorDisabled, MotorEnabled},
		{MotorRecovering, MotorEnabled},
		{MotorRecovering, MotorError},
		{MotorRecovering, MotorDisabled},
	}
	for _, tt := range valid {
		if err := ValidateMotorTransition(tt.from, tt.to); err != nil {
			t.Errorf("%s -> %s should be allowed: %v", tt.from, tt.to, err)
		}
	}
}

func TestInvalidMotorTransitions(t *testing.T) {
	invalid := []struct{ from, to MotorState }{
		{MotorEnabled, MotorRecovering}, // nominal motors are never recovered
		{MotorError, MotorEnabled},      // recovery must pass through Recovering
		{MotorError, MotorDisabled},
		{MotorEnabled, MotorUnknown}, // nothing returns to Unknown
		{MotorRecovering, MotorRecovering},
	}
	for _, tt := range invalid {
		if err := ValidateMotorTransition(tt.from, tt.to); err == nil {
			t.Errorf("%s -> %s should be rejected", tt.from, tt.to)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code uint8
		want MotorState
	}{
		{StatusNormal, MotorEnabled},
		{StatusDisabled, MotorDisabled},
		{StatusOvervoltage, MotorError},
		{StatusUndervoltage, MotorError},
		{StatusOvercurrent, MotorError},
		{StatusDriverOvertemp, MotorError},
		{StatusCoilOvertemp, MotorError},
		{StatusCommunicationLoss, MotorError},
		{StatusOverload, MotorError},
		{0x5, MotorError}, // anything unrecognized is treated as a fault
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%#x) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestNeedsRecovery(t *testing.T) {
	if !MotorError.NeedsRecovery() || !MotorDisabled.NeedsRecovery() {
		t.Error("error and disabled motors need recovery")
	}
	if MotorEnabled.NeedsRecovery() || MotorRecovering.NeedsRecovery() || MotorUnknown.NeedsRecovery() {
		t.Error("only error and disabled motors are recovery targets")
	}
}

func TestMotorFaultTransitionEnforcesTable(t *testing.T) {
	f := &MotorFault{
		Channel:   "can_left",
		MotorID:   3,
		State:     MotorUnknown,
		FirstSeen: time.Now().Add(-time.Minute),
	}

	if err := f.Transition(MotorError); err != nil {
		t.Fatalf("Unknown -> Error rejected: %v", err)
	}
	if err := f.Transition(MotorEnabled); err == nil {
		t.Error("Error -> Enabled must go through Recovering")
	}
	if f.State != MotorError {
		t.Errorf("failed transition mutated state to %s", f.State)
	}
	if err := f.Transition(MotorRecovering); err != nil {
		t.Fatalf("Error -> Recovering rejected: %v", err)
	}
	if err := f.Transition(MotorEnabled); err != nil {
		t.Fatalf("Recovering -> Enabled rejected: %v", err)
	}

	if f.Age() < time.Minute {
		t.Errorf("Age = %v, want at least a minute", f.Age())
	}
}

func TestStatusMessageUnknownCode(t *testing.T) {
	if msg := StatusMessage(0x7); msg == "" {
		t.Error("unknown codes still need a message")
	}
	if StatusMessage(StatusOvercurrent) != "overcurrent" {
		t.Errorf("overcurrent message = %q", StatusMessage(StatusOvercurrent))
	}
}

func TestCommandValidate(t *testing.T) {
	good := &Command{Arm: SideLeft, Positions: make([]int32, NumJoints)}
	if err := good.Validate(); err != nil {
		t.Errorf("valid command rejected: %v", err)
	}

	short := &Command{Arm: SideLeft, Positions: make([]int32, 3)}
	if err := short.Validate(); err == nil {
		t.Error("short joint vector accepted")
	}

	badArm := &Command{Arm: "middle", Positions: make([]int32, NumJoints)}
	if err := badArm.Validate(); err == nil {
		t.Error("unknown arm accepted")
	}
}

func TestArmSetPositionsIsAtomic(t *testing.T) {
	arm := NewArm(SideLeft, BackendDirect, "left")

	if err := arm.SetPositions([]int32{1, 2, 3}); err == nil {
		t.Fatal("short vector accepted")
	}
	for _, p := range arm.Positions() {
		if p != 0 {
			t.Fatal("rejected vector partially applied")
		}
	}

	full := []int32{1, 2, 3, 4, 5, 6, 7}
	if err := arm.SetPositions(full); err != nil {
		t.Fatalf("SetPositions failed: %v", err)
	}
	got := arm.Positions()
	for i := range full {
		if got[i] != full[i] {
			t.Errorf("joint %d = %d, want %d", i, got[i], full[i])
		}
	}
}

func TestClampToLimits(t *testing.T) {
	arm := NewArm(SideLeft, BackendDirect, "left")
	arm.Joints[2].MinLimit = -5000
	arm.Joints[2].MaxLimit = 5000

	in := []int32{100_000, -100_000, 100_000, 0, 0, 0, 0}
	out := arm.ClampToLimits(in)

	if out[2] != 5000 {
		t.Errorf("limited joint = %d, want 5000", out[2])
	}
	if out[0] != 100_000 || out[1] != -100_000 {
		t.Error("unlimited joints must pass through")
	}
	if in[2] != 100_000 {
		t.Error("ClampToLimits mutated its input")
	}
}
