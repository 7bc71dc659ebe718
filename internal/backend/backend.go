// Package backend abstracts how joint commands reach an arm and how its
// state is read back. Two variants exist: direct (writes straight to the
// CAN driver) and proxied (forwards to a remote hardware-server process).
// Callers never branch on which variant is active.
package backend

import (
	"context"

	"github.com/robo-infra/armbus/pkg/models"
)

// State is one read of an arm: the joint vector as reported by hardware
// plus the per-motor status snapshot. Proxied arms only relay the remote
// server's digest, so Digest is set instead of Motors.
type State struct {
	Positions []int32
	Motors    []models.MotorStatus
	Digest    *models.MotorSummary
}

// Summary condenses motor statuses into the observation digest.
func (s *State) Summary() models.MotorSummary {
	if s.Digest != nil {
		return *s.Digest
	}
	var sum models.MotorSummary
	for _, m := range s.Motors {
		switch m.State() {
		case models.MotorEnabled:
			sum.Enabled++
		case models.MotorDisabled:
			sum.Disabled++
		case models.MotorError:
			sum.Faulted++
			sum.Faults = append(sum.Faults, models.StatusMessage(m.Code))
		}
	}
	return sum
}

// Backend is the arm control surface consumed by the relay.
type Backend interface {
	// ApplyCommand forwards a full joint-position vector to the arm.
	// The vector is applied as a whole; a failed apply leaves the arm
	// in its previous commanded state.
	ApplyCommand(ctx context.Context, positions []int32) error

	// ReadState returns the current joint vector and motor summary.
	// Expected to be fast and non-blocking beyond a bounded worst case.
	ReadState(ctx context.Context) (*State, error)

	Close() error
}

// Chain is the per-motor maintenance surface consumed by the supervisor.
// The direct backend implements it natively; for proxied arms the
// supervisor runs against its own direct chain on the same channel.
type Chain interface {
	// PollStatus reads the status snapshot for every motor on the chain.
	PollStatus(ctx context.Context) ([]models.MotorStatus, error)

	// ClearError clears the driver error latch on one motor.
	ClearError(ctx context.Context, motorID int) error

	// Enable re-enables one motor.
	Enable(ctx context.Context, motorID int) error

	// Disable disables one motor.
	Disable(ctx context.Context, motorID int) error
}
