// Package relay runs the per-arm command loop: take the freshest joint
// command, apply it to the backend, publish the resulting observation.
// One pending command exists at any time; anything superseded before the
// loop gets to it is dropped.
package relay

import (
	"context"
	"time"

	"github.com/robo-infra/armbus/internal/backend"
	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/internal/latest"
	"github.com/robo-infra/armbus/internal/metrics"
	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

// CommandSource yields the freshest pending command, blocking up to the
// receive timeout.
type CommandSource interface {
	Next(timeout time.Duration) (*models.Command, error)
}

// ObservationPublisher accepts outbound observations without blocking.
type ObservationPublisher interface {
	Publish(obs *models.Observation)
}

// CommandPublisher re-broadcasts applied commands without blocking.
type CommandPublisher interface {
	Publish(cmd *models.Command)
}

// FaultReporter receives bus-level failures for escalation.
type FaultReporter interface {
	ReportBusFault(channel string)
}

// Config bounds the loop timing.
type Config struct {
	Period         time.Duration // 1 / max loop frequency
	ReceiveTimeout time.Duration
}

// Relay drives one arm.
type Relay struct {
	arm      *models.Arm
	cfg      Config
	source   CommandSource
	backend  backend.Backend
	obs      ObservationPublisher
	echo     CommandPublisher // may be nil
	faults   FaultReporter    // may be nil
	met      *metrics.Metrics
	log      *logging.Logger
	classify fault.Classifier // categorizes untyped backend errors
}

// New wires a relay for one arm.
func New(arm *models.Arm, cfg Config, source CommandSource, be backend.Backend, obs ObservationPublisher, echo CommandPublisher, faults FaultReporter, met *metrics.Metrics, log *logging.Logger) *Relay {
	return &Relay{
		arm:     arm,
		cfg:     cfg,
		source:  source,
		backend: be,
		obs:     obs,
		echo:    echo,
		faults:  faults,
		met:     met,
		log:     log.WithField("arm", string(arm.Side)),
	}
}

// Run loops until the context is cancelled. Until the first command
// arrives the arm is left alone: the loop never applies a default or
// zero vector, it only observes. A receive timeout holds the arm at its
// last setpoint without re-issuing it; the motors keep the position and
// the bus stays quiet between sparse commands.
func (r *Relay) Run(ctx context.Context) error {
	armLabel := string(r.arm.Side)
	r.log.Info("Relay started", map[string]interface{}{
		"period":          r.cfg.Period.String(),
		"receive_timeout": r.cfg.ReceiveTimeout.String(),
		"backend":         string(r.arm.Backend),
	})

	for {
		if ctx.Err() != nil {
			r.log.Info("Relay stopping, arm holds last commanded state", nil)
			return ctx.Err()
		}
		start := time.Now()

		cmd, err := r.source.Next(r.cfg.ReceiveTimeout)
		switch {
		case err == nil:
			if verr := cmd.Validate(); verr != nil {
				r.log.Warn("Rejecting invalid command", map[string]interface{}{
					"error": verr.Error(),
				})
				break
			}
			if r.echo != nil {
				r.echo.Publish(cmd)
			}
			if aerr := r.apply(ctx, cmd.Positions); aerr != nil {
				kind := fault.TypeOf(aerr)
				if kind == fault.TypeUnknown {
					kind = r.classify.Classify(aerr)
				}
				r.met.ApplyErrors.WithLabelValues(armLabel, kind.String()).Inc()
				r.log.Error("Command apply failed", map[string]interface{}{
					"error": aerr.Error(),
				})
				if r.faults != nil && kind == fault.TypeBus {
					r.faults.ReportBusFault(r.arm.Channel)
				}
			} else {
				r.met.CommandsApplied.WithLabelValues(armLabel).Inc()
			}

		case err == latest.ErrTimeout:
			// Hold-last: nothing is sent, the previous setpoint stands.
			r.met.CommandTimeouts.WithLabelValues(armLabel).Inc()

		case err == latest.ErrClosed:
			r.log.Info("Command source closed, relay stopping", nil)
			return nil
		}

		r.publishObservation(ctx)
		r.met.LoopDuration.WithLabelValues(armLabel).Observe(time.Since(start).Seconds())

		// Pace the loop to the configured frequency. Receive time
		// counts against the period, so a quiet link still ticks at
		// roughly the timeout interval rather than spinning.
		if remaining := r.cfg.Period - time.Since(start); remaining > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(remaining):
			}
		}
	}
}

// apply pushes the whole vector through the model (enforcing joint
// limits and atomicity) and down to the backend.
func (r *Relay) apply(ctx context.Context, positions []int32) error {
	clamped := r.arm.ClampToLimits(positions)
	if err := r.arm.SetPositions(clamped); err != nil {
		return err
	}
	return r.backend.ApplyCommand(ctx, clamped)
}

func (r *Relay) publishObservation(ctx context.Context) {
	state, err := r.backend.ReadState(ctx)
	if err != nil {
		if fault.TypeOf(err) != fault.TypeTransient {
			r.log.Warn("State read failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}

	r.obs.Publish(&models.Observation{
		Arm:       r.arm.Side,
		Timestamp: models.Now(),
		Positions: state.Positions,
		Motors:    state.Summary(),
	})
	r.met.ObservationsSent.WithLabelValues(string(r.arm.Side)).Inc()
}
