package canbus

import (
	"context"
	"path/filepath"
	"strconv"
	"time"

	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

// Milliseconds the controller waits before auto-recovering from bus-off
// once level 2 arms the restart timer.
const busOffRestartMS = 100

// Ladder is the ordered escalation of adapter resets. Each level is more
// disruptive than the last, so the ladder always starts at level 1 and
// stops at the first level whose verification passes.
type Ladder struct {
	m      *Manager
	name   string // interface name
	settle time.Duration
	log    *logging.Logger
}

// NewLadder builds a reset ladder for one adapter.
func NewLadder(m *Manager, name string, settle time.Duration) *Ladder {
	return &Ladder{
		m:      m,
		name:   name,
		settle: settle,
		log:    m.log.WithField("interface", name),
	}
}

type ladderLevel struct {
	name   string
	action func(ctx context.Context) error
}

func (l *Ladder) levels() []ladderLevel {
	return []ladderLevel{
		{"link-cycle", l.linkCycle},
		{"busoff-restart", l.busOffRestart},
		{"queue-flush", l.queueFlush},
		{"driver-reload", l.driverReload},
		{"usb-power-cycle", l.usbPowerCycle},
	}
}

// Run executes the ladder: action, settle, verify, escalate. Returns the
// attempt log and whether any level left the adapter verified healthy.
// The adapter lock is held for the whole episode so nothing else can
// reconfigure the interface mid-reset.
func (l *Ladder) Run(ctx context.Context) ([]models.ResetAttempt, bool) {
	lock := l.m.adapterLock(l.name)
	lock.Lock()
	defer lock.Unlock()

	var attempts []models.ResetAttempt
	for i, level := range l.levels() {
		if ctx.Err() != nil {
			break
		}

		l.log.Info("Running reset level", map[string]interface{}{
			"level": i + 1,
			"name":  level.name,
		})

		start := time.Now()
		attempt := models.ResetAttempt{
			Channel:   l.name,
			Level:     i + 1,
			LevelName: level.name,
		}

		if err := level.action(ctx); err != nil {
			attempt.Detail = err.Error()
			attempt.Elapsed = time.Since(start)
			attempts = append(attempts, attempt)
			l.log.Warn("Reset level action failed", map[string]interface{}{
				"level": i + 1,
				"error": err.Error(),
			})
			continue
		}
		attempt.Success = true

		sleepCtx(ctx, l.settle)

		if err := l.m.verifyLocked(ctx, l.name); err != nil {
			attempt.Detail = err.Error()
			attempt.Elapsed = time.Since(start)
			attempts = append(attempts, attempt)
			l.log.Warn("Reset level did not verify", map[string]interface{}{
				"level": i + 1,
				"error": err.Error(),
			})
			continue
		}

		attempt.Verified = true
		attempt.Elapsed = time.Since(start)
		attempts = append(attempts, attempt)
		l.m.setState(l.name, models.ChannelBound)
		l.log.Info("Adapter recovered", map[string]interface{}{
			"level": i + 1,
			"name":  level.name,
		})
		return attempts, true
	}

	l.m.setState(l.name, models.ChannelFaulted)
	return attempts, false
}

// Level 1: plain down/bitrate/up cycle. Clears most transient states.
func (l *Ladder) linkCycle(ctx context.Context) error {
	return l.m.configureLocked(ctx, l.name)
}

// Level 2: arm the controller's bus-off auto-restart timer and cycle the
// link. Recovers a controller stuck in bus-off.
func (l *Ladder) busOffRestart(ctx context.Context) error {
	steps := [][]string{
		{"ip", "link", "set", l.name, "down"},
		{"ip", "link", "set", l.name, "type", "can",
			"bitrate", strconv.Itoa(l.m.bitrate),
			"restart-ms", strconv.Itoa(busOffRestartMS)},
		{"ip", "link", "set", l.name, "up"},
	}
	for _, step := range steps {
		if _, err := l.m.runner.Run(ctx, step[0], step[1:]...); err != nil {
			return err
		}
	}
	return nil
}

// Level 3: reset the transmit queue and qdisc, then cycle the link.
// Clears a wedged tx path that survives a plain link cycle.
func (l *Ladder) queueFlush(ctx context.Context) error {
	if _, err := l.m.runner.Run(ctx,
		"ip", "link", "set", l.name, "txqueuelen", "1000"); err != nil {
		return err
	}
	if _, err := l.m.runner.Run(ctx,
		"tc", "qdisc", "replace", "dev", l.name, "root", "pfifo_fast"); err != nil {
		return err
	}
	return l.m.configureLocked(ctx, l.name)
}

// Level 4: reload the kernel driver module. The interface disappears and
// comes back unconfigured, so the cycle reconfigures it afterwards.
func (l *Ladder) driverReload(ctx context.Context) error {
	if _, err := l.m.runner.Run(ctx, "modprobe", "-r", l.m.module); err != nil {
		return err
	}
	if _, err := l.m.runner.Run(ctx, "modprobe", l.m.module); err != nil {
		return err
	}
	sleepCtx(ctx, l.settle)
	return l.m.configureLocked(ctx, l.name)
}

// Level 5: de-authorize and re-authorize the USB device behind the
// adapter, the software equivalent of reseating the cable.
func (l *Ladder) usbPowerCycle(ctx context.Context) error {
	authorized := filepath.Join(l.m.sysfs, l.name, "device", "..", "..", "authorized")

	if err := l.m.runner.WriteFile(authorized, "0"); err != nil {
		return err
	}
	sleepCtx(ctx, l.settle)
	if err := l.m.runner.WriteFile(authorized, "1"); err != nil {
		return err
	}
	sleepCtx(ctx, l.settle)
	return l.m.configureLocked(ctx, l.name)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
