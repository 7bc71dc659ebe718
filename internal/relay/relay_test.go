package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/robo-infra/armbus/internal/backend"
	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/internal/latest"
	"github.com/robo-infra/armbus/internal/metrics"
	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

// holderSource adapts a latest.Holder to the CommandSource interface,
// exactly the shape the production transport presents.
type holderSource struct {
	h *latest.Holder[*models.Command]
}

func (s *holderSource) Next(timeout time.Duration) (*models.Command, error) {
	return s.h.Take(timeout)
}

// fakeBackend records applied vectors and serves a canned state.
type fakeBackend struct {
	mu       sync.Mutex
	applied  [][]int32
	applyErr error
	state    *backend.State
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		state: &backend.State{
			Positions: make([]int32, models.NumJoints),
			Motors: []models.MotorStatus{
				{ID: 1, Code: models.StatusNormal},
			},
		},
	}
}

func (b *fakeBackend) ApplyCommand(ctx context.Context, positions []int32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.applyErr != nil {
		return b.applyErr
	}
	vec := make([]int32, len(positions))
	copy(vec, positions)
	b.applied = append(b.applied, vec)
	return nil
}

func (b *fakeBackend) ReadState(ctx context.Context) (*backend.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state, nil
}

func (b *fakeBackend) Close() error { return nil }

func (b *fakeBackend) applyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.applied)
}

func (b *fakeBackend) lastApplied() []int32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.applied) == 0 {
		return nil
	}
	return b.applied[len(b.applied)-1]
}

// collectSink gathers published observations.
type collectSink struct {
	mu  sync.Mutex
	obs []*models.Observation
}

func (s *collectSink) Publish(o *models.Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.obs = append(s.obs, o)
}

func (s *collectSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.obs)
}

type collectFaults struct {
	mu       sync.Mutex
	channels []string
}

func (f *collectFaults) ReportBusFault(channel string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
}

func newTestRelay(be *fakeBackend, faults FaultReporter) (*Relay, *latest.Holder[*models.Command], *collectSink) {
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(io.Discard)
	met := metrics.New(prometheus.NewRegistry())

	arm := models.NewArm(models.SideLeft, models.BackendDirect, "can_left")
	holder := latest.NewHolder[*models.Command]()
	sink := &collectSink{}

	r := New(arm, Config{
		Period:         5 * time.Millisecond,
		ReceiveTimeout: 10 * time.Millisecond,
	}, &holderSource{holder}, be, sink, nil, faults, met, log)
	return r, holder, sink
}

func vector(v int32) []int32 {
	out := make([]int32, models.NumJoints)
	for i := range out {
		out[i] = v
	}
	return out
}

func command(v int32) *models.Command {
	return &models.Command{
		Arm:       models.SideLeft,
		Timestamp: models.Now(),
		Positions: vector(v),
	}
}

func runRelayFor(t *testing.T, r *Relay, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_ = r.Run(ctx)
}

func TestAppliesOnlyFreshestCommand(t *testing.T) {
	be := newFakeBackend()
	r, holder, _ := newTestRelay(be, nil)

	// A burst published before the loop runs must collapse to the
	// final vector.
	for v := int32(1); v <= 5; v++ {
		holder.Set(command(v * 1000))
	}

	runRelayFor(t, r, 50*time.Millisecond)

	if be.applyCount() == 0 {
		t.Fatal("no command applied")
	}
	first := be.applied[0]
	if first[0] != 5000 {
		t.Errorf("first applied vector = %v, want the freshest (5000s)", first)
	}
}

func TestTimeoutHoldsWithoutReissuing(t *testing.T) {
	be := newFakeBackend()
	r, holder, sink := newTestRelay(be, nil)

	holder.Set(command(42_000))

	// Run long enough for many receive timeouts after the single
	// command. Holding means the setpoint stands on the motors, not
	// that the relay repeats it on the bus.
	runRelayFor(t, r, 100*time.Millisecond)

	if got := be.applyCount(); got != 1 {
		t.Fatalf("one command produced %d applies, want exactly 1", got)
	}
	if vec := be.lastApplied(); vec[0] != 42_000 {
		t.Errorf("applied vector = %v, want 42000s", vec)
	}
	if got := r.arm.Positions(); got[0] != 42_000 {
		t.Errorf("arm model position = %d, want the held 42000", got[0])
	}
	// Observations keep flowing at the loop cadence while holding.
	if sink.count() < 3 {
		t.Errorf("only %d observations during the hold", sink.count())
	}
}

func TestUntypedApplyErrorClassifiedAsBus(t *testing.T) {
	be := newFakeBackend()
	// A raw error straight from the socket layer, never wrapped in a
	// fault.Error; the relay must still recognize it as a bus failure.
	be.applyErr = errors.New("write can_left: network is down")
	faults := &collectFaults{}
	r, holder, _ := newTestRelay(be, faults)

	holder.Set(command(1000))

	runRelayFor(t, r, 60*time.Millisecond)

	faults.mu.Lock()
	defer faults.mu.Unlock()
	if len(faults.channels) == 0 {
		t.Fatal("untyped bus-pattern error never escalated")
	}
	if faults.channels[0] != "can_left" {
		t.Errorf("fault reported for %q, want can_left", faults.channels[0])
	}
}

func TestNeverAppliesBeforeFirstCommand(t *testing.T) {
	be := newFakeBackend()
	r, _, sink := newTestRelay(be, nil)

	runRelayFor(t, r, 60*time.Millisecond)

	if be.applyCount() != 0 {
		t.Errorf("relay applied %d vectors with no command ever sent", be.applyCount())
	}
	// Observations still flow while holding.
	if sink.count() == 0 {
		t.Error("expected observations during the pre-command hold")
	}
}

func TestApplyErrorReportedAndLoopContinues(t *testing.T) {
	be := newFakeBackend()
	be.applyErr = fault.BusError("apply", "can_left", errors.New("tx queue full"))
	faults := &collectFaults{}
	r, holder, sink := newTestRelay(be, faults)

	holder.Set(command(1000))

	runRelayFor(t, r, 80*time.Millisecond)

	faults.mu.Lock()
	reported := len(faults.channels)
	var channel string
	if reported > 0 {
		channel = faults.channels[0]
	}
	faults.mu.Unlock()

	if reported == 0 {
		t.Fatal("bus error never reported to the fault channel")
	}
	if channel != "can_left" {
		t.Errorf("fault reported for channel %q, want can_left", channel)
	}
	// The loop survived the failure and kept observing.
	if sink.count() < 2 {
		t.Errorf("loop did not continue after apply failure: %d observations", sink.count())
	}
}

func TestClampsToJointLimits(t *testing.T) {
	be := newFakeBackend()
	r, holder, _ := newTestRelay(be, nil)
	r.arm.Joints[0].MinLimit = -10_000
	r.arm.Joints[0].MaxLimit = 10_000

	holder.Set(command(90_000))

	runRelayFor(t, r, 40*time.Millisecond)

	vec := be.lastApplied()
	if vec == nil {
		t.Fatal("no command applied")
	}
	if vec[0] != 10_000 {
		t.Errorf("joint 0 applied as %d, want clamped to 10000", vec[0])
	}
	if vec[1] != 90_000 {
		t.Errorf("unlimited joint clamped: %d", vec[1])
	}
}

func TestObservationCarriesMotorSummary(t *testing.T) {
	be := newFakeBackend()
	be.state.Motors = []models.MotorStatus{
		{ID: 1, Code: models.StatusNormal},
		{ID: 2, Code: models.StatusOvercurrent},
	}
	r, holder, sink := newTestRelay(be, nil)
	holder.Set(command(0))

	runRelayFor(t, r, 40*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.obs) == 0 {
		t.Fatal("no observations published")
	}
	last := sink.obs[len(sink.obs)-1]
	if last.Motors.Enabled != 1 || last.Motors.Faulted != 1 {
		t.Errorf("motor summary = %+v, want 1 enabled 1 faulted", last.Motors)
	}
	if last.Arm != models.SideLeft {
		t.Errorf("observation arm = %s", last.Arm)
	}
}

func TestStopsWhenSourceCloses(t *testing.T) {
	be := newFakeBackend()
	r, holder, _ := newTestRelay(be, nil)

	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	holder.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v on source close, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after source close")
	}
}
