package canbus

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

// fakeRunner records every command and serves sysfs reads from a map.
type fakeRunner struct {
	mu      sync.Mutex
	files   map[string]string
	globs   map[string][]string
	cmds    []string
	writes  []string
	failCmd map[string]error // substring of the command line -> error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		files:   make(map[string]string),
		globs:   make(map[string][]string),
		failCmd: make(map[string]error),
	}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	line := name + " " + strings.Join(args, " ")
	f.mu.Lock()
	f.cmds = append(f.cmds, line)
	f.mu.Unlock()

	for substr, err := range f.failCmd {
		if strings.Contains(line, substr) {
			return "", err
		}
	}
	return "", nil
}

func (f *fakeRunner) ReadFile(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.files[path]
	if !ok {
		return "", errors.New("no such file")
	}
	return v, nil
}

func (f *fakeRunner) WriteFile(path, contents string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, path+"="+contents)
	f.files[path] = contents
	return nil
}

func (f *fakeRunner) Glob(pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.globs[pattern], nil
}

func (f *fakeRunner) commandsMatching(substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.cmds {
		if strings.Contains(c, substr) {
			out = append(out, c)
		}
	}
	return out
}

func testLogger() *logging.Logger {
	log := logging.NewLogger(logging.ERROR, false)
	log.SetOutput(io.Discard)
	return log
}

// addCANIface registers a CAN interface in the fake sysfs tree.
func addCANIface(f *fakeRunner, name, operstate string) {
	f.globs["/sys/class/net/*"] = append(f.globs["/sys/class/net/*"], "/sys/class/net/"+name)
	f.files["/sys/class/net/"+name+"/type"] = arphrdCAN
	f.files["/sys/class/net/"+name+"/operstate"] = operstate
}

func okProbe(ctx context.Context, ifname string) error { return nil }

func newTestManager(f *fakeRunner, probe Prober) *Manager {
	return newManager(f, probe, "/sys/class/net", 1_000_000, testLogger())
}

func TestEnumerateFiltersNonCANInterfaces(t *testing.T) {
	f := newFakeRunner()
	addCANIface(f, "can1", "down")
	addCANIface(f, "can0", "up")
	f.globs["/sys/class/net/*"] = append(f.globs["/sys/class/net/*"], "/sys/class/net/eth0")
	f.files["/sys/class/net/eth0/type"] = "1"

	m := newTestManager(f, okProbe)
	adapters, err := m.Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate failed: %v", err)
	}

	if len(adapters) != 2 {
		t.Fatalf("expected 2 CAN adapters, got %d", len(adapters))
	}
	// Enumeration order must be stable and lexicographic.
	if adapters[0].Name != "can0" || adapters[1].Name != "can1" {
		t.Errorf("adapters out of order: %s, %s", adapters[0].Name, adapters[1].Name)
	}
	if adapters[0].OperState != "up" {
		t.Errorf("can0 operstate = %q, want up", adapters[0].OperState)
	}
}

func TestAssignRolesIsPositional(t *testing.T) {
	f := newFakeRunner()
	addCANIface(f, "can_b", "down")
	addCANIface(f, "can_a", "down")

	m := newTestManager(f, okProbe)
	assigned, err := m.AssignRoles(context.Background(), []string{"left_arm", "right_arm"})
	if err != nil {
		t.Fatalf("AssignRoles failed: %v", err)
	}

	if assigned[0].Name != "can_a" || assigned[0].Role != "left_arm" {
		t.Errorf("first role = %s->%s, want can_a->left_arm", assigned[0].Name, assigned[0].Role)
	}
	if assigned[1].Name != "can_b" || assigned[1].Role != "right_arm" {
		t.Errorf("second role = %s->%s, want can_b->right_arm", assigned[1].Name, assigned[1].Role)
	}

	a, ok := m.ByRole("left_arm")
	if !ok || a.Name != "can_a" {
		t.Errorf("ByRole(left_arm) = %v, %v", a, ok)
	}
}

func TestAssignRolesFailsWithTooFewAdapters(t *testing.T) {
	f := newFakeRunner()
	addCANIface(f, "can0", "down")

	m := newTestManager(f, okProbe)
	_, err := m.AssignRoles(context.Background(), []string{"left_arm", "right_arm"})
	if err == nil {
		t.Fatal("expected error with one adapter for two roles")
	}

	var fe *fault.Error
	if !errors.As(err, &fe) || fe.Type != fault.TypeResource {
		t.Errorf("expected a resource error, got %v", err)
	}
}

func TestBindReconfiguresAlreadyUpAdapter(t *testing.T) {
	f := newFakeRunner()
	addCANIface(f, "can0", "up")

	m := newTestManager(f, okProbe)
	if _, err := m.Enumerate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Bind(context.Background(), "can0"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	// An interface that is up at the wrong bitrate must still be
	// corrected, so a repeat bind cycles down/up rather than trusting
	// the current state.
	got := f.commandsMatching("ip link")
	if len(got) != 3 {
		t.Fatalf("rebind ran %d commands, want the full down/bitrate/up cycle: %v", len(got), got)
	}
	if !strings.Contains(got[1], "bitrate 1000000") {
		t.Errorf("rebind did not set the bitrate: %q", got[1])
	}
	if m.States()[0].State != models.ChannelBound {
		t.Errorf("adapter state = %s, want bound", m.States()[0].State)
	}
}

func TestBindConfiguresDownAdapter(t *testing.T) {
	f := newFakeRunner()
	addCANIface(f, "can0", "down")

	m := newTestManager(f, okProbe)
	if _, err := m.Enumerate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := m.Bind(context.Background(), "can0"); err != nil {
		t.Fatalf("Bind failed: %v", err)
	}

	want := []string{
		"ip link set can0 down",
		"ip link set can0 type can bitrate 1000000",
		"ip link set can0 up",
	}
	f.mu.Lock()
	got := append([]string(nil), f.cmds...)
	f.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("commands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestVerifyRequiresOperstateUp(t *testing.T) {
	f := newFakeRunner()
	addCANIface(f, "can0", "down")

	m := newTestManager(f, okProbe)
	if err := m.Verify(context.Background(), "can0"); err == nil {
		t.Error("expected verify to fail with operstate down")
	}
}

func TestVerifyRequiresTestFrame(t *testing.T) {
	f := newFakeRunner()
	addCANIface(f, "can0", "up")

	probeErr := errors.New("transmit failed")
	m := newTestManager(f, func(ctx context.Context, ifname string) error {
		return probeErr
	})

	err := m.Verify(context.Background(), "can0")
	if err == nil || !strings.Contains(err.Error(), "test frame") {
		t.Errorf("expected test frame failure, got %v", err)
	}
}

func TestBindSerializesPerAdapter(t *testing.T) {
	f := newFakeRunner()
	addCANIface(f, "can0", "down")

	m := newTestManager(f, okProbe)
	if _, err := m.Enumerate(context.Background()); err != nil {
		t.Fatal(err)
	}

	const workers = 4
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Bind(context.Background(), "can0")
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("concurrent binds deadlocked")
	}

	// Each bind runs the full three-step sequence; interleaving would
	// produce sequences that do not come in aligned triples.
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds)%3 != 0 {
		t.Fatalf("command count %d is not a multiple of 3: %v", len(f.cmds), f.cmds)
	}
	for i := 0; i < len(f.cmds); i += 3 {
		if !strings.HasSuffix(f.cmds[i], "down") {
			t.Errorf("command %d = %q, want a down step", i, f.cmds[i])
		}
	}
}
