// Package canbus manages the lifecycle of SocketCAN adapters: discovery,
// role assignment, bitrate configuration, health verification, and the
// escalating reset ladder used when a bus stops responding.
package canbus

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

// ARPHRD_CAN from the kernel's if_arp.h; the type attribute of a
// SocketCAN interface always reads this value.
const arphrdCAN = "280"

const sysClassNet = "/sys/class/net"

// Adapter is one discovered CAN interface.
type Adapter struct {
	Name      string
	Role      string // assigned channel role, empty until AssignRoles
	OperState string
	State     models.ChannelState
}

// Prober transmits a test frame on a bound interface. Pluggable so
// tests avoid opening real sockets.
type Prober func(ctx context.Context, ifname string) error

// socketProbe opens the interface and transmits one frame with a
// reserved id and no payload. Transmission success is the health signal;
// nothing on the bus reacts to the frame.
func socketProbe(ctx context.Context, ifname string) error {
	conn, err := socketcan.DialContext(ctx, "can", ifname)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx := socketcan.NewTransmitter(conn)
	return tx.TransmitFrame(ctx, can.Frame{ID: 0x7FF, Length: 0})
}

// Manager owns adapter state. All reconfiguration of a given adapter is
// serialized through a per-adapter mutex, so a supervisor reset and an
// operator-requested rebind can never interleave their ip invocations.
type Manager struct {
	runner  Runner
	probe   Prober
	log     *logging.Logger
	sysfs   string
	bitrate int
	module  string // kernel driver module for level-4 reload

	mu       sync.Mutex
	adapters map[string]*Adapter
	locks    map[string]*sync.Mutex
}

// NewManager builds a Manager using the production runner and prober.
func NewManager(bitrate int, log *logging.Logger) *Manager {
	return newManager(NewExecRunner(), socketProbe, sysClassNet, bitrate, log)
}

func newManager(runner Runner, probe Prober, sysfs string, bitrate int, log *logging.Logger) *Manager {
	return &Manager{
		runner:   runner,
		probe:    probe,
		log:      log,
		sysfs:    sysfs,
		bitrate:  bitrate,
		module:   "gs_usb",
		adapters: make(map[string]*Adapter),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) adapterLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[name]
	if !ok {
		l = &sync.Mutex{}
		m.locks[name] = l
	}
	return l
}

// Enumerate scans the network class for CAN-type interfaces and refreshes
// the adapter table. Names sort lexicographically so enumeration order is
// stable across calls.
func (m *Manager) Enumerate(ctx context.Context) ([]*Adapter, error) {
	entries, err := m.runner.Glob(filepath.Join(m.sysfs, "*"))
	if err != nil {
		return nil, fault.ResourceError("enumerate", err)
	}

	var names []string
	for _, entry := range entries {
		ifType, err := m.runner.ReadFile(filepath.Join(entry, "type"))
		if err != nil || ifType != arphrdCAN {
			continue
		}
		names = append(names, filepath.Base(entry))
	}
	sort.Strings(names)

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(names))
	result := make([]*Adapter, 0, len(names))
	for _, name := range names {
		seen[name] = true
		a, ok := m.adapters[name]
		if !ok {
			a = &Adapter{Name: name, State: models.ChannelUnbound}
			m.adapters[name] = a
		}
		if state, err := m.runner.ReadFile(filepath.Join(m.sysfs, name, "operstate")); err == nil {
			a.OperState = state
		}
		result = append(result, a)
	}
	for name := range m.adapters {
		if !seen[name] {
			delete(m.adapters, name)
		}
	}
	return result, nil
}

// AssignRoles maps discovered adapters onto channel roles by position:
// the first adapter in enumeration order gets the first role, and so on.
// The mapping depends entirely on discovery order, which is logged so a
// swapped cable is diagnosable. Fewer adapters than roles is an error.
func (m *Manager) AssignRoles(ctx context.Context, roles []string) ([]*Adapter, error) {
	adapters, err := m.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	if len(adapters) < len(roles) {
		return nil, fault.ResourceError("assign-roles", fmt.Errorf(
			"found %d CAN adapters, need %d for roles %v",
			len(adapters), len(roles), roles))
	}
	if len(adapters) > len(roles) {
		m.log.Warn("More CAN adapters than roles, extras left unassigned", map[string]interface{}{
			"adapters": len(adapters),
			"roles":    len(roles),
		})
	}

	m.mu.Lock()
	assigned := make([]*Adapter, len(roles))
	for i, role := range roles {
		adapters[i].Role = role
		assigned[i] = adapters[i]
	}
	m.mu.Unlock()

	for _, a := range assigned {
		m.log.Info("Assigned channel role by position", map[string]interface{}{
			"interface": a.Name,
			"role":      a.Role,
		})
	}
	return assigned, nil
}

// ByRole returns the adapter currently holding a role.
func (m *Manager) ByRole(role string) (*Adapter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.adapters {
		if a.Role == role {
			return a, true
		}
	}
	return nil, false
}

// Bind brings an adapter up at the configured bitrate. Binding is
// idempotent: an already-up adapter is cycled down/up through the same
// sequence, so a repeat bind guarantees the configured bitrate rather
// than trusting whatever state the interface was left in.
func (m *Manager) Bind(ctx context.Context, name string) error {
	lock := m.adapterLock(name)
	lock.Lock()
	defer lock.Unlock()

	if state, err := m.runner.ReadFile(filepath.Join(m.sysfs, name, "operstate")); err == nil && state == "up" {
		m.log.Info("Rebinding adapter that is already up", map[string]interface{}{
			"interface": name,
			"bitrate":   m.bitrate,
		})
	}

	if err := m.configureLocked(ctx, name); err != nil {
		m.setState(name, models.ChannelFaulted)
		return err
	}
	m.setState(name, models.ChannelBound)
	return nil
}

// configureLocked runs the down/bitrate/up sequence. Caller holds the
// adapter lock.
func (m *Manager) configureLocked(ctx context.Context, name string) error {
	steps := [][]string{
		{"ip", "link", "set", name, "down"},
		{"ip", "link", "set", name, "type", "can", "bitrate", strconv.Itoa(m.bitrate)},
		{"ip", "link", "set", name, "up"},
	}
	for _, step := range steps {
		if _, err := m.runner.Run(ctx, step[0], step[1:]...); err != nil {
			return fault.BusError("bind", name, err)
		}
	}
	return nil
}

// Verify checks that an adapter is operational: operstate reads "up" and
// a test frame transmits. Both must pass.
func (m *Manager) Verify(ctx context.Context, name string) error {
	lock := m.adapterLock(name)
	lock.Lock()
	defer lock.Unlock()
	return m.verifyLocked(ctx, name)
}

func (m *Manager) verifyLocked(ctx context.Context, name string) error {
	state, err := m.runner.ReadFile(filepath.Join(m.sysfs, name, "operstate"))
	if err != nil {
		return fault.BusError("verify", name, err)
	}
	if state != "up" {
		return fault.BusError("verify", name,
			fmt.Errorf("operstate is %q, want up", state))
	}
	if err := m.probe(ctx, name); err != nil {
		return fault.BusError("verify", name,
			fmt.Errorf("test frame transmit failed: %w", err))
	}
	return nil
}

func (m *Manager) setState(name string, state models.ChannelState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.adapters[name]; ok {
		a.State = state
	}
}

// States returns a snapshot of the adapter table for status reporting.
func (m *Manager) States() []Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
