package backend

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"

	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

// Feedback frames come back on the motor id offset by this constant
// (receive mode p16 in the vendor protocol). The status byte inside the
// payload repeats the motor id and is treated as authoritative.
const dmFeedbackIDOffset = 0x10

// A cached feedback older than this is considered stale and triggers a
// refresh probe during PollStatus.
const feedbackMaxAge = 500 * time.Millisecond

// DirectConfig configures a direct CAN backend for one arm.
type DirectConfig struct {
	Interface string   // bound network interface, e.g. "can_left"
	Models    []string // motor model per joint; default is the standard chain
	Kp        float64  // position-hold proportional gain
	Kd        float64  // position-hold damping gain
}

// Direct drives an arm's motor chain over socketcan. It implements both
// Backend (for the relay) and Chain (for the supervisor).
type Direct struct {
	cfg     DirectConfig
	channel string
	params  []motorParams
	log     *logging.Logger

	conn net.Conn
	tx   *socketcan.Transmitter

	mu       sync.Mutex
	lastFB   map[int]feedback
	lastFBAt map[int]time.Time

	done     chan struct{}
	recvDone chan struct{}
}

// NewDirect opens the CAN interface and starts the feedback reader.
func NewDirect(ctx context.Context, channel string, cfg DirectConfig, log *logging.Logger) (*Direct, error) {
	if len(cfg.Models) == 0 {
		cfg.Models = defaultChainModels
	}
	if cfg.Kp == 0 {
		cfg.Kp = 40
	}
	if cfg.Kd == 0 {
		cfg.Kd = 1.2
	}

	params := make([]motorParams, len(cfg.Models))
	for i, model := range cfg.Models {
		p, err := paramsFor(model)
		if err != nil {
			return nil, fault.ConfigError(fmt.Sprintf("joint %d", i), err)
		}
		params[i] = p
	}

	conn, err := socketcan.DialContext(ctx, "can", cfg.Interface)
	if err != nil {
		return nil, fault.BusError("open", channel, err)
	}

	d := &Direct{
		cfg:      cfg,
		channel:  channel,
		params:   params,
		log:      log.WithField("channel", channel),
		conn:     conn,
		tx:       socketcan.NewTransmitter(conn),
		lastFB:   make(map[int]feedback),
		lastFBAt: make(map[int]time.Time),
		done:     make(chan struct{}),
		recvDone: make(chan struct{}),
	}

	go d.receiveLoop()

	return d, nil
}

// receiveLoop drains feedback frames into the cache until Close.
func (d *Direct) receiveLoop() {
	defer close(d.recvDone)

	rx := socketcan.NewReceiver(d.conn)
	for rx.Receive() {
		frame := rx.Frame()
		d.recordFeedback(frame)

		select {
		case <-d.done:
			return
		default:
		}
	}
}

func (d *Direct) recordFeedback(frame can.Frame) {
	// Only frames in the feedback id window belong to our chain.
	rawID := int(frame.ID) - dmFeedbackIDOffset
	if rawID < 1 || rawID > len(d.params) {
		return
	}

	fb := decodeFeedback(d.params[rawID-1], frame.Data)
	if fb.MotorID < 1 || fb.MotorID > len(d.params) {
		return
	}

	d.mu.Lock()
	d.lastFB[fb.MotorID] = fb
	d.lastFBAt[fb.MotorID] = time.Now()
	d.mu.Unlock()
}

// ApplyCommand writes one MIT position-hold frame per joint. The frames
// for a single command are transmitted back to back so the chain sees
// the vector as one update.
func (d *Direct) ApplyCommand(ctx context.Context, positions []int32) error {
	if len(positions) != len(d.params) {
		return fmt.Errorf("joint vector has %d entries, chain has %d motors",
			len(positions), len(d.params))
	}

	for i, mdeg := range positions {
		data := encodeMIT(d.params[i], mitCommand{
			Position: millidegreesToRad(mdeg),
			Kp:       d.cfg.Kp,
			Kd:       d.cfg.Kd,
		})
		frame := can.Frame{ID: uint32(i + 1), Length: 8, Data: data}
		if err := d.tx.TransmitFrame(ctx, frame); err != nil {
			return fault.BusError("apply", d.channel, err)
		}
	}
	return nil
}

// ReadState returns the latest cached feedback snapshot. Motors never
// heard from are omitted from the status list.
func (d *Direct) ReadState(ctx context.Context) (*State, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	state := &State{Positions: make([]int32, len(d.params))}
	for id := 1; id <= len(d.params); id++ {
		fb, ok := d.lastFB[id]
		if !ok {
			continue
		}
		state.Positions[id-1] = radToMillidegrees(fb.Position)
		state.Motors = append(state.Motors, models.MotorStatus{
			ID:          id,
			Code:        fb.Status,
			Position:    radToMillidegrees(fb.Position),
			Velocity:    fb.Velocity,
			Temperature: fb.TempMOS,
		})
	}
	return state, nil
}

// PollStatus returns a status snapshot for every motor, probing any motor
// whose cached feedback is stale. An error-latched motor answers a probe
// with its fault code without changing state.
func (d *Direct) PollStatus(ctx context.Context) ([]models.MotorStatus, error) {
	for id := 1; id <= len(d.params); id++ {
		d.mu.Lock()
		fresh := time.Since(d.lastFBAt[id]) < feedbackMaxAge
		d.mu.Unlock()
		if fresh {
			continue
		}
		if err := d.tx.TransmitFrame(ctx, dmControlFrame(id, dmOpEnable)); err != nil {
			return nil, fault.BusError("poll", d.channel, err)
		}
	}

	// Give the receiver a bounded window to pick up probe replies.
	deadline := time.Now().Add(50 * time.Millisecond)
	for time.Now().Before(deadline) {
		if d.allFresh() {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	statuses := make([]models.MotorStatus, 0, len(d.params))
	for id := 1; id <= len(d.params); id++ {
		fb, ok := d.lastFB[id]
		if !ok {
			// Motor silent: report communication loss so the
			// supervisor classifies it as faulted.
			statuses = append(statuses, models.MotorStatus{
				ID:   id,
				Code: models.StatusCommunicationLoss,
			})
			continue
		}
		statuses = append(statuses, models.MotorStatus{
			ID:          id,
			Code:        fb.Status,
			Position:    radToMillidegrees(fb.Position),
			Velocity:    fb.Velocity,
			Temperature: fb.TempMOS,
		})
	}
	return statuses, nil
}

func (d *Direct) allFresh() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := 1; id <= len(d.params); id++ {
		if time.Since(d.lastFBAt[id]) >= feedbackMaxAge {
			return false
		}
	}
	return true
}

// ClearError clears the driver error latch on one motor.
func (d *Direct) ClearError(ctx context.Context, motorID int) error {
	if err := d.tx.TransmitFrame(ctx, dmControlFrame(motorID, dmOpClearError)); err != nil {
		return fault.BusError("clear-error", d.channel, err)
	}
	return nil
}

// Enable re-enables one motor.
func (d *Direct) Enable(ctx context.Context, motorID int) error {
	if err := d.tx.TransmitFrame(ctx, dmControlFrame(motorID, dmOpEnable)); err != nil {
		return fault.BusError("enable", d.channel, err)
	}
	return nil
}

// Disable disables one motor.
func (d *Direct) Disable(ctx context.Context, motorID int) error {
	if err := d.tx.TransmitFrame(ctx, dmControlFrame(motorID, dmOpDisable)); err != nil {
		return fault.BusError("disable", d.channel, err)
	}
	return nil
}

// Close stops the reader and releases the socket.
func (d *Direct) Close() error {
	close(d.done)
	err := d.conn.Close()
	<-d.recvDone
	return err
}
