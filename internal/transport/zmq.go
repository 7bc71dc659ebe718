// Package transport owns the ZeroMQ sockets that connect operator
// clients to the relay. Inbound commands and outbound observations are
// both conflated through single-slot holders, so a burst from a fast
// producer collapses to its freshest message and a slow peer never
// builds a queue of stale data.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/robo-infra/armbus/internal/latest"
	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

func bindEndpoint(port int) string {
	return fmt.Sprintf("tcp://0.0.0.0:%d", port)
}

// CommandSource receives joint commands for one arm. Clients connect
// with a push socket; whatever they send between two relay ticks is
// coalesced down to the newest command.
type CommandSource struct {
	arm    models.Side
	log    *logging.Logger
	socket zmq4.Socket
	holder *latest.Holder[*models.Command]
	cancel func()
	done   chan struct{}
}

// NewCommandSource binds the command port and starts the receive pump.
func NewCommandSource(ctx context.Context, arm models.Side, port int, log *logging.Logger) (*CommandSource, error) {
	ctx, cancel := context.WithCancel(ctx)

	socket := zmq4.NewPull(ctx)
	if err := socket.Listen(bindEndpoint(port)); err != nil {
		cancel()
		return nil, fmt.Errorf("binding command port %d: %w", port, err)
	}

	s := &CommandSource{
		arm:    arm,
		log:    log.WithField("arm", string(arm)),
		socket: socket,
		holder: latest.NewHolder[*models.Command](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump()
	return s, nil
}

func (s *CommandSource) pump() {
	defer close(s.done)

	for {
		msg, err := s.socket.Recv()
		if err != nil {
			return
		}

		cmd, err := models.DecodeCommand(msg.Bytes())
		if err != nil {
			s.log.Warn("Discarding malformed command", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if cmd.Arm != s.arm {
			s.log.Warn("Discarding command addressed to wrong arm", map[string]interface{}{
				"addressed_to": string(cmd.Arm),
			})
			continue
		}
		s.holder.Set(cmd)
	}
}

// Next blocks up to timeout for a command newer than the last one
// returned. Returns latest.ErrTimeout when the window elapses.
func (s *CommandSource) Next(timeout time.Duration) (*models.Command, error) {
	return s.holder.Take(timeout)
}

// Close shuts the socket and stops the pump.
func (s *CommandSource) Close() error {
	s.holder.Close()
	s.cancel()
	err := s.socket.Close()
	<-s.done
	return err
}

// ObservationSink publishes arm observations. Delivery is drop-old: a
// fresh observation staged before the previous one went out replaces it,
// so a stalled subscriber costs memory for exactly one message.
type ObservationSink struct {
	log    *logging.Logger
	pub    zmq4.Socket
	holder *latest.Holder[*models.Observation]
	cancel func()
	done   chan struct{}
}

// NewObservationSink binds a pub socket on port and starts the sender.
func NewObservationSink(ctx context.Context, port int, log *logging.Logger) (*ObservationSink, error) {
	ctx, cancel := context.WithCancel(ctx)

	pub := zmq4.NewPub(ctx)
	if err := pub.Listen(bindEndpoint(port)); err != nil {
		cancel()
		return nil, fmt.Errorf("binding observation port %d: %w", port, err)
	}

	s := &ObservationSink{
		log:    log,
		pub:    pub,
		holder: latest.NewHolder[*models.Observation](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.sendLoop()
	return s, nil
}

// Publish stages an observation for delivery without blocking.
func (s *ObservationSink) Publish(obs *models.Observation) {
	s.holder.Set(obs)
}

func (s *ObservationSink) sendLoop() {
	defer close(s.done)

	for {
		obs, err := s.holder.Take(time.Second)
		if err == latest.ErrClosed {
			return
		}
		if err != nil {
			continue
		}

		payload, err := obs.Encode()
		if err != nil {
			s.log.Error("Failed to encode observation", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if err := s.pub.Send(zmq4.NewMsg(payload)); err != nil {
			s.log.Warn("Failed to publish observation", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// Close stops the sender and shuts the socket.
func (s *ObservationSink) Close() error {
	s.holder.Close()
	s.cancel()
	err := s.pub.Close()
	<-s.done
	return err
}

// ObservationStream is the point-to-point observation feed to the teleop
// station, a push socket with the same drop-old discipline as the
// broadcast sink.
type ObservationStream struct {
	log    *logging.Logger
	push   zmq4.Socket
	holder *latest.Holder[*models.Observation]
	cancel func()
	done   chan struct{}
}

// NewObservationStream binds a push socket on port and starts the sender.
func NewObservationStream(ctx context.Context, port int, log *logging.Logger) (*ObservationStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	push := zmq4.NewPush(ctx)
	if err := push.Listen(bindEndpoint(port)); err != nil {
		cancel()
		return nil, fmt.Errorf("binding observation stream port %d: %w", port, err)
	}

	s := &ObservationStream{
		log:    log,
		push:   push,
		holder: latest.NewHolder[*models.Observation](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.sendLoop()
	return s, nil
}

// Publish stages an observation for delivery without blocking.
func (s *ObservationStream) Publish(obs *models.Observation) {
	s.holder.Set(obs)
}

func (s *ObservationStream) sendLoop() {
	defer close(s.done)

	for {
		obs, err := s.holder.Take(time.Second)
		if err == latest.ErrClosed {
			return
		}
		if err != nil {
			continue
		}

		payload, err := obs.Encode()
		if err != nil {
			continue
		}
		if err := s.push.Send(zmq4.NewMsg(payload)); err != nil {
			s.log.Warn("Failed to stream observation", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// Close stops the sender and shuts the socket.
func (s *ObservationStream) Close() error {
	s.holder.Close()
	s.cancel()
	err := s.push.Close()
	<-s.done
	return err
}

// CommandBroadcast re-publishes the commands the relay actually applied,
// for loggers and monitors. Same drop-old discipline as observations.
type CommandBroadcast struct {
	log    *logging.Logger
	pub    zmq4.Socket
	holder *latest.Holder[*models.Command]
	cancel func()
	done   chan struct{}
}

// NewCommandBroadcast binds a pub socket on port and starts the sender.
func NewCommandBroadcast(ctx context.Context, port int, log *logging.Logger) (*CommandBroadcast, error) {
	ctx, cancel := context.WithCancel(ctx)

	pub := zmq4.NewPub(ctx)
	if err := pub.Listen(bindEndpoint(port)); err != nil {
		cancel()
		return nil, fmt.Errorf("binding command broadcast port %d: %w", port, err)
	}

	b := &CommandBroadcast{
		log:    log,
		pub:    pub,
		holder: latest.NewHolder[*models.Command](),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go b.sendLoop()
	return b, nil
}

// Publish stages an applied command for re-broadcast.
func (b *CommandBroadcast) Publish(cmd *models.Command) {
	b.holder.Set(cmd)
}

func (b *CommandBroadcast) sendLoop() {
	defer close(b.done)

	for {
		cmd, err := b.holder.Take(time.Second)
		if err == latest.ErrClosed {
			return
		}
		if err != nil {
			continue
		}

		payload, err := cmd.Encode()
		if err != nil {
			continue
		}
		if err := b.pub.Send(zmq4.NewMsg(payload)); err != nil {
			b.log.Warn("Failed to re-broadcast command", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// Close stops the sender and shuts the socket.
func (b *CommandBroadcast) Close() error {
	b.holder.Close()
	b.cancel()
	err := b.pub.Close()
	<-b.done
	return err
}

// EnableListener receives motor-enable requests for the supervisor.
// Unlike commands, each request matters, so they are queued rather than
// conflated; the queue is small and overflow is dropped with a warning.
type EnableListener struct {
	log    *logging.Logger
	socket zmq4.Socket
	out    chan *models.EnableRequest
	cancel func()
	done   chan struct{}
}

// NewEnableListener binds the enable port and starts the receive pump.
func NewEnableListener(ctx context.Context, port int, log *logging.Logger) (*EnableListener, error) {
	ctx, cancel := context.WithCancel(ctx)

	socket := zmq4.NewPull(ctx)
	if err := socket.Listen(bindEndpoint(port)); err != nil {
		cancel()
		return nil, fmt.Errorf("binding enable port %d: %w", port, err)
	}

	l := &EnableListener{
		log:    log,
		socket: socket,
		out:    make(chan *models.EnableRequest, 8),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go l.pump()
	return l, nil
}

func (l *EnableListener) pump() {
	defer close(l.done)
	defer close(l.out)

	for {
		msg, err := l.socket.Recv()
		if err != nil {
			return
		}

		req, err := models.DecodeEnableRequest(msg.Bytes())
		if err != nil {
			l.log.Warn("Discarding malformed enable request", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}

		select {
		case l.out <- req:
		default:
			l.log.Warn("Enable request queue full, dropping request", map[string]interface{}{
				"arm": string(req.Arm),
			})
		}
	}
}

// Requests returns the stream of decoded enable requests. The channel
// closes when the listener shuts down.
func (l *EnableListener) Requests() <-chan *models.EnableRequest {
	return l.out
}

// Close shuts the socket and stops the pump.
func (l *EnableListener) Close() error {
	l.cancel()
	err := l.socket.Close()
	<-l.done
	return err
}
