package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/internal/latest"
	"github.com/robo-infra/armbus/pkg/logging"
	"github.com/robo-infra/armbus/pkg/models"
)

// Proxy forwards joint commands to a remote hardware server and mirrors
// the observations it streams back. Both directions are conflated: a
// command superseded before the sender gets to it is dropped, and
// ReadState always reflects the freshest observation received.
type Proxy struct {
	arm     models.Side
	channel string
	log     *logging.Logger

	push zmq4.Socket
	pull zmq4.Socket

	outbound *latest.Holder[*models.Command]
	inbound  *latest.Holder[*models.Observation]

	cancel   func()
	sendDone chan struct{}
	recvDone chan struct{}
}

// NewProxy connects to the hardware server at endpoint. Commands flow
// out on endpoint and observations flow back on the endpoint one port
// above it, matching the server's socket layout.
func NewProxy(ctx context.Context, arm models.Side, channel, endpoint string, log *logging.Logger) (*Proxy, error) {
	obsEndpoint, err := nextPortEndpoint(endpoint)
	if err != nil {
		return nil, fault.ConfigError("server_endpoint", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	push := zmq4.NewPush(ctx)
	if err := push.Dial(endpoint); err != nil {
		cancel()
		return nil, fmt.Errorf("dialing command endpoint %s: %w", endpoint, err)
	}

	pull := zmq4.NewPull(ctx)
	if err := pull.Dial(obsEndpoint); err != nil {
		cancel()
		push.Close()
		return nil, fmt.Errorf("dialing observation endpoint %s: %w", obsEndpoint, err)
	}

	p := &Proxy{
		arm:      arm,
		channel:  channel,
		log:      log.WithField("arm", string(arm)),
		push:     push,
		pull:     pull,
		outbound: latest.NewHolder[*models.Command](),
		inbound:  latest.NewHolder[*models.Observation](),
		cancel:   cancel,
		sendDone: make(chan struct{}),
		recvDone: make(chan struct{}),
	}

	go p.sendLoop()
	go p.recvLoop()

	return p, nil
}

// sendLoop drains the outbound slot into the push socket. A slow or
// stalled server only delays this goroutine; callers of ApplyCommand
// keep overwriting the slot and never block.
func (p *Proxy) sendLoop() {
	defer close(p.sendDone)

	for {
		cmd, err := p.outbound.Take(time.Second)
		if err == latest.ErrClosed {
			return
		}
		if err != nil {
			continue
		}

		payload, err := cmd.Encode()
		if err != nil {
			p.log.Error("Failed to encode command", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if err := p.push.Send(zmq4.NewMsg(payload)); err != nil {
			p.log.Warn("Failed to forward command", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}

// recvLoop pumps server observations into the inbound slot.
func (p *Proxy) recvLoop() {
	defer close(p.recvDone)

	for {
		msg, err := p.pull.Recv()
		if err != nil {
			// Recv fails permanently once the socket's context is
			// cancelled during Close.
			return
		}

		obs, err := models.DecodeObservation(msg.Bytes())
		if err != nil {
			p.log.Warn("Discarding malformed observation", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		p.inbound.Set(obs)
	}
}

// ApplyCommand stages the joint vector for delivery. Never blocks on
// the network; a newer vector staged before delivery wins.
func (p *Proxy) ApplyCommand(ctx context.Context, positions []int32) error {
	vec := make([]int32, len(positions))
	copy(vec, positions)

	p.outbound.Set(&models.Command{
		Arm:       p.arm,
		Timestamp: models.Now(),
		Positions: vec,
	})
	return nil
}

// ReadState returns the freshest observation mirrored from the server.
func (p *Proxy) ReadState(ctx context.Context) (*State, error) {
	obs, ok := p.inbound.Peek()
	if !ok {
		return nil, fault.New(fault.TypeTransient, "read", p.channel,
			"no observation received from hardware server yet", nil)
	}

	digest := obs.Motors
	return &State{Positions: obs.Positions, Digest: &digest}, nil
}

// Close tears down both sockets and stops the pump goroutines.
func (p *Proxy) Close() error {
	p.outbound.Close()
	p.inbound.Close()
	p.cancel()

	err := p.push.Close()
	if cerr := p.pull.Close(); err == nil {
		err = cerr
	}
	<-p.sendDone
	<-p.recvDone
	return err
}

// nextPortEndpoint returns the endpoint with its port incremented by one.
func nextPortEndpoint(endpoint string) (string, error) {
	for i := len(endpoint) - 1; i >= 0; i-- {
		if endpoint[i] == ':' {
			var port int
			if _, err := fmt.Sscanf(endpoint[i+1:], "%d", &port); err != nil {
				return "", fmt.Errorf("endpoint %q has no numeric port", endpoint)
			}
			return fmt.Sprintf("%s:%d", endpoint[:i], port+1), nil
		}
	}
	return "", fmt.Errorf("endpoint %q has no port", endpoint)
}
