package config

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/pkg/models"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxLoopFreqHz != 60 {
		t.Errorf("default loop frequency = %d, want 60", cfg.MaxLoopFreqHz)
	}
	if cfg.ReceiveTimeout != 35*time.Millisecond {
		t.Errorf("default receive timeout = %v, want 35ms", cfg.ReceiveTimeout)
	}
	if cfg.Bitrate != 1_000_000 {
		t.Errorf("default bitrate = %d", cfg.Bitrate)
	}
	if cfg.Supervisor.MaxLadderEpisodes != 2 {
		t.Errorf("default ladder episodes = %d, want 2", cfg.Supervisor.MaxLadderEpisodes)
	}
}

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
arms:
  - side: left
    backend: direct
    channel: left
channel_roles: [left]
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cfg.Ports.Command != 5555 || cfg.Ports.HTTP != 8090 {
		t.Errorf("ports not defaulted: %+v", cfg.Ports)
	}
	if cfg.Supervisor.DefaultMode != models.EnablePartial {
		t.Errorf("default mode = %s, want partial", cfg.Supervisor.DefaultMode)
	}
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no arms",
			yaml: `channel_roles: [left]`,
			want: "no arms",
		},
		{
			name: "bad side",
			yaml: `
arms:
  - side: middle
    backend: direct
    channel: left
channel_roles: [left]`,
			want: "invalid arm side",
		},
		{
			name: "duplicate side",
			yaml: `
arms:
  - side: left
    backend: direct
    channel: left
  - side: left
    backend: direct
    channel: right
channel_roles: [left, right]`,
			want: "duplicate arm side",
		},
		{
			name: "bad backend",
			yaml: `
arms:
  - side: left
    backend: serial
    channel: left
channel_roles: [left]`,
			want: "invalid backend",
		},
		{
			name: "proxied without endpoint",
			yaml: `
arms:
  - side: left
    backend: proxied
    channel: left
channel_roles: [left]`,
			want: "server_endpoint",
		},
		{
			name: "unknown channel role",
			yaml: `
arms:
  - side: left
    backend: direct
    channel: left_arm
channel_roles: [left]`,
			want: "unknown channel role",
		},
		{
			name: "duplicate role",
			yaml: `
arms:
  - side: left
    backend: direct
    channel: left
channel_roles: [left, left]`,
			want: "duplicate channel role",
		},
		{
			name: "port clash",
			yaml: `
arms:
  - side: left
    backend: direct
    channel: left
channel_roles: [left]
ports:
  command: 5555
  observation: 5555`,
			want: "port clash",
		},
		{
			name: "loop frequency out of range",
			yaml: `
arms:
  - side: left
    backend: direct
    channel: left
channel_roles: [left]
max_loop_freq_hz: 5000`,
			want: "max_loop_freq_hz",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
			var fe *fault.Error
			if !errors.As(err, &fe) || fe.Type != fault.TypeConfig {
				t.Errorf("expected a config error, got %v", err)
			}
		})
	}
}

func TestLoopPeriod(t *testing.T) {
	cfg := Default()
	if got := cfg.LoopPeriod(); got != time.Second/60 {
		t.Errorf("LoopPeriod = %v, want %v", got, time.Second/60)
	}
}

func TestArmPortsStride(t *testing.T) {
	cfg := Default()

	left := cfg.ArmPorts(0)
	right := cfg.ArmPorts(1)

	if left.Command != 5555 || right.Command != 5565 {
		t.Errorf("command ports = %d, %d", left.Command, right.Command)
	}
	if left.ObservationPub != 5558 || right.ObservationPub != 5568 {
		t.Errorf("observation pub ports = %d, %d", left.ObservationPub, right.ObservationPub)
	}
	// Shared streams do not stride.
	if left.Enable != right.Enable || left.HTTP != right.HTTP {
		t.Error("enable and http ports must be shared across arms")
	}
}

func TestArmFor(t *testing.T) {
	cfg := Default()

	arm, ok := cfg.ArmFor(models.SideRight)
	if !ok || arm.Channel != "right" {
		t.Errorf("ArmFor(right) = %+v, %v", arm, ok)
	}
	if _, ok := cfg.ArmFor("middle"); ok {
		t.Error("ArmFor should reject unknown sides")
	}
}
