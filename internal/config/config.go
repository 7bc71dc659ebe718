package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/robo-infra/armbus/internal/fault"
	"github.com/robo-infra/armbus/pkg/models"
)

// ArmConfig declares one follower arm.
type ArmConfig struct {
	Side    models.Side        `yaml:"side"`
	Backend models.BackendKind `yaml:"backend"`
	Channel string             `yaml:"channel"` // logical channel role
	// Endpoint of the remote hardware server, proxied backend only.
	ServerEndpoint string `yaml:"server_endpoint,omitempty"`
}

// PortConfig holds the messaging endpoints, one logical stream per port.
type PortConfig struct {
	Command        int `yaml:"command"`         // inbound commands (PULL)
	Observation    int `yaml:"observation"`     // outbound observations to teleop (PUSH)
	CommandPub     int `yaml:"command_pub"`     // command broadcast (PUB)
	ObservationPub int `yaml:"observation_pub"` // observation broadcast (PUB)
	Enable         int `yaml:"enable"`          // motor enable/status channel
	HTTP           int `yaml:"http"`            // health/status/metrics endpoint
}

// SupervisorConfig tunes the fault-recovery loop.
type SupervisorConfig struct {
	PollInterval      time.Duration     `yaml:"poll_interval"`
	DefaultMode       models.EnableMode `yaml:"default_mode"`
	MaxEnableAttempts int               `yaml:"max_enable_attempts"`
	MaxLadderEpisodes int               `yaml:"max_ladder_episodes"`
	SettleTime        time.Duration     `yaml:"settle_time"`
}

// Config is the single validated configuration object handed to every
// component at construction. Nothing reads process environment beyond
// the one load step in the CLI layer.
type Config struct {
	Arms []ArmConfig `yaml:"arms"`
	// Channel roles in binding order. Adapters are assigned positionally
	// in enumeration order.
	ChannelRoles []string `yaml:"channel_roles"`
	Bitrate      int      `yaml:"bitrate"`

	Ports PortConfig `yaml:"ports"`

	MaxLoopFreqHz  int           `yaml:"max_loop_freq_hz"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`

	Supervisor SupervisorConfig `yaml:"supervisor"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Default returns the configuration used when no file is given, matching
// the standard bimanual rig.
func Default() *Config {
	cfg := &Config{
		Arms: []ArmConfig{
			{Side: models.SideLeft, Backend: models.BackendDirect, Channel: "left"},
			{Side: models.SideRight, Backend: models.BackendDirect, Channel: "right"},
		},
		ChannelRoles: []string{"left", "right"},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.ConfigError("failed to read config file", err)
	}
	return Parse(data)
}

// Parse parses and validates YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fault.ConfigError("failed to parse config file", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Bitrate == 0 {
		c.Bitrate = 1_000_000
	}
	if c.Ports.Command == 0 {
		c.Ports.Command = 5555
	}
	if c.Ports.Observation == 0 {
		c.Ports.Observation = 5556
	}
	if c.Ports.CommandPub == 0 {
		c.Ports.CommandPub = 5557
	}
	if c.Ports.ObservationPub == 0 {
		c.Ports.ObservationPub = 5558
	}
	if c.Ports.Enable == 0 {
		c.Ports.Enable = 5559
	}
	if c.Ports.HTTP == 0 {
		c.Ports.HTTP = 8090
	}
	if c.MaxLoopFreqHz == 0 {
		c.MaxLoopFreqHz = 60
	}
	if c.ReceiveTimeout == 0 {
		c.ReceiveTimeout = 35 * time.Millisecond
	}
	if c.Supervisor.PollInterval == 0 {
		c.Supervisor.PollInterval = time.Second
	}
	if c.Supervisor.DefaultMode == "" {
		c.Supervisor.DefaultMode = models.EnablePartial
	}
	if c.Supervisor.MaxEnableAttempts == 0 {
		c.Supervisor.MaxEnableAttempts = 100
	}
	if c.Supervisor.MaxLadderEpisodes == 0 {
		c.Supervisor.MaxLadderEpisodes = 2
	}
	if c.Supervisor.SettleTime == 0 {
		c.Supervisor.SettleTime = 200 * time.Millisecond
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for fatal errors. A failing
// validation aborts startup; there is no partial operation.
func (c *Config) Validate() error {
	if len(c.Arms) == 0 {
		return fault.ConfigError("no arms configured", nil)
	}

	seenSides := make(map[models.Side]bool)
	roles := make(map[string]bool)
	for _, role := range c.ChannelRoles {
		if roles[role] {
			return fault.ConfigError(fmt.Sprintf("duplicate channel role %q", role), nil)
		}
		roles[role] = true
	}

	for _, arm := range c.Arms {
		if !arm.Side.Valid() {
			return fault.ConfigError(fmt.Sprintf("invalid arm side %q", arm.Side), nil)
		}
		if seenSides[arm.Side] {
			return fault.ConfigError(fmt.Sprintf("duplicate arm side %q", arm.Side), nil)
		}
		seenSides[arm.Side] = true

		if !arm.Backend.Valid() {
			return fault.ConfigError(fmt.Sprintf("invalid backend %q for %s arm", arm.Backend, arm.Side), nil)
		}
		if arm.Backend == models.BackendProxied && arm.ServerEndpoint == "" {
			return fault.ConfigError(fmt.Sprintf("%s arm uses proxied backend but has no server_endpoint", arm.Side), nil)
		}
		if arm.Backend == models.BackendDirect && !roles[arm.Channel] {
			return fault.ConfigError(fmt.Sprintf("%s arm references unknown channel role %q", arm.Side, arm.Channel), nil)
		}
	}

	if !c.Supervisor.DefaultMode.Valid() {
		return fault.ConfigError(fmt.Sprintf("invalid default enable mode %q", c.Supervisor.DefaultMode), nil)
	}

	ports := map[string]int{
		"command":         c.Ports.Command,
		"observation":     c.Ports.Observation,
		"command_pub":     c.Ports.CommandPub,
		"observation_pub": c.Ports.ObservationPub,
		"enable":          c.Ports.Enable,
		"http":            c.Ports.HTTP,
	}
	used := make(map[int]string)
	for name, port := range ports {
		if port < 1 || port > 65535 {
			return fault.ConfigError(fmt.Sprintf("port %s out of range: %d", name, port), nil)
		}
		if other, clash := used[port]; clash {
			return fault.ConfigError(fmt.Sprintf("port clash: %s and %s both use %d", name, other, port), nil)
		}
		used[port] = name
	}

	if c.MaxLoopFreqHz < 1 || c.MaxLoopFreqHz > 1000 {
		return fault.ConfigError(fmt.Sprintf("max_loop_freq_hz out of range: %d", c.MaxLoopFreqHz), nil)
	}

	return nil
}

// armPortStride spaces the per-arm socket sets: the arm at position n in
// the Arms list offsets its command and observation ports by n*10. The
// enable and HTTP ports are shared across arms.
const armPortStride = 10

// ArmPorts returns the socket ports for the arm at position idx.
func (c *Config) ArmPorts(idx int) PortConfig {
	offset := idx * armPortStride
	p := c.Ports
	p.Command += offset
	p.Observation += offset
	p.CommandPub += offset
	p.ObservationPub += offset
	return p
}

// LoopPeriod derives the relay loop period from the frequency cap.
func (c *Config) LoopPeriod() time.Duration {
	return time.Second / time.Duration(c.MaxLoopFreqHz)
}

// ArmFor returns the arm configuration for a side.
func (c *Config) ArmFor(side models.Side) (ArmConfig, bool) {
	for _, arm := range c.Arms {
		if arm.Side == side {
			return arm, true
		}
	}
	return ArmConfig{}, false
}
