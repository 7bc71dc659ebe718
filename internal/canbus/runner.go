package canbus

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Runner abstracts the host operations the lifecycle manager performs:
// running ip/tc/modprobe and touching sysfs. Tests substitute a fake.
type Runner interface {
	// Run executes a command and returns its combined output.
	Run(ctx context.Context, name string, args ...string) (string, error)

	// ReadFile reads a sysfs attribute.
	ReadFile(path string) (string, error)

	// WriteFile writes a sysfs attribute.
	WriteFile(path, contents string) error

	// Glob expands a filesystem pattern.
	Glob(pattern string) ([]string, error)
}

// execRunner is the production Runner backed by os/exec and the real
// filesystem. Commands get a hard timeout so a wedged ip invocation
// cannot stall a recovery episode.
type execRunner struct {
	timeout time.Duration
}

// NewExecRunner returns the production Runner.
func NewExecRunner() Runner {
	return &execRunner{timeout: 10 * time.Second}
}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w (%s)",
			name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (r *execRunner) ReadFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *execRunner) WriteFile(path, contents string) error {
	return os.WriteFile(path, []byte(contents), 0o644)
}

func (r *execRunner) Glob(pattern string) ([]string, error) {
	return filepath.Glob(pattern)
}
