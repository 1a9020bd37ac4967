package mpd

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
)

// Process is a running subprocess handle, abstracted so tests can
// substitute a fake without spawning a real mpd binary (SPEC_FULL's
// mpd.ProcessRunner fake, in the spirit of ampli-pi4's
// internal/hardware/mock.go Driver fake).
type Process interface {
	Wait() error
	Kill() error
	Pid() int
}

// ProcessRunner starts a subprocess given a binary and argument list.
type ProcessRunner interface {
	Start(ctx context.Context, binary string, args []string) (Process, error)
}

// NewExecRunner returns the real, os/exec-backed ProcessRunner for
// production wiring; tests substitute their own fake ProcessRunner
// instead.
func NewExecRunner() ProcessRunner { return execRunner{} }

// execRunner is the real ProcessRunner, spawning os/exec processes.
type execRunner struct{}

func (execRunner) Start(ctx context.Context, binary string, args []string) (Process, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// findBinary resolves the mpd binary the same way keepalive resolves
// pacat: PATH, then /usr/bin, then a bundled scripts directory.
func findBinary(name, scriptsDir string) string {
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	if candidate := filepath.Join("/usr/bin", name); fileExists(candidate) {
		return candidate
	}
	if scriptsDir != "" {
		if candidate := filepath.Join(scriptsDir, name); fileExists(candidate) {
			return candidate
		}
	}
	return name
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
