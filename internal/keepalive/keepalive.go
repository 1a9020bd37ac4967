// Package keepalive implements the per-device near-silent audio burst
// (spec §4.7): every 5 seconds it pipes ~1 second of PCM to the sink
// through a short-lived "pacat"-style subprocess, so a connected speaker
// never enters its own standby while idle.
//
// Grounded on ampli-pi4/internal/streams/base.go's process-lifecycle
// idiom (findBinary's PATH → /usr/bin → bundled-scripts-dir fallback,
// writeFileAtomic-adjacent "build once, reuse" config handling) and its
// supervisor.go's fail-count/backoff shape, generalized here from a
// long-running supervised daemon to a periodic one-shot spawn: each tick
// is its own process rather than one process supervised across its
// whole lifetime, so the state machine tracks consecutive tick failures
// rather than process restarts.
package keepalive

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/btaudio/btaudiod/internal/model"
)

const (
	normalInterval   = 5 * time.Second
	degradedInterval = 30 * time.Second
	burstDuration    = time.Second
	sampleRate       = 44100
	failsToDegrade   = 3
	spawnTimeout     = 3 * time.Second
	stopDrain        = 2 * time.Second
)

// binaryName is the pacat-equivalent playback tool spec §6 describes:
// a command accepting raw PCM on stdin and a --device selecting the
// PulseAudio sink by name.
const binaryName = "pacat"

// KeepAlive periodically streams near-silent audio to one device's sink
// until Stop is called. Not safe for concurrent Start/Stop from
// multiple goroutines; the coordinator owns one KeepAlive per address
// behind its per-device lock.
type KeepAlive struct {
	address    model.Address
	sinkName   string
	method     model.KeepAliveMethod
	scriptsDir string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds a KeepAlive targeting sinkName with the given method.
// scriptsDir is consulted as a last-resort binary location (bundled
// alongside the daemon) if pacat is not found on PATH or in /usr/bin.
func New(address model.Address, sinkName string, method model.KeepAliveMethod, scriptsDir string) *KeepAlive {
	return &KeepAlive{
		address:    address,
		sinkName:   sinkName,
		method:     method,
		scriptsDir: scriptsDir,
	}
}

// Start begins the wake-every-5s loop. Calling Start on an already
// running KeepAlive is a no-op.
func (k *KeepAlive) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	k.cancel = cancel
	k.done = make(chan struct{})
	k.running = true

	go k.run(loopCtx, k.done)
}

// Stop cancels the loop and waits up to 2s for any in-flight spawn to
// exit (spec §4.7). Safe to call on a KeepAlive that was never started
// or is already stopped.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return
	}
	cancel := k.cancel
	done := k.done
	k.running = false
	k.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-time.After(stopDrain):
		slog.Warn("keepalive stop timed out waiting for in-flight burst", "address", k.address)
	}
}

func (k *KeepAlive) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	interval := normalInterval
	fails := 0

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := k.burst(ctx); err != nil {
			fails++
			slog.Warn("keepalive burst failed", "address", k.address, "sink", k.sinkName, "consecutive_fails", fails, "err", err)
			if fails >= failsToDegrade {
				interval = degradedInterval
			}
		} else {
			fails = 0
			interval = normalInterval
		}

		timer.Reset(interval)
	}
}

// burst spawns one pacat-equivalent process and pipes a fixed-size PCM
// payload to its stdin.
func (k *KeepAlive) burst(ctx context.Context) error {
	binary := findBinary(binaryName, k.scriptsDir)

	burstCtx, cancel := context.WithTimeout(ctx, spawnTimeout)
	defer cancel()

	cmd := exec.CommandContext(burstCtx, binary, "--device="+k.sinkName, "--raw")
	cmd.Stdin = bytes.NewReader(pcmBurst(k.method))

	return cmd.Run()
}

// pcmBurst renders burstDuration of 16-bit signed little-endian mono
// PCM at sampleRate: all zeros for silence, a low-amplitude 2Hz sine for
// infrasound (spec §4.7).
func pcmBurst(method model.KeepAliveMethod) []byte {
	frames := int(burstDuration.Seconds() * sampleRate)
	buf := make([]byte, frames*2)

	if method != model.KeepAliveInfrasound {
		return buf
	}

	const freqHz = 2.0
	const amplitude = 2000 // low amplitude relative to full-scale int16

	for i := 0; i < frames; i++ {
		t := float64(i) / sampleRate
		sample := int16(amplitude * math.Sin(2*math.Pi*freqHz*t))
		buf[2*i] = byte(sample)
		buf[2*i+1] = byte(sample >> 8)
	}
	return buf
}

// findBinary resolves the pacat-equivalent tool: PATH, then /usr/bin,
// then a bundled scripts directory, then the bare name as a last
// resort (letting exec.Cmd's own lookup produce the final error).
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
