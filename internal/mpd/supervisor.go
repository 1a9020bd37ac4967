// Package mpd implements spec §4.8's MpdSupervisor: one MPD process per
// connected device with mpd_enabled, its config generated to point at
// the device's PulseAudio sink, restarted on crash within a bounded
// budget, and exposing a transport-command surface AVRCP callbacks
// route into.
//
// Grounded on ampli-pi4/internal/streams/base.go's SubprocStream
// (config-dir-per-resource, findBinary, writeFileAtomic) for process
// lifecycle shape, and its supervisor.go's fail-count/backoff
// bookkeeping for the crash-restart budget, adapted from "keep
// restarting forever with growing backoff" to spec §4.8's fixed
// "≤3 attempts in 60s, then give up and surface MpdFailed" rule.
package mpd

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/model"
)

const (
	binaryName       = "mpd"
	maxCrashes       = 3
	crashWindow      = 60 * time.Second
	controlDialRetry = 50 * time.Millisecond
	controlDialLimit = 3 * time.Second
	stopTimeout      = 5 * time.Second
)

// Supervisor owns one device's MPD process, its generated config, and
// the control-protocol client used to route transport commands to it.
type Supervisor struct {
	address     model.Address
	port        int
	sinkName    string
	hwVolumePct int
	runtimeDir  string
	scriptsDir  string
	runner      ProcessRunner

	mu         sync.Mutex
	paths      configPaths
	proc       Process
	client     *controlClient
	running    bool
	volumeSet  bool
	crashTimes []time.Time
	stopped    chan struct{}
	failed     bool
}

// NewSupervisor builds a Supervisor for address, bound to port, whose
// audio output targets sinkName. runner defaults to spawning real
// processes; pass a fake in tests.
func NewSupervisor(address model.Address, port int, sinkName string, hwVolumePct int, runtimeDir, scriptsDir string, runner ProcessRunner) *Supervisor {
	if runner == nil {
		runner = execRunner{}
	}
	return &Supervisor{
		address:     address,
		port:        port,
		sinkName:    sinkName,
		hwVolumePct: hwVolumePct,
		runtimeDir:  runtimeDir,
		scriptsDir:  scriptsDir,
		runner:      runner,
	}
}

// Start writes the device's config, spawns mpd, connects a control
// client, and applies hw_volume_pct once (spec §4.8 "on first start
// only"). A failed spawn at Start time is returned directly rather than
// counted against the crash budget — the budget covers crashes of an
// already-running process.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	paths, err := buildConfigPaths(s.runtimeDir, s.address)
	if err != nil {
		return kinderr.Wrap(err, kinderr.MpdFailed, "mpd-config-dir", "cannot create MPD config directory")
	}
	if err := writeConfig(paths, s.port, s.sinkName, s.address); err != nil {
		return kinderr.Wrap(err, kinderr.MpdFailed, "mpd-write-config", "cannot write MPD config")
	}
	s.paths = paths

	if err := s.spawnLocked(ctx); err != nil {
		return err
	}

	s.running = true
	s.stopped = make(chan struct{})
	go s.supervise(ctx)
	return nil
}

func (s *Supervisor) spawnLocked(ctx context.Context) error {
	binary := findBinary(binaryName, s.scriptsDir)
	proc, err := s.runner.Start(ctx, binary, []string{"--no-daemon", s.paths.confFile})
	if err != nil {
		return kinderr.Wrap(err, kinderr.MpdFailed, "mpd-spawn", "cannot start MPD for "+s.address.String())
	}
	s.proc = proc

	client, err := s.connectWithRetry(ctx)
	if err != nil {
		_ = proc.Kill()
		s.proc = nil
		return err
	}
	s.client = client

	if !s.volumeSet {
		if err := client.SetVolume(s.hwVolumePct); err != nil {
			slog.Warn("mpd setvol failed", "address", s.address, "err", err)
		}
		s.volumeSet = true
	}
	return nil
}

func (s *Supervisor) connectWithRetry(ctx context.Context) (*controlClient, error) {
	deadline := time.Now().Add(controlDialLimit)
	var lastErr error
	for time.Now().Before(deadline) {
		client, err := dialControlClient(ctx, s.port)
		if err == nil {
			return client, nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(controlDialRetry):
		}
	}
	return nil, lastErr
}

// supervise waits for the process to exit and restarts it, within the
// ≤3-crashes-in-60s budget (spec §4.8). Exceeding the budget surfaces
// MpdFailed and leaves the Supervisor stopped but the owning device
// otherwise connected — callers check Failed() to reflect the degraded
// state in devices_changed.
func (s *Supervisor) supervise(ctx context.Context) {
	for {
		s.mu.Lock()
		proc := s.proc
		stopped := s.stopped
		s.mu.Unlock()
		if proc == nil {
			return
		}

		err := proc.Wait()

		select {
		case <-stopped:
			return
		default:
		}

		s.mu.Lock()
		if !s.running {
			s.mu.Unlock()
			return
		}

		now := time.Now()
		s.crashTimes = append(s.crashTimes, now)
		s.crashTimes = withinWindow(s.crashTimes, now, crashWindow)

		if len(s.crashTimes) > maxCrashes {
			s.failed = true
			s.running = false
			s.client = nil
			s.proc = nil
			s.mu.Unlock()
			slog.Warn("mpd crashed too many times, giving up", "address", s.address, "err", err)
			return
		}

		slog.Warn("mpd crashed, restarting", "address", s.address, "err", err, "crash_count", len(s.crashTimes))
		if respawnErr := s.spawnLocked(ctx); respawnErr != nil {
			s.failed = true
			s.running = false
			s.mu.Unlock()
			slog.Warn("mpd restart spawn failed, giving up", "address", s.address, "err", respawnErr)
			return
		}
		s.mu.Unlock()
	}
}

func withinWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	out := times[:0]
	for _, t := range times {
		if now.Sub(t) <= window {
			out = append(out, t)
		}
	}
	return out
}

// Failed reports whether the crash-restart budget was exhausted (spec
// §4.8: "surface MpdFailed and leave the device otherwise connected").
func (s *Supervisor) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Stop gracefully shuts the daemon down and removes its transient
// files.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.running {
		paths := s.paths
		s.mu.Unlock()
		return removeAll(paths)
	}
	close(s.stopped)
	s.running = false
	client := s.client
	proc := s.proc
	paths := s.paths
	s.client = nil
	s.proc = nil
	s.mu.Unlock()

	if client != nil {
		_ = client.Shutdown()
	}
	if proc != nil {
		done := make(chan struct{})
		go func() { proc.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(stopTimeout):
			_ = proc.Kill()
		}
	}
	return removeAll(paths)
}

func (s *Supervisor) withClient(fn func(*controlClient) error) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return kinderr.New(kinderr.MpdFailed, "mpd-command", "MPD is not running for "+s.address.String())
	}
	return fn(client)
}

// Play/Pause/Next/Previous route AVRCP transport commands (spec §4.8
// "routes subsequent transport commands... to this client when the
// device's AVRCP callback fires").
func (s *Supervisor) Play() error     { return s.withClient((*controlClient).Play) }
func (s *Supervisor) Pause() error    { return s.withClient((*controlClient).Pause) }
func (s *Supervisor) Next() error     { return s.withClient((*controlClient).Next) }
func (s *Supervisor) Previous() error { return s.withClient((*controlClient).Previous) }
