// Command btaudiod is the Bluetooth audio management daemon described
// throughout SPEC_FULL.md: it owns device lifecycle, reconnection,
// PulseAudio sink polling/idle modes, MPD supervision, and exposes
// ControlApi over a loopback HTTP+SSE binding.
//
// Grounded on cmd/amplipi/main.go's shutdown-context/init-or-exit
// sequencing and cmd/cli.go's urfave/cli/v2 App shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/urfave/cli/v2"

	"github.com/btaudio/btaudiod/internal/bluez"
	"github.com/btaudio/btaudiod/internal/controlapi"
	"github.com/btaudio/btaudiod/internal/coordinator"
	"github.com/btaudio/btaudiod/internal/daemonconfig"
	"github.com/btaudio/btaudiod/internal/eventbus"
	"github.com/btaudio/btaudiod/internal/httpapi"
	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/logging"
	"github.com/btaudio/btaudiod/internal/model"
	"github.com/btaudio/btaudiod/internal/pulse"
	"github.com/btaudio/btaudiod/internal/store"
)

// Version/Revision are set at build time, per cmd/cli.go's convention.
var (
	Version  = "dev"
	Revision = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	app := &cli.App{
		Name:                   "btaudiod",
		Usage:                  "Bluetooth audio management daemon.",
		Version:                Version + " (" + Revision + ")",
		Compiled:               time.Now(),
		UseShortOptionHandling: true,
		Flags:                  daemonconfig.Flags(),
	}

	exitCode := coordinator.ExitOK
	app.Action = func(cliCtx *cli.Context) error {
		code, err := runDaemon(cliCtx)
		exitCode = code
		return err
	}
	app.ExitErrHandler = func(_ *cli.Context, err error) {
		if err != nil {
			fmt.Fprintln(os.Stderr, "btaudiod:", err)
		}
	}

	if err := app.Run(os.Args); err != nil && exitCode == coordinator.ExitOK {
		exitCode = coordinator.ExitFatalInit
	}
	return exitCode
}

// runDaemon wires every subsystem together and blocks until shutdown.
// Its int return is the process exit code spec §6 assigns; the error
// return is surfaced through cli.App's ExitErrHandler for a one-line
// diagnostic.
func runDaemon(cliCtx *cli.Context) (int, error) {
	cfg, err := daemonconfig.Load(cliCtx)
	if err != nil {
		return coordinator.ExitFatalInit, fmt.Errorf("loading configuration: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return coordinator.ExitFatalInit, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}

	bus := eventbus.New()

	levelVar := new(slog.LevelVar)
	logger := logging.New(os.Stderr, levelVar, bus)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	devStore := store.New(cfg.DataDir, bus)
	if err := devStore.Load(ctx); err != nil {
		if kind, ok := kinderr.Of(err); ok && kind == kinderr.StoreCorrupt {
			logger.Error("store is corrupt, refusing to start", "error", err)
			return coordinator.ExitFatalInit, err
		}
		return coordinator.ExitFatalInit, fmt.Errorf("loading store: %w", err)
	}

	settings := devStore.Settings()
	levelVar.Set(logging.LevelFor(settings.LogLevel))
	if cfg.LogLevel != "" {
		levelVar.Set(logging.LevelFor(model.LogLevel(cfg.LogLevel)))
	}
	watchLogLevel(ctx, cfg.DataDir, devStore, levelVar, logger)

	approver := &loggingApprover{bus: bus, logger: logger}
	bluezMgr, err := bluez.NewManager(ctx, approver)
	if err != nil {
		if kind, ok := kinderr.Of(err); ok && kind == kinderr.DbusUnavailable {
			logger.Error("cannot reach D-Bus", "error", err)
			return coordinator.ExitDBusUnavailable, err
		}
		return coordinator.ExitFatalInit, fmt.Errorf("bluez init: %w", err)
	}
	defer bluezMgr.Close()

	if cfg.PulseServer != "" {
		os.Setenv("PULSE_SERVER", cfg.PulseServer)
	}
	pulseCl, err := pulse.Connect(ctx)
	if err != nil {
		if kind, ok := kinderr.Of(err); ok && kind == kinderr.PulseUnavailable {
			logger.Error("cannot reach PulseAudio", "error", err)
			return coordinator.ExitPulseUnavailable, err
		}
		return coordinator.ExitFatalInit, fmt.Errorf("pulse init: %w", err)
	}
	defer pulseCl.Close()

	coord := coordinator.New(coordinator.Config{
		Store:      devStore,
		Bus:        bus,
		Bluez:      coordinator.NewBluezSession(bluezMgr),
		Pulse:      pulseCl,
		Mpris:      nil, // AVRCP metadata relay is opt-in infra this daemon does not enable by default
		RuntimeDir: runtimeDirFor(cfg.DataDir),
		ScriptsDir: cfg.DataDir,
	})
	if err := coord.Start(ctx); err != nil {
		var restartErr *coordinator.RestartRequiredError
		if errors.As(err, &restartErr) {
			logger.Info("adapter switch requires a restart")
			return restartErr.Code, nil
		}
		logger.Error("coordinator failed to start", "error", err)
		return coordinator.ExitFatalInit, err
	}
	defer coord.Shutdown()

	api := controlapi.New(coord, bus)
	server := httpapi.New(cfg.HTTPAddr, api, cfg.MDNSName)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	restarting := make(chan struct{})
	switchSub := bus.Subscribe(eventbus.TopicAdapterSwitchRequired)
	defer switchSub.Unsubscribe()
	go func() {
		select {
		case <-switchSub.C:
			close(restarting)
			stop()
		case <-runCtx.Done():
		}
	}()

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run(runCtx) }()

	logger.Info("btaudiod started", "data_dir", cfg.DataDir, "http_addr", cfg.HTTPAddr)

	select {
	case <-runCtx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error("http server exited", "error", err)
			return coordinator.ExitFatalInit, err
		}
	}

	select {
	case <-restarting:
		return coordinator.ExitRestartRequired, nil
	default:
		return coordinator.ExitOK, nil
	}
}

// runtimeDirFor returns the directory MPD control sockets are created
// under, preferring XDG_RUNTIME_DIR the way systemd user services
// expect, falling back to a subdirectory of the data dir.
func runtimeDirFor(dataDir string) string {
	if rd := os.Getenv("XDG_RUNTIME_DIR"); rd != "" {
		return rd
	}
	return dataDir
}

// watchLogLevel applies settings.json's log_level live on every change,
// the one field spec §6 allows to reload without a restart. Grounded on
// ampli-pi4/internal/auth/service.go's fsnotify-watch-the-directory
// pattern (watching the directory, not the file, survives editors that
// replace-on-save rather than write-in-place).
func watchLogLevel(ctx context.Context, dataDir string, st store.Store, levelVar *slog.LevelVar, logger *slog.Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("could not create fsnotify watcher for log-level reload", "error", err)
		return
	}
	if err := watcher.Add(dataDir); err != nil {
		logger.Warn("could not watch data dir for log-level reload", "error", err)
		watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				levelVar.Set(logging.LevelFor(st.Settings().LogLevel))
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("fsnotify error", "error", err)
			}
		}
	}()
}

// loggingApprover implements bluez.AuthApprover, publishing every
// auto-approved pairing request as a status event (spec §4.3 "Pairing
// agent").
type loggingApprover struct {
	bus    *eventbus.Bus
	logger *slog.Logger
}

func (a *loggingApprover) Approved(addr model.Address, method string) {
	a.logger.Info("auto-approved pairing request", "address", addr, "method", method)
	a.bus.Publish(eventbus.TopicStatus, "paired with "+addr.String()+" via "+method)
}
