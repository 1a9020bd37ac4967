// Package daemonconfig is the process-level ambient configuration layer
// for cmd/btaudiod: data directory, log level override, PulseAudio
// socket override, HTTP control-api bind address, and mDNS instance
// name. It is deliberately separate from internal/model.GlobalSettings
// (the Store's domain state) — this layer governs how the process
// itself starts, not the devices it manages.
//
// Grounded on ui/config/config.go's koanf load order: an optional hjson
// file first, then urfave/cli/v2 flags via cliflagv2 layered on top so a
// flag always wins over the file. Environment variable support comes for
// free the same way the teacher gets it — each cli.Flag below declares
// its own EnvVars, and cliflagv2.Provider reads the already-resolved
// cli.Context, so no separate koanf env provider is needed.
package daemonconfig

import (
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/hjson"
	"github.com/knadh/koanf/providers/cliflagv2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
)

// Values holds every process-level setting.
type Values struct {
	DataDir     string `koanf:"data-dir"`
	LogLevel    string `koanf:"log-level"`
	PulseServer string `koanf:"pulse-server"`
	HTTPAddr    string `koanf:"http-addr"`
	MDNSName    string `koanf:"mdns-name"`
}

// defaultDataDir mirrors the teacher's createConfigDir fallback chain,
// simplified to a single XDG-style path since this daemon has no TUI
// config directory convention of its own to inherit.
func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "btaudiod")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "btaudiod")
}

// Flags are the cmd/btaudiod CLI flags this package's Load reads back
// out of, grounded on cmd/cli.go's flag table (name/alias/env triples).
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "data-dir",
			Aliases: []string{"d"},
			EnvVars: []string{"BTAUDIOD_DATA_DIR"},
			Value:   defaultDataDir(),
			Usage:   "Directory for paired_devices.json and settings.json.",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			EnvVars: []string{"BTAUDIOD_LOG_LEVEL", "LOG_LEVEL"},
			Usage:   "Override settings.json's log_level at startup (debug, info, warning, error).",
		},
		&cli.StringFlag{
			Name:    "pulse-server",
			EnvVars: []string{"BTAUDIOD_PULSE_SERVER", "PULSE_SERVER"},
			Usage:   "PulseAudio server address override (default: resolved the same way pactl does).",
		},
		&cli.StringFlag{
			Name:    "http-addr",
			EnvVars: []string{"BTAUDIOD_HTTP_ADDR"},
			Value:   "127.0.0.1:8420",
			Usage:   "Bind address for the ControlApi HTTP+SSE binding.",
		},
		&cli.StringFlag{
			Name:    "mdns-name",
			EnvVars: []string{"BTAUDIOD_MDNS_NAME"},
			Value:   "btaudiod",
			Usage:   "mDNS instance name to advertise the control-api port under; empty disables advertisement.",
		},
	}
}

// configFile is the optional on-disk override file, read before flags
// so a flag or env var always wins.
const configFile = "btaudiod.hjson"

// Load layers an optional <data-dir>/btaudiod.hjson file, then
// cliCtx's already-resolved flags (flag > env var > flag default, per
// urfave/cli's own precedence) on top.
func Load(cliCtx *cli.Context) (Values, error) {
	k := koanf.New(".")

	dataDir := cliCtx.String("data-dir")
	if dataDir == "" {
		dataDir = defaultDataDir()
	}
	cfgPath := filepath.Join(dataDir, configFile)
	if _, err := os.Stat(cfgPath); err == nil {
		if err := k.Load(file.Provider(cfgPath), hjson.Parser()); err != nil {
			return Values{}, err
		}
	}

	if err := k.Load(cliflagv2.Provider(cliCtx, "."), nil); err != nil {
		return Values{}, err
	}

	var v Values
	if err := k.UnmarshalWithConf("", &v, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return Values{}, err
	}
	if v.DataDir == "" {
		v.DataDir = dataDir
	}
	return v, nil
}
