package mpd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btaudio/btaudiod/internal/model"
)

// configTemplate is the minimal MPD config this daemon generates per
// device: a PulseAudio output pointed at the device's BlueZ sink, a
// dedicated loopback control port, and no library scanning (the
// source is always a live AVRCP/A2DP stream, never a music directory).
const configTemplate = `music_directory		"%s"
playlist_directory	"%s"
db_file			"%s"
log_file		"%s"
pid_file		"%s"
state_file		"%s"
port			"%d"
bind_to_address		"127.0.0.1"

audio_output {
	type		"pulse"
	name		"%s"
	sink		"%s"
}
`

// configPaths is every path writeConfig generates underneath a
// device's runtime directory.
type configPaths struct {
	dir       string
	confFile  string
	pidFile   string
	stateFile string
	logFile   string
	dbFile    string
	emptyDir  string
}

// buildConfigPaths mirrors ampli-pi4/internal/streams/base.go's
// buildConfigDir, one directory per managed resource (here, per
// address) instead of per virtual source index.
func buildConfigPaths(runtimeDir string, addr model.Address) (configPaths, error) {
	dir := filepath.Join(runtimeDir, "mpd", strings.ReplaceAll(addr.String(), ":", "_"))
	empty := filepath.Join(dir, "empty")
	if err := os.MkdirAll(empty, 0o755); err != nil {
		return configPaths{}, fmt.Errorf("mpd config dir %s: %w", dir, err)
	}
	return configPaths{
		dir:       dir,
		confFile:  filepath.Join(dir, "mpd.conf"),
		pidFile:   filepath.Join(dir, "mpd.pid"),
		stateFile: filepath.Join(dir, "state"),
		logFile:   filepath.Join(dir, "mpd.log"),
		dbFile:    filepath.Join(dir, "mpd.db"),
		emptyDir:  empty,
	}, nil
}

// writeConfig renders configTemplate and writes it atomically (spec §4.1's
// temp+rename idiom, reused here for any file the daemon generates and
// then hands to a subprocess).
func writeConfig(paths configPaths, port int, sinkName string, addr model.Address) error {
	outputName := "btaudiod-" + addr.Underscored()
	body := fmt.Sprintf(configTemplate,
		paths.emptyDir, paths.dir, paths.dbFile, paths.logFile, paths.pidFile, paths.stateFile,
		port, outputName, sinkName,
	)
	return writeFileAtomic(paths.confFile, []byte(body))
}

func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// removeAll deletes a device's transient MPD files on Stop (spec §4.8
// "removes transient files").
func removeAll(paths configPaths) error {
	return os.RemoveAll(paths.dir)
}
