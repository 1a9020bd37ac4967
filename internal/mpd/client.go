package mpd

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/btaudio/btaudiod/internal/kinderr"
)

// controlClient is a minimal client for MPD's line-oriented control
// protocol. No third-party MPD client library appears anywhere in the
// examples pack (see DESIGN.md's internal/mpd entry), so this talks the
// wire format directly over net/bufio — the protocol is a handful of
// newline-terminated commands answered by "OK\n" or "ACK ...\n", not
// worth a dependency of its own.
type controlClient struct {
	conn net.Conn
	r    *bufio.Reader
}

const dialTimeout = 2 * time.Second

// dialControlClient connects to a device's MPD instance and consumes
// its greeting banner ("OK MPD <version>").
func dialControlClient(ctx context.Context, port int) (*controlClient, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.MpdFailed, "mpd-dial", "cannot connect to MPD control port")
	}

	c := &controlClient{conn: conn, r: bufio.NewReader(conn)}
	greeting, err := c.r.ReadString('\n')
	if err != nil || !strings.HasPrefix(greeting, "OK MPD") {
		conn.Close()
		return nil, kinderr.New(kinderr.MpdFailed, "mpd-greeting", "MPD did not send the expected greeting")
	}
	return c, nil
}

func (c *controlClient) Close() error { return c.conn.Close() }

// command sends one line and reads until "OK"/"ACK ...", per MPD's
// protocol: every response is a (possibly empty) block of key: value
// lines terminated by one of those two markers.
func (c *controlClient) command(cmd string) ([]string, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\n", cmd); err != nil {
		return nil, kinderr.Wrap(err, kinderr.MpdFailed, "mpd-command", "cannot write to MPD control connection")
	}

	var lines []string
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, kinderr.Wrap(err, kinderr.MpdFailed, "mpd-command", "MPD control connection closed mid-response")
		}
		line = strings.TrimRight(line, "\n")
		if line == "OK" {
			return lines, nil
		}
		if strings.HasPrefix(line, "ACK ") {
			return nil, kinderr.New(kinderr.MpdFailed, "mpd-command", "MPD rejected "+cmd+": "+line)
		}
		lines = append(lines, line)
	}
}

func (c *controlClient) Play() error     { _, err := c.command("play"); return err }
func (c *controlClient) Pause() error    { _, err := c.command("pause 1"); return err }
func (c *controlClient) Stop() error     { _, err := c.command("stop"); return err }
func (c *controlClient) Next() error     { _, err := c.command("next"); return err }
func (c *controlClient) Previous() error { _, err := c.command("previous"); return err }

// Shutdown sends MPD's "kill" command, which terminates the server
// process with no acknowledgement, and closes the connection.
func (c *controlClient) Shutdown() error {
	_, err := fmt.Fprintf(c.conn, "kill\n")
	c.conn.Close()
	return err
}

// SetVolume sets MPD's software/hardware volume mix (0-100), applied
// once on first start per spec §4.8.
func (c *controlClient) SetVolume(pct int) error {
	_, err := c.command("setvol " + strconv.Itoa(pct))
	return err
}
