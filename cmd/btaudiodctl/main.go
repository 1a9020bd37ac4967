// Command btaudiodctl is a thin HTTP client over btaudiod's ControlApi
// binding (internal/httpapi), giving an operator the same command
// table a future GUI or the daemon's own reconnect logic would drive
// programmatically.
//
// Grounded on cmd/cli.go's urfave/cli/v2 App shape and cmd/printer.go's
// fatih/color warning/error style, extended with mitchellh/colorstring
// for inline-tagged table rows and schollz/progressbar/v3 to visualize
// a scan's remaining duration.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"
)

var (
	Version  = "dev"
	Revision = "unknown"
)

// printWarn prints a warning to the screen, in cmd/printer.go's style.
func printWarn(message string) {
	color.New(color.FgYellow, color.Bold).Println("[-] " + message)
}

// printError prints an error to the screen, in cmd/printer.go's style.
func printError(err error) {
	color.New(color.FgRed, color.Bold).Println("[!] " + err.Error())
}

func main() {
	app := &cli.App{
		Name:                   "btaudiodctl",
		Usage:                  "Control a running btaudiod daemon.",
		Version:                Version + " (" + Revision + ")",
		UseShortOptionHandling: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				EnvVars: []string{"BTAUDIOCTL_ADDR"},
				Value:   "http://127.0.0.1:8420",
				Usage:   "Base URL of the btaudiod ControlApi HTTP binding.",
			},
		},
		Commands: []*cli.Command{
			devicesCommand,
			adaptersCommand,
			setAdapterCommand,
			scanCommand,
			pairCommand,
			connectCommand,
			disconnectCommand,
			forgetCommand,
			forceReconnectCommand,
			updateSettingsCommand,
			settingsCommand,
			restartCommand,
			watchCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		printError(err)
		os.Exit(1)
	}
}

// client is a minimal HTTP wrapper around the ControlApi endpoints,
// grounded on the teacher's session.NewSession()/s.Start() one-shot
// command pattern in cmd/cli.go: every invocation here is equally
// one-shot, so no persistent connection state is kept beyond base.
type client struct {
	base string
	http *http.Client
}

func clientFrom(cCtx *cli.Context) *client {
	return &client{base: strings.TrimRight(cCtx.String("addr"), "/"), http: &http.Client{Timeout: 10 * time.Second}}
}

// apiError mirrors internal/controlapi.Error's wire shape without
// importing the daemon package into the CLI binary.
type apiError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

func (e *apiError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (did you mean %s?)", e.Message, e.Suggestion)
	}
	return e.Message
}

func (c *client) do(method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting btaudiod at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return &apiErr
		}
		return fmt.Errorf("btaudiod returned %s", resp.Status)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func addrArg(cCtx *cli.Context) (string, error) {
	addr := cCtx.Args().First()
	if addr == "" {
		return "", fmt.Errorf("a device address argument is required")
	}
	return addr, nil
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List every managed device and its live state.",
	Action: func(cCtx *cli.Context) error {
		var devices []map[string]any
		if err := clientFrom(cCtx).do(http.MethodGet, "/api/devices", nil, &devices); err != nil {
			return err
		}
		if len(devices) == 0 {
			printWarn("no devices paired")
			return nil
		}
		for _, d := range devices {
			connected := "disconnected"
			if c, _ := d["Connected"].(bool); c {
				connected = "connected"
			}
			colorstring.Printf("[bold]%v[reset]  %v  [cyan]%v[reset]\n", d["address"], d["name"], connected)
		}
		return nil
	},
}

var adaptersCommand = &cli.Command{
	Name:  "adapters",
	Usage: "List BlueZ adapters visible to btaudiod.",
	Action: func(cCtx *cli.Context) error {
		var adapters []map[string]any
		if err := clientFrom(cCtx).do(http.MethodGet, "/api/adapters", nil, &adapters); err != nil {
			return err
		}
		for _, a := range adapters {
			state := "[red]off[reset]"
			if on, _ := a["Powered"].(bool); on {
				state = "[green]on[reset]"
			}
			colorstring.Printf("%v  %v  "+state+"\n", a["Address"], a["Alias"])
		}
		return nil
	},
}

var setAdapterCommand = &cli.Command{
	Name:      "set-adapter",
	Usage:     "Select an adapter by address, adapter name (e.g. hci0), or \"auto\".",
	ArgsUsage: "<selector>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "clean", Usage: "Forget each connected device during the switch instead of just disconnecting it."},
	},
	Action: func(cCtx *cli.Context) error {
		selector := cCtx.Args().First()
		if selector == "" {
			return fmt.Errorf("a selector argument is required")
		}
		var resp struct {
			RestartRequired bool `json:"restart_required"`
		}
		if err := clientFrom(cCtx).do(http.MethodPost, "/api/adapters/select", map[string]any{
			"selector": selector,
			"clean":    cCtx.Bool("clean"),
		}, &resp); err != nil {
			return err
		}
		if resp.RestartRequired {
			printWarn("btaudiod must restart to bind the new adapter")
		}
		return nil
	},
}

var scanCommand = &cli.Command{
	Name:  "scan",
	Usage: "Start a discovery scan and show a progress bar for its duration.",
	Action: func(cCtx *cli.Context) error {
		c := clientFrom(cCtx)
		var started struct {
			DurationSeconds int `json:"duration_seconds"`
		}
		if err := c.do(http.MethodPost, "/api/scan/start", nil, &started); err != nil {
			return err
		}

		bar := progressbar.NewOptions(started.DurationSeconds,
			progressbar.OptionSetDescription("scanning"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		for i := 0; i < started.DurationSeconds; i++ {
			time.Sleep(1 * time.Second)
			_ = bar.Add(1)
		}

		var devices []map[string]any
		if err := c.do(http.MethodGet, "/api/devices", nil, &devices); err != nil {
			return err
		}
		colorstring.Printf("[green]scan finished[reset], %d device(s) known\n", len(devices))
		return nil
	},
}

var pairCommand = &cli.Command{
	Name:      "pair",
	Usage:     "Pair and persist a device seen during a scan.",
	ArgsUsage: "<address> <name>",
	Action: func(cCtx *cli.Context) error {
		addr, err := addrArg(cCtx)
		if err != nil {
			return err
		}
		name := cCtx.Args().Get(1)
		var pd map[string]any
		if err := clientFrom(cCtx).do(http.MethodPost, "/api/devices/"+addr+"/pair", map[string]any{"name": name}, &pd); err != nil {
			return err
		}
		colorstring.Printf("[green]paired[reset] %v\n", pd["name"])
		return nil
	},
}

var connectCommand = &cli.Command{
	Name:      "connect",
	Usage:     "Connect a paired device.",
	ArgsUsage: "<address>",
	Action: func(cCtx *cli.Context) error {
		addr, err := addrArg(cCtx)
		if err != nil {
			return err
		}
		if err := clientFrom(cCtx).do(http.MethodPost, "/api/devices/"+addr+"/connect", nil, nil); err != nil {
			return err
		}
		colorstring.Println("[green]connected[reset]")
		return nil
	},
}

var disconnectCommand = &cli.Command{
	Name:      "disconnect",
	Usage:     "Disconnect a connected device.",
	ArgsUsage: "<address>",
	Action: func(cCtx *cli.Context) error {
		addr, err := addrArg(cCtx)
		if err != nil {
			return err
		}
		return clientFrom(cCtx).do(http.MethodPost, "/api/devices/"+addr+"/disconnect", nil, nil)
	},
}

var forgetCommand = &cli.Command{
	Name:      "forget",
	Usage:     "Unpair a device and remove it from the store.",
	ArgsUsage: "<address>",
	Action: func(cCtx *cli.Context) error {
		addr, err := addrArg(cCtx)
		if err != nil {
			return err
		}
		return clientFrom(cCtx).do(http.MethodDelete, "/api/devices/"+addr, nil, nil)
	},
}

var forceReconnectCommand = &cli.Command{
	Name:      "force-reconnect",
	Usage:     "Reset a device's backoff and retry immediately.",
	ArgsUsage: "<address>",
	Action: func(cCtx *cli.Context) error {
		addr, err := addrArg(cCtx)
		if err != nil {
			return err
		}
		return clientFrom(cCtx).do(http.MethodPost, "/api/devices/"+addr+"/force-reconnect", nil, nil)
	},
}

var updateSettingsCommand = &cli.Command{
	Name:      "update-device-settings",
	Usage:     "Patch a paired device's per-device settings (JSON body on stdin).",
	ArgsUsage: "<address>",
	Action: func(cCtx *cli.Context) error {
		addr, err := addrArg(cCtx)
		if err != nil {
			return err
		}
		var patch map[string]any
		if err := json.NewDecoder(bufio.NewReader(os.Stdin)).Decode(&patch); err != nil {
			return fmt.Errorf("reading patch JSON from stdin: %w", err)
		}
		var pd map[string]any
		if err := clientFrom(cCtx).do(http.MethodPatch, "/api/devices/"+addr, patch, &pd); err != nil {
			return err
		}
		colorstring.Println("[green]updated[reset]")
		return nil
	},
}

var settingsCommand = &cli.Command{
	Name:  "settings",
	Usage: "Show or replace global daemon settings.",
	Subcommands: []*cli.Command{
		{
			Name:  "show",
			Usage: "Print the current global settings.",
			Action: func(cCtx *cli.Context) error {
				var s map[string]any
				if err := clientFrom(cCtx).do(http.MethodGet, "/api/settings", nil, &s); err != nil {
					return err
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(s)
			},
		},
		{
			Name:      "put",
			Usage:     "Replace global settings (JSON body on stdin).",
			ArgsUsage: " ",
			Action: func(cCtx *cli.Context) error {
				var s map[string]any
				if err := json.NewDecoder(bufio.NewReader(os.Stdin)).Decode(&s); err != nil {
					return fmt.Errorf("reading settings JSON from stdin: %w", err)
				}
				return clientFrom(cCtx).do(http.MethodPut, "/api/settings", s, nil)
			},
		},
	},
}

var restartCommand = &cli.Command{
	Name:  "restart",
	Usage: "Ask btaudiod to shut its device coordinator down; the daemon process keeps running.",
	Action: func(cCtx *cli.Context) error {
		if err := clientFrom(cCtx).do(http.MethodPost, "/api/restart", nil, nil); err != nil {
			return err
		}
		printWarn("restart requested")
		return nil
	},
}

var watchCommand = &cli.Command{
	Name:  "watch",
	Usage: "Stream live events (devices_changed, status, avrcp_event, ...).",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "replay", Usage: "Comma-separated ring buffers to replay first: avrcp, mpris, log."},
	},
	Action: func(cCtx *cli.Context) error {
		base := clientFrom(cCtx)
		path := "/events"
		if replay := cCtx.String("replay"); replay != "" {
			path += "?replay=" + replay
		}
		req, err := http.NewRequestWithContext(cCtx.Context, http.MethodGet, base.base+path, nil)
		if err != nil {
			return err
		}
		resp, err := base.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if topic, ok := strings.CutPrefix(line, "event: "); ok {
				colorstring.Printf("[cyan]%s[reset] ", topic)
				continue
			}
			if data, ok := strings.CutPrefix(line, "data: "); ok {
				fmt.Println(data)
			}
		}
		return scanner.Err()
	},
}
