// Package mpris exports this daemon's own org.mpris.MediaPlayer2 object
// on the session bus (spec §4.5), the mirror image of the teacher's
// legacy bluez/media.go (a remote AVRCP-controller client) and of
// ampli-pi4's airplay.go (which polls *shairport-sync*'s MPRIS object
// as a client). Exporting our own object lets a connected Bluetooth
// speaker's AVRCP transport keys route through BlueZ to MPRIS
// Next/Previous/PlayPause calls this daemon answers, and lets this
// daemon publish now-playing metadata any MPRIS-aware shell widget can
// read.
package mpris

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/btaudio/btaudiod/internal/model"
)

const (
	objectPath    = dbus.ObjectPath("/org/mpris/MediaPlayer2")
	rootIface     = "org.mpris.MediaPlayer2"
	playerIface   = "org.mpris.MediaPlayer2.Player"
	propsIface    = "org.freedesktop.DBus.Properties"
	wellKnownName = "org.mpris.MediaPlayer2.btaudiod"
)

// PlaybackStatus mirrors the MPRIS Player.PlaybackStatus enum.
type PlaybackStatus string

const (
	StatusPlaying PlaybackStatus = "Playing"
	StatusPaused  PlaybackStatus = "Paused"
	StatusStopped PlaybackStatus = "Stopped"
)

// Metadata is the subset of MPRIS "mpris:*"/"xesam:*" track metadata
// keys this daemon tracks (spec §4.5 "AVRCP metadata relay").
type Metadata struct {
	TrackID string
	Title   string
	Artist  string
	Album   string
	ArtURL  string
	Length  int64 // microseconds
}

// CommandHandler receives transport commands issued by an MPRIS client
// (a desktop widget, a notification shade) so the coordinator can
// forward them to the connected device's AVRCP transport (spec §4.5).
type CommandHandler interface {
	PlayPause()
	Play()
	Pause()
	Stop()
	Next()
	Previous()
}

// Player is the exported MPRIS object. All exported methods run on
// whatever goroutine godbus's dispatch loop uses, so the shared state
// is behind a mutex.
type Player struct {
	conn    *dbus.Conn
	handler CommandHandler

	mu       sync.Mutex
	status   PlaybackStatus
	metadata Metadata
	device   model.Address
}

// Export connects to the session bus, exports the MediaPlayer2 and
// MediaPlayer2.Player interfaces, and requests the well-known name a
// shell's media-control applet looks for.
func Export(handler CommandHandler) (*Player, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}

	p := &Player{conn: conn, handler: handler, status: StatusStopped}

	if err := conn.Export(p, objectPath, rootIface); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Export(p, objectPath, playerIface); err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.Export(propsHandler{p}, objectPath, propsIface); err != nil {
		conn.Close()
		return nil, err
	}

	node := &introspect.Node{
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{Name: rootIface, Methods: introspect.Methods(p)},
			{Name: playerIface, Methods: introspect.Methods(p)},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), objectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := conn.RequestName(wellKnownName, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, errNameTaken
	}

	return p, nil
}

// Close releases the MPRIS object.
func (p *Player) Close() error {
	_, _ = p.conn.ReleaseName(wellKnownName)
	return p.conn.Close()
}

// SetState updates the advertised playback status and metadata and
// emits a PropertiesChanged signal (spec §4.5 "Metadata relay"),
// mirroring the property snapshot ampli-pi4's airplay.go polls for in
// the opposite (client) direction.
func (p *Player) SetState(device model.Address, status PlaybackStatus, md Metadata) {
	p.mu.Lock()
	p.device = device
	p.status = status
	p.metadata = md
	changed := map[string]dbus.Variant{
		"PlaybackStatus": dbus.MakeVariant(string(status)),
		"Metadata":       dbus.MakeVariant(md.toVariantMap()),
	}
	p.mu.Unlock()

	_ = p.conn.Emit(objectPath, propsIface+".PropertiesChanged", playerIface, changed, []string{})
}

func (md Metadata) toVariantMap() map[string]dbus.Variant {
	out := map[string]dbus.Variant{
		"mpris:trackid": dbus.MakeVariant(dbus.ObjectPath("/org/btaudiod/track/" + sanitizeID(md.TrackID))),
		"xesam:title":   dbus.MakeVariant(md.Title),
		"xesam:artist":  dbus.MakeVariant([]string{md.Artist}),
		"xesam:album":   dbus.MakeVariant(md.Album),
	}
	if md.ArtURL != "" {
		out["mpris:artUrl"] = dbus.MakeVariant(md.ArtURL)
	}
	if md.Length > 0 {
		out["mpris:length"] = dbus.MakeVariant(md.Length)
	}
	return out
}

func sanitizeID(s string) string {
	if s == "" {
		return "none"
	}
	b := []byte(s)
	for i, c := range b {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			b[i] = '_'
		}
	}
	return string(b)
}

// MPRIS root interface methods (org.mpris.MediaPlayer2).

func (p *Player) Raise() *dbus.Error { return nil }
func (p *Player) Quit() *dbus.Error  { return nil }

// MPRIS player interface methods (org.mpris.MediaPlayer2.Player),
// forwarded straight to the coordinator's CommandHandler.

func (p *Player) PlayPause() *dbus.Error { p.handler.PlayPause(); return nil }
func (p *Player) Play() *dbus.Error      { p.handler.Play(); return nil }
func (p *Player) Pause() *dbus.Error     { p.handler.Pause(); return nil }
func (p *Player) Stop() *dbus.Error      { p.handler.Stop(); return nil }
func (p *Player) Next() *dbus.Error      { p.handler.Next(); return nil }
func (p *Player) Previous() *dbus.Error  { p.handler.Previous(); return nil }

// propsHandler implements org.freedesktop.DBus.Properties.Get/GetAll
// for the exported object, since godbus does not generate this from
// struct tags the way some other D-Bus bindings do.
type propsHandler struct{ p *Player }

func (h propsHandler) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	all, derr := h.GetAll(iface)
	if derr != nil {
		return dbus.Variant{}, derr
	}
	v, ok := all[name]
	if !ok {
		return dbus.Variant{}, dbus.MakeFailedError(errUnknownProperty)
	}
	return v, nil
}

func (h propsHandler) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()

	switch iface {
	case rootIface:
		return map[string]dbus.Variant{
			"CanQuit":             dbus.MakeVariant(false),
			"CanRaise":            dbus.MakeVariant(false),
			"HasTrackList":        dbus.MakeVariant(false),
			"Identity":            dbus.MakeVariant("btaudiod"),
			"SupportedUriSchemes": dbus.MakeVariant([]string{}),
			"SupportedMimeTypes":  dbus.MakeVariant([]string{}),
		}, nil
	case playerIface:
		return map[string]dbus.Variant{
			"PlaybackStatus": dbus.MakeVariant(string(h.p.status)),
			"Metadata":       dbus.MakeVariant(h.p.metadata.toVariantMap()),
			"CanGoNext":      dbus.MakeVariant(true),
			"CanGoPrevious":  dbus.MakeVariant(true),
			"CanPlay":        dbus.MakeVariant(true),
			"CanPause":       dbus.MakeVariant(true),
			"CanControl":     dbus.MakeVariant(true),
		}, nil
	default:
		return nil, dbus.MakeFailedError(errUnknownInterface)
	}
}

func (h propsHandler) Set(_, _ string, _ dbus.Variant) *dbus.Error {
	return dbus.MakeFailedError(errReadOnly)
}
