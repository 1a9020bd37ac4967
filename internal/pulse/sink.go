package pulse

import (
	"context"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/btaudio/btaudiod/internal/kinderr"
	"github.com/btaudio/btaudiod/internal/model"
)

// SinkInfo is the subset of org.PulseAudio.Core1.Device state the
// coordinator's idle-mode state machine needs (spec §4.6, §4.9).
type SinkInfo struct {
	Path  dbus.ObjectPath
	Name  string
	State SinkState
}

// CardInfo is the subset of org.PulseAudio.Core1.Card state needed for
// profile switching (spec §4.6 "Audio profile switching").
type CardInfo struct {
	Path           dbus.ObjectPath
	Name           string
	ActiveProfile  dbus.ObjectPath
	ProfilesByName map[string]dbus.ObjectPath
}

// sinkNameFor returns the PulseAudio sink name BlueZ's module-bluez5-device
// registers for a connected device, per spec §4.6's naming convention:
// "bluez_sink.<MAC_WITH_UNDERSCORES>.<profile>".
func sinkNameFor(addr model.Address, profile model.AudioProfile) string {
	suffix := "a2dp_sink"
	if profile == model.ProfileHFP {
		suffix = "handsfree_head_unit"
	}
	return "bluez_sink." + addr.Underscored() + "." + suffix
}

// FindSink looks up a device's sink by the BlueZ naming convention,
// returning ok=false if PulseAudio has not created it yet.
func (c *Client) FindSink(ctx context.Context, addr model.Address, profile model.AudioProfile) (SinkInfo, bool, error) {
	sinks, err := c.Sinks(ctx)
	if err != nil {
		return SinkInfo{}, false, err
	}
	want := sinkNameFor(addr, profile)
	for _, s := range sinks {
		if s.Name == want {
			return s, true, nil
		}
	}
	return SinkInfo{}, false, nil
}

// WaitForSink polls until a device's sink appears or timeout elapses
// (spec §4.6 "wait for sink with timeout").
func (c *Client) WaitForSink(ctx context.Context, addr model.Address, profile model.AudioProfile, timeout time.Duration) (SinkInfo, error) {
	ctx, cancel := deadline(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		if info, ok, err := c.FindSink(ctx, addr, profile); err != nil {
			return SinkInfo{}, err
		} else if ok {
			return info, nil
		}

		select {
		case <-ctx.Done():
			return SinkInfo{}, kinderr.New(kinderr.SinkTimeout, "pulse-wait-for-sink", "sink did not appear for "+addr.String())
		case <-ticker.C:
		}
	}
}

// Sinks lists every sink PulseAudio currently exposes.
func (c *Client) Sinks(ctx context.Context) ([]SinkInfo, error) {
	var paths []dbus.ObjectPath
	prop, err := c.core.GetProperty(coreIface + ".Sinks")
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.PulseUnavailable, "pulse-list-sinks", "cannot list PulseAudio sinks")
	}
	paths, _ = prop.Value().([]dbus.ObjectPath)

	out := make([]SinkInfo, 0, len(paths))
	for _, p := range paths {
		info, err := c.sinkInfo(p)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) sinkInfo(path dbus.ObjectPath) (SinkInfo, error) {
	obj := c.conn.Object(deviceIface, path)
	name, err := obj.GetProperty(deviceIface + ".Name")
	if err != nil {
		return SinkInfo{}, err
	}
	state, err := obj.GetProperty(deviceIface + ".State")
	if err != nil {
		return SinkInfo{}, err
	}
	n, _ := state.Value().(byte)
	nm, _ := name.Value().(string)
	return SinkInfo{Path: path, Name: nm, State: SinkState(n)}, nil
}

// Suspend and Resume toggle a sink's Suspended property (spec §4.9
// "power-save": the sink is suspended rather than torn down, so it
// resumes instantly the moment audio starts flowing again).
func (c *Client) Suspend(ctx context.Context, sink dbus.ObjectPath) error {
	return c.setSuspended(ctx, sink, true)
}

func (c *Client) Resume(ctx context.Context, sink dbus.ObjectPath) error {
	return c.setSuspended(ctx, sink, false)
}

func (c *Client) setSuspended(ctx context.Context, sink dbus.ObjectPath, suspended bool) error {
	obj := c.conn.Object(deviceIface, sink)
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Set", 0, deviceIface, "Suspended", dbus.MakeVariant(suspended))
	if err := call.Store(); err != nil {
		return kinderr.Wrap(err, kinderr.PulseUnavailable, "pulse-set-suspended", "cannot change sink suspend state")
	}
	return nil
}

// Cards lists every card PulseAudio exposes, with its profile set
// resolved to a name-keyed map for SwitchProfile.
func (c *Client) Cards(ctx context.Context) ([]CardInfo, error) {
	prop, err := c.core.GetProperty(coreIface + ".Cards")
	if err != nil {
		return nil, kinderr.Wrap(err, kinderr.PulseUnavailable, "pulse-list-cards", "cannot list PulseAudio cards")
	}
	paths, _ := prop.Value().([]dbus.ObjectPath)

	out := make([]CardInfo, 0, len(paths))
	for _, p := range paths {
		info, err := c.cardInfo(p)
		if err != nil {
			continue
		}
		out = append(out, info)
	}
	return out, nil
}

func (c *Client) cardInfo(path dbus.ObjectPath) (CardInfo, error) {
	obj := c.conn.Object(cardIface, path)

	name, err := obj.GetProperty(cardIface + ".Name")
	if err != nil {
		return CardInfo{}, err
	}
	active, err := obj.GetProperty(cardIface + ".ActiveProfile")
	if err != nil {
		return CardInfo{}, err
	}
	profiles, err := obj.GetProperty(cardIface + ".Profiles")
	if err != nil {
		return CardInfo{}, err
	}

	info := CardInfo{
		Path:           path,
		Name:           nameOf(name),
		ActiveProfile:  pathOf(active),
		ProfilesByName: map[string]dbus.ObjectPath{},
	}
	for _, pp := range pathsOf(profiles) {
		pname, err := c.conn.Object(cardIface+".Profile", pp).GetProperty(cardIface + ".Profile.Name")
		if err != nil {
			continue
		}
		info.ProfilesByName[nameOf(pname)] = pp
	}
	return info, nil
}

// FindCardForDevice returns the BlueZ card PulseAudio created for addr
// (card name "bluez_card.<MAC_WITH_UNDERSCORES>", same convention as
// FindSink's sink name).
func (c *Client) FindCardForDevice(ctx context.Context, addr model.Address) (CardInfo, bool, error) {
	cards, err := c.Cards(ctx)
	if err != nil {
		return CardInfo{}, false, err
	}
	want := "bluez_card." + addr.Underscored()
	for _, card := range cards {
		if card.Name == want {
			return card, true, nil
		}
	}
	return CardInfo{}, false, nil
}

// SwitchProfile sets a card's active profile by BlueZ profile name
// fragment, per spec §4.6's known-name set: for A2DP "a2dp_sink" or
// "a2dp-sink", for HFP "handsfree_head_unit", "headset_head_unit" or
// their hyphenated forms, tried in that order against the card's
// profile names.
func (c *Client) SwitchProfile(ctx context.Context, card CardInfo, profile model.AudioProfile) error {
	fragments := []string{"a2dp_sink", "a2dp-sink"}
	if profile == model.ProfileHFP {
		fragments = []string{"handsfree_head_unit", "headset_head_unit", "handsfree-head-unit", "headset-head-unit"}
	}
	fragment := fragments[0]

	var target dbus.ObjectPath
	for _, f := range fragments {
		for name, path := range card.ProfilesByName {
			if strings.Contains(name, f) {
				target, fragment = path, f
				break
			}
		}
		if target != "" {
			break
		}
	}
	if target == "" {
		return kinderr.New(kinderr.AudioProfileFailed, "pulse-switch-profile", "card "+card.Name+" has no "+fragment+" profile")
	}

	obj := c.conn.Object(cardIface, card.Path)
	call := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Set", 0, cardIface, "ActiveProfile", dbus.MakeVariant(target))
	if err := call.Store(); err != nil {
		return kinderr.Wrap(err, kinderr.AudioProfileFailed, "pulse-switch-profile", "cannot switch "+card.Name+" to "+fragment)
	}
	return nil
}

func nameOf(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func pathOf(v dbus.Variant) dbus.ObjectPath {
	p, _ := v.Value().(dbus.ObjectPath)
	return p
}

func pathsOf(v dbus.Variant) []dbus.ObjectPath {
	p, _ := v.Value().([]dbus.ObjectPath)
	return p
}
