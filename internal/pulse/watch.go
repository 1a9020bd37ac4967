package pulse

import (
	"context"
	"math/rand"
	"time"

	"github.com/godbus/dbus/v5"
)

// SinkEvent is a decoded NewSink/SinkRemoved/Device.StateUpdated signal.
type SinkEvent struct {
	Path    dbus.ObjectPath
	Removed bool
	State   *SinkState
}

const (
	watchMinBackoff = time.Second
	watchMaxBackoff = 30 * time.Second
)

// Watch subscribes to sink add/remove/state-change signals and
// redelivers them on the returned channel until ctx is canceled,
// transparently reconnecting with exponential backoff (1s doubling to
// 30s, spec §4.6 "Sink event subscription") if the PulseAudio
// connection drops.
func Watch(ctx context.Context, connect func(context.Context) (*Client, error)) <-chan SinkEvent {
	out := make(chan SinkEvent, 64)

	go func() {
		defer close(out)
		backoff := watchMinBackoff

		for ctx.Err() == nil {
			client, err := connect(ctx)
			if err != nil {
				if !sleepBackoff(ctx, &backoff) {
					return
				}
				continue
			}

			backoff = watchMinBackoff
			runWatch(ctx, client, out)
			client.Close()

			if !sleepBackoff(ctx, &backoff) {
				return
			}
		}
	}()

	return out
}

func runWatch(ctx context.Context, c *Client, out chan<- SinkEvent) {
	if err := c.listen(ctx, "NewSink"); err != nil {
		return
	}
	if err := c.listen(ctx, "SinkRemoved"); err != nil {
		return
	}
	if err := c.listen(ctx, "Device.StateUpdated"); err != nil {
		return
	}

	signals := make(chan *dbus.Signal, 32)
	c.conn.Signal(signals)
	defer c.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if ev, ok := decodeSinkSignal(sig); ok {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

func decodeSinkSignal(sig *dbus.Signal) (SinkEvent, bool) {
	switch sig.Name {
	case coreIface + ".NewSink":
		return SinkEvent{Path: sig.Path}, true
	case coreIface + ".SinkRemoved":
		return SinkEvent{Path: sig.Path, Removed: true}, true
	case deviceIface + ".StateUpdated":
		if len(sig.Body) < 1 {
			return SinkEvent{}, false
		}
		n, ok := sig.Body[0].(byte)
		if !ok {
			return SinkEvent{}, false
		}
		s := SinkState(n)
		return SinkEvent{Path: sig.Path, State: &s}, true
	default:
		return SinkEvent{}, false
	}
}

// sleepBackoff waits the current backoff (with up to 20% jitter,
// mirroring the reconnect controller's jitter policy in spec §4.4) and
// doubles it for next time, capped at watchMaxBackoff. Returns false if
// ctx was canceled during the wait.
func sleepBackoff(ctx context.Context, backoff *time.Duration) bool {
	jittered := applyJitter(*backoff)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(jittered):
	}

	*backoff = nextBackoff(*backoff)
	return true
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > watchMaxBackoff {
		d = watchMaxBackoff
	}
	return d
}

func applyJitter(d time.Duration) time.Duration {
	jitter := float64(d) * (rand.Float64()*0.4 - 0.2)
	return d + time.Duration(jitter)
}
