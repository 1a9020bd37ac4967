package coordinator

import (
	"context"

	"github.com/btaudio/btaudiod/internal/eventbus"
)

// SwitchAdapter implements spec §4.10's "Adapter switch": disconnect
// every currently connected device (forgetting it instead when clean is
// set), persist the new selected_adapter, publish a status event and
// adapter_switch_required (on which the process entrypoint exits with
// ExitRestartRequired), and return a *RestartRequiredError. Live
// re-binding of the adapter is deliberately not attempted — BlueZ's
// object tree for a freshly (de)selected adapter is not reliable enough
// across versions to rebuild in place.
func (c *Coordinator) SwitchAdapter(ctx context.Context, selector string, clean bool) error {
	addrs := mapKeys(c.runtime)
	for _, addr := range addrs {
		rd, ok := c.runtime.Load(addr)
		if !ok || !rd.Connected {
			continue
		}
		if clean {
			_ = c.Forget(ctx, addr)
		} else {
			_ = c.Disconnect(ctx, addr)
		}
	}

	settings := c.store.Settings()
	settings.SelectedAdapter = selector
	if err := c.store.PutSettings(ctx, settings); err != nil {
		return err
	}

	c.bus.Publish(eventbus.TopicStatus, "restart required: adapter switched to "+selector)
	c.bus.Publish(eventbus.TopicAdapterSwitchRequired, selector)
	return &RestartRequiredError{Code: ExitRestartRequired}
}
