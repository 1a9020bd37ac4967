package coordinator

import "github.com/btaudio/btaudiod/internal/model"

// gateAdapter implements reconnect.Gate over the Coordinator's own
// state, re-checked fresh at every scheduled-attempt firing time (spec
// §4.9).
type gateAdapter struct{ c *Coordinator }

func (g gateAdapter) AutoReconnectEnabled() bool {
	return g.c.store.Settings().AutoReconnect
}

func (g gateAdapter) AutoConnect(addr model.Address) (enabled bool, inStore bool) {
	pd, ok := g.c.store.Device(addr)
	if !ok {
		return false, false
	}
	return pd.AutoConnect, true
}

func (g gateAdapter) Suppressed(addr model.Address) bool {
	_, ok := g.c.suppress.Load(addr)
	return ok
}
