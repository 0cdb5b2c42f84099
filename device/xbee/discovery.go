package xbee

import "github.com/paralin/xbee-netdev/core/codec"

// NodeHandler is called for every node announced by discovery, whether from
// an ND response, a node identification frame or an explicit receive on the
// node identification cluster.
type NodeHandler func(rec *codec.NodeRecord)

// SetNodeHandler installs the discovery callback.
func (d *Device) SetNodeHandler(fn NodeHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onNode = fn
}

// Discover broadcasts a node discovery request. Responses arrive
// asynchronously through the node handler.
func (d *Device) Discover() error {
	_, err := d.SendATCommand("ND", nil)
	if err == nil {
		d.log.Debug("node discovery requested")
	}
	return err
}

func (d *Device) handleNode(rec *codec.NodeRecord) {
	d.mu.Lock()
	fn := d.onNode
	d.mu.Unlock()

	d.log.Debug("node announced", "addr", rec.Addr, "network", rec.Network, "name", rec.Name)
	if fn != nil {
		fn(rec)
	}
}
