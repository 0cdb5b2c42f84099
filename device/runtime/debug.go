package runtime

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/paralin/xbee-netdev/device/bridge"
	"tailscale.com/tsweb"
)

// NodeStatus is one node table row in the debug output.
type NodeStatus struct {
	Address   string    `json:"address"`
	LinkAddr  string    `json:"link_addr"`
	Network   uint16    `json:"network"`
	Name      string    `json:"name,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Status is the debug view of one bridge.
type Status struct {
	Name          string       `json:"name"`
	State         string       `json:"state"`
	Error         string       `json:"error,omitempty"`
	Interface     string       `json:"interface,omitempty"`
	Up            bool         `json:"up"`
	Address       string       `json:"address,omitempty"`
	Nodes         int          `json:"nodes"`
	DroppedEvents uint64       `json:"dropped_events"`
	Bridge        bridge.Stats `json:"bridge"`
}

// Status returns a snapshot of the bridge.
func (r *Runtime) Status() Status {
	st := Status{
		Name:          r.cfg.Name,
		State:         r.State().String(),
		Up:            r.bridge.IsUp(),
		Nodes:         r.nodes.Len(),
		DroppedEvents: r.DroppedEvents(),
		Bridge:        r.bridge.Stats(),
	}
	if err := r.Err(); err != nil {
		st.Error = err.Error()
	}
	if tun := r.Tunnel(); tun != nil {
		st.Interface = tun.Name()
	}
	if r.State() == StateReady {
		st.Address = r.radio.Address().String()
	}
	return st
}

// NodeStatuses returns the node table in insertion order.
func (r *Runtime) NodeStatuses() []NodeStatus {
	entries := r.nodes.Snapshot()
	out := make([]NodeStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, NodeStatus{
			Address:   e.Addr.String(),
			LinkAddr:  e.LinkAddr().String(),
			Network:   e.NetworkAddr,
			Name:      e.Name,
			FirstSeen: e.FirstSeen,
			LastSeen:  e.LastSeen,
		})
	}
	return out
}

// AttachAdminRoutes registers the bridge debug pages on mux under /debug/.
func (g *Registry) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("bridges", "state and counters of every bridge", func(w http.ResponseWriter, req *http.Request) {
		names := g.Names()
		out := make([]Status, 0, len(names))
		for _, name := range names {
			if r, ok := g.Get(name); ok {
				out = append(out, r.Status())
			}
		}
		writeJSON(w, out)
	})

	debug.HandleFunc("nodes", "node table of every bridge", func(w http.ResponseWriter, req *http.Request) {
		out := make(map[string][]NodeStatus)
		for _, name := range g.Names() {
			if r, ok := g.Get(name); ok {
				out[name] = r.NodeStatuses()
			}
		}
		writeJSON(w, out)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
