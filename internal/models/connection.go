package models

// ConnState enumerates the connection lifecycle. Exactly one holds at a time.
const (
	ConnDisconnected = "disconnected"
	ConnConnecting   = "connecting"
	ConnConnected    = "connected"
	ConnError        = "error"
)

// Catalog is per-session capability metadata reported by the server probe.
// It is derived state: cleared on disconnect, replaced on reconnect.
type Catalog struct {
	Models   []string `json:"models,omitempty"`
	Addons   []string `json:"addons,omitempty"`
	Version  string   `json:"version,omitempty"`
	Samplers []string `json:"samplers,omitempty"`
}

// Clone returns a copy safe to expose to observers.
func (c Catalog) Clone() Catalog {
	out := c
	if c.Models != nil {
		out.Models = append([]string(nil), c.Models...)
	}
	if c.Addons != nil {
		out.Addons = append([]string(nil), c.Addons...)
	}
	if c.Samplers != nil {
		out.Samplers = append([]string(nil), c.Samplers...)
	}
	return out
}
