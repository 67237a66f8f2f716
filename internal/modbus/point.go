package modbus

import "time"

// Point is an external point identity (spec.md §3): stable id, human name,
// bound to exactly one primary Register.
type Point struct {
	ID   string
	Name string
}

// Binding is one resolved point-to-register assignment, the unit the shim's
// configuration loader produces and hands to the core at connect/serve time
// (spec.md §6, "Bound point lifecycle to the core"). The core never
// re-resolves or mutates a Binding after construction.
type Binding struct {
	Point    Point
	Register Register
}

// PointValue is a decoded value flowing in either direction between the wire
// and a host, timestamped at the moment it was produced.
type PointValue struct {
	PointID   string
	Value     interface{}
	Timestamp time.Time
}

// UnitID is the logical address of a peer on the wire (1..247 normally;
// 0xFF is reserved for serial broadcast-equivalent behavior).
type UnitID byte

const (
	UnitBroadcastServer UnitID = 0 // serial: the server sends no reply and the client engine waits for none; reads are not rejected
	UnitBroadcastSerial UnitID = 0xFF
)

// PeerConfig is the resolved, read-only configuration for one peer (spec.md
// §3 "Proxy" and §6 option table). The shim's config loader (internal/config)
// produces this from YAML/env; the core only ever consumes it.
type PeerConfig struct {
	UnitID   byte
	Sockets  []string // client: host:port in connect-attempt order; server: Sockets[0] is the listen address ("*" has no special meaning)
	Serial   *SerialConfig
	Framing  SerialFraming // only meaningful when Serial != nil

	LittleEndian bool
	MiddleEndian bool // default for registers that don't specify their own

	BatchSize int // max outstanding requests; <=0 means unlimited

	ConnectTimeout      time.Duration
	RequestTimeout      time.Duration
	RequestRetries      int
	RequestRetryInterval time.Duration

	StampTick      time.Duration // max age for a stamped write before falling back to server clock
	StampAddress   *uint16
	SequenceAddress *uint16
	TimeAddress    *uint16

	Bindings []Binding
}

// DefaultPeerConfig returns the spec.md §5/§6 defaults.
func DefaultPeerConfig() PeerConfig {
	return PeerConfig{
		UnitID:               1,
		BatchSize:            1,
		ConnectTimeout:       1 * time.Second,
		RequestTimeout:       60 * time.Second,
		RequestRetries:       0,
		RequestRetryInterval: 3 * time.Second,
	}
}
