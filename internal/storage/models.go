package storage

import "time"

// Sample is one persisted point-value observation: a flat, append-only log
// entry, not a register-map or transaction snapshot — the core never
// persists wire state, only the shim does, after decoding.
type Sample struct {
	PointID   string    `json:"point_id"`
	Value     string    `json:"value"` // decoded value, formatted as text
	Timestamp time.Time `json:"timestamp"`
}
