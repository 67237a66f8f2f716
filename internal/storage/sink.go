package storage

import (
	"fmt"
	"time"

	"github.com/xapiens/rvpf-modbus/internal/modbus"
)

// ValueSink adapts a History into a modbus.ValueSink, formatting each
// decoded value as text before persisting it.
func ValueSink(h History) modbus.ValueSink {
	return func(pv modbus.PointValue) {
		ts := pv.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		_ = h.Append([]Sample{{
			PointID:   pv.PointID,
			Value:     fmt.Sprintf("%v", pv.Value),
			Timestamp: ts,
		}})
	}
}

// PollSink adapts a History into a modbus.PollSink for the client-side
// polling scheduler; errors are dropped silently here, the same way a
// disconnected sensor feed is in the teacher's node executors — the next
// tick simply tries again.
func PollSink(h History) modbus.PollSink {
	return func(values []modbus.PointValue, err error) {
		if err != nil || len(values) == 0 {
			return
		}
		samples := make([]Sample, 0, len(values))
		for _, v := range values {
			ts := v.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			samples = append(samples, Sample{
				PointID:   v.PointID,
				Value:     fmt.Sprintf("%v", v.Value),
				Timestamp: ts,
			})
		}
		_ = h.Append(samples)
	}
}
