// Package clock implements the vector clock used to track causality of
// operations across devices.
//
// A vector clock maps each device ID to a monotonic counter. Merging two
// clocks takes the per-device maximum, which makes merge commutative,
// associative, and idempotent. The clock records causal ordering for
// propagation bookkeeping only; conflict resolution happens elsewhere
// (last-write-wins by timestamp in the local data store).
package clock

import (
	"encoding/json"
	"fmt"
)

// Vector is a vector clock: device ID -> monotonic counter.
type Vector map[string]int64

// New creates a vector clock with a zero counter for the given device.
func New(deviceID string) Vector {
	return Vector{deviceID: 0}
}

// Increment advances the counter for the given device and returns the new value.
func (v Vector) Increment(deviceID string) int64 {
	v[deviceID]++
	return v[deviceID]
}

// Counter returns the counter for the given device (zero if absent).
func (v Vector) Counter(deviceID string) int64 {
	return v[deviceID]
}

// Merge folds another clock into this one, taking the per-device maximum.
// The receiver is modified in place and returned for chaining.
func (v Vector) Merge(other Vector) Vector {
	for device, count := range other {
		if count > v[device] {
			v[device] = count
		}
	}
	return v
}

// Clone returns a deep copy of the clock.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for device, count := range v {
		out[device] = count
	}
	return out
}

// Equal reports whether two clocks have identical entries.
// Devices with a zero counter are treated the same as absent devices.
func (v Vector) Equal(other Vector) bool {
	for device, count := range v {
		if other[device] != count {
			return false
		}
	}
	for device, count := range other {
		if v[device] != count {
			return false
		}
	}
	return true
}

// Encode serializes the clock to JSON for durable storage.
func (v Vector) Encode() ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode vector clock: %w", err)
	}
	return data, nil
}

// Decode deserializes a clock previously written by Encode.
func Decode(data []byte) (Vector, error) {
	v := make(Vector)
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode vector clock: %w", err)
	}
	return v, nil
}
