// Package snapshot keeps the latest decoded reading per PLC and assembles
// access-filtered views of it. Published trees are immutable: the poller
// builds a fresh tree every cycle and replaces the previous one wholesale,
// so readers may hold references across ticks.
package snapshot

import "encoding/json"

// Value is the tagged-union leaf of a snapshot tree. Exactly one of the
// concrete types below implements it per datapoint type.
type Value interface {
	// DatapointID disambiguates leaves whose labels collide across owners.
	DatapointID() int64
	// Numeric is the value fed to the alarm engine. For DIGITAL leaves it is
	// the raw register word.
	Numeric() float64

	json.Marshaler
}

// IntValue is an INTEGER leaf: one unsigned 16-bit register.
type IntValue struct {
	ID       int64
	Register int
	Value    uint16
}

func (v IntValue) DatapointID() int64 { return v.ID }
func (v IntValue) Numeric() float64   { return float64(v.Value) }

func (v IntValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"id":               v.ID,
		"type":             "INTEGER",
		"register_address": v.Register,
		"value":            v.Value,
	})
}

// RealValue is a REAL leaf: two registers decoded as IEEE-754, with the
// engineering-scaled value alongside the raw one.
type RealValue struct {
	ID       int64
	Register int
	Raw      float64
	Scaled   float64
}

func (v RealValue) DatapointID() int64 { return v.ID }
func (v RealValue) Numeric() float64   { return v.Scaled }

func (v RealValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"id":               v.ID,
		"type":             "REAL",
		"register_address": v.Register,
		"raw_value":        v.Raw,
		"scaled_value":     v.Scaled,
	})
}

// Bit is one labeled (or unlabeled) bit of a DIGITAL leaf.
type Bit struct {
	Label string `json:"label,omitempty"`
	Set   bool   `json:"value"`
}

// DigitalValue is a DIGITAL leaf: a 16-bit word exposed as a bit map.
type DigitalValue struct {
	ID       int64
	Register int
	Word     uint16
	Bits     map[int]Bit
}

func (v DigitalValue) DatapointID() int64 { return v.ID }
func (v DigitalValue) Numeric() float64   { return float64(v.Word) }

func (v DigitalValue) MarshalJSON() ([]byte, error) {
	bits := make(map[string]Bit, len(v.Bits))
	for i, b := range v.Bits {
		bits[itoa(i)] = b
	}
	return json.Marshal(map[string]interface{}{
		"id":               v.ID,
		"type":             "DIGITAL",
		"register_address": v.Register,
		"bits":             bits,
	})
}

func itoa(i int) string {
	if i < 10 {
		return string(rune('0' + i))
	}
	return string(rune('0'+i/10)) + string(rune('0'+i%10))
}
