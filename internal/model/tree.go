// Package model holds the configuration tree, command, alarm and grant types
// shared by the gateway subsystems. The tree mirrors the plant layout:
// PLC → Container → Equipment, with datapoints attachable at every level.
package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PointType is the datapoint value type.
type PointType string

const (
	TypeInteger PointType = "INTEGER"
	TypeDigital PointType = "DIGITAL"
	TypeReal    PointType = "REAL"
)

// Category says whether a datapoint is polled or commandable.
type Category string

const (
	CategoryRead  Category = "read"
	CategoryWrite Category = "write"
)

// OwnerKind identifies the tree level a datapoint hangs off.
type OwnerKind string

const (
	OwnerPLC       OwnerKind = "plc"
	OwnerContainer OwnerKind = "container"
	OwnerEquipment OwnerKind = "equipment"
)

// Owner is a (kind, id) reference to a tree node.
type Owner struct {
	Kind OwnerKind
	ID   int64
}

type PLC struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
}

type Container struct {
	ID    int64  `json:"id"`
	PLCID int64  `json:"plc_id"`
	Name  string `json:"name"`
	Type  string `json:"type"`
}

type Equipment struct {
	ID          int64  `json:"id"`
	ContainerID int64  `json:"container_id"`
	Name        string `json:"name"`
	Type        string `json:"type"`
}

type DataPoint struct {
	ID          int64     `json:"id"`
	OwnerKind   OwnerKind `json:"owner_kind"`
	OwnerID     int64     `json:"owner_id"`
	Label       string    `json:"label"`
	Description string    `json:"description,omitempty"`
	Category    Category  `json:"category"`
	Type        PointType `json:"type"`
	// Address is the configured holding-register reference in 4xxxx form.
	Address    int     `json:"address"`
	Multiplier float64 `json:"multiplier"`
	Group      string  `json:"group,omitempty"`
	Class      string  `json:"class,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	// Optional linear rescale for REAL values: raw range → engineering range.
	RawZero *float64 `json:"raw_zero,omitempty"`
	RawFull *float64 `json:"raw_full,omitempty"`
	EngZero *float64 `json:"eng_zero,omitempty"`
	EngFull *float64 `json:"eng_full,omitempty"`

	Bits []DataPointBit `json:"bits,omitempty"`
}

type DataPointBit struct {
	ID          int64  `json:"id"`
	DataPointID int64  `json:"data_point_id"`
	Bit         int    `json:"bit"`
	Label       string `json:"label"`
}

// EquipmentTree, ContainerTree and PLCTree are the fully-resolved
// configuration subtrees the poller and snapshot assembly consume.

type EquipmentTree struct {
	Equipment  Equipment
	DataPoints []DataPoint
}

type ContainerTree struct {
	Container  Container
	DataPoints []DataPoint
	Equipment  []EquipmentTree
}

type PLCTree struct {
	PLC        PLC
	DataPoints []DataPoint
	Containers []ContainerTree
}

// AllDataPoints flattens every datapoint owned by the PLC or one of its
// descendants, paired with the owner path used as the snapshot tree key.
func (t *PLCTree) AllDataPoints() []OwnedDataPoint {
	var out []OwnedDataPoint
	for _, dp := range t.DataPoints {
		out = append(out, OwnedDataPoint{Path: nil, DataPoint: dp})
	}
	for _, ct := range t.Containers {
		for _, dp := range ct.DataPoints {
			out = append(out, OwnedDataPoint{Path: []string{ct.Container.Name}, DataPoint: dp})
		}
		for _, et := range ct.Equipment {
			for _, dp := range et.DataPoints {
				out = append(out, OwnedDataPoint{
					Path:      []string{ct.Container.Name, et.Equipment.Name},
					DataPoint: dp,
				})
			}
		}
	}
	return out
}

// OwnedDataPoint is a datapoint plus its path below the PLC root
// (empty for PLC-owned, [container] or [container, equipment] otherwise).
type OwnedDataPoint struct {
	Path      []string
	DataPoint DataPoint
}

// RegisterBase is the zero-based register offset for a 4xxxx address.
const RegisterBase = 40001

// RegisterOffset converts a configured 4xxxx address to a zero-based holding
// register offset.
func RegisterOffset(addr4x int) int {
	return addr4x - RegisterBase
}

// BitLabel returns the configured label for a bit index, if any.
func (dp *DataPoint) BitLabel(bit int) (string, bool) {
	for _, b := range dp.Bits {
		if b.Bit == bit {
			return b.Label, true
		}
	}
	return "", false
}

// HasBit reports whether the bit index is part of the configured bit set.
func (dp *DataPoint) HasBit(bit int) bool {
	_, ok := dp.BitLabel(bit)
	return ok
}

// Validate applies the configuration invariants for a datapoint row.
func (dp *DataPoint) Validate() error {
	if dp.Label == "" {
		return &ValidationError{Field: "label", Reason: "must not be empty"}
	}
	if dp.Address < RegisterBase {
		return &ValidationError{Field: "address", Reason: fmt.Sprintf("must be a 4xxxx holding register reference, got %d", dp.Address)}
	}
	switch dp.Type {
	case TypeInteger, TypeReal:
		if len(dp.Bits) > 0 {
			return &ValidationError{Field: "bits", Reason: string(dp.Type) + " datapoints may not carry bit labels"}
		}
	case TypeDigital:
		if len(dp.Bits) > 16 {
			return &ValidationError{Field: "bits", Reason: "at most 16 bit labels"}
		}
		seen := map[int]bool{}
		for _, b := range dp.Bits {
			if b.Bit < 0 || b.Bit > 15 {
				return &ValidationError{Field: "bits", Reason: fmt.Sprintf("bit %d out of range [0..15]", b.Bit)}
			}
			if seen[b.Bit] {
				return &ValidationError{Field: "bits", Reason: fmt.Sprintf("duplicate bit %d", b.Bit)}
			}
			seen[b.Bit] = true
		}
	default:
		return &ValidationError{Field: "type", Reason: "unknown type " + string(dp.Type)}
	}
	if dp.Category == CategoryWrite && dp.Type == TypeReal {
		return &ValidationError{Field: "category", Reason: "REAL datapoints are not writable"}
	}
	return nil
}

// Validate checks the PLC connection parameters.
func (p *PLC) Validate() error {
	if p.Name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if p.Port <= 0 || p.Port > 65535 {
		return &ValidationError{Field: "port", Reason: "must be in [1..65535]"}
	}
	if net.ParseIP(p.Address) == nil && !validHostname(p.Address) {
		return &ValidationError{Field: "address", Reason: "not a valid IP or hostname"}
	}
	return nil
}

func validHostname(h string) bool {
	if h == "" || len(h) > 253 {
		return false
	}
	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i, r := range label {
			alnum := r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9'
			if !alnum && !(r == '-' && i > 0 && i < len(label)-1) {
				return false
			}
		}
	}
	return true
}

// DatapointRefPrefix is the canonical datapoint reference scheme. A ref of
// the form "db-dp:<id>" unambiguously names a configured datapoint.
const DatapointRefPrefix = "db-dp:"

// ParseDatapointRef extracts the datapoint id from a "db-dp:<id>" reference.
func ParseDatapointRef(ref string) (int64, error) {
	if !strings.HasPrefix(ref, DatapointRefPrefix) {
		return 0, &ValidationError{Field: "datapoint_ref", Reason: "must be of form db-dp:<id>"}
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(ref, DatapointRefPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, &ValidationError{Field: "datapoint_ref", Reason: "must be of form db-dp:<id>"}
	}
	return id, nil
}

// DatapointRef renders the canonical reference for a datapoint id.
func DatapointRef(id int64) string {
	return DatapointRefPrefix + strconv.FormatInt(id, 10)
}
