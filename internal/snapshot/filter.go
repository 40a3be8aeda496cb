package snapshot

import (
	"time"

	"github.com/gridpoint/plantgateway/internal/access"
	"github.com/gridpoint/plantgateway/internal/model"
)

// DeviceView is the access-filtered snapshot of one PLC as served to
// clients. Branches with no visible leaves are pruned.
type DeviceView struct {
	PLC        string                    `json:"plc"`
	Timestamp  time.Time                 `json:"timestamp"`
	NoData     bool                      `json:"no_data,omitempty"`
	DataPoints map[string]Value          `json:"datapoints,omitempty"`
	Containers map[string]*ContainerView `json:"containers,omitempty"`
}

type ContainerView struct {
	DataPoints map[string]Value          `json:"datapoints,omitempty"`
	Equipment  map[string]*EquipmentView `json:"equipment,omitempty"`
}

type EquipmentView struct {
	DataPoints map[string]Value `json:"datapoints,omitempty"`
}

// FilteredView assembles the per-principal snapshot: for every readable PLC,
// the readable leaves of its latest snapshot arranged by the configuration
// tree. PLCs and branches that end up empty are dropped entirely.
func FilteredView(store *Store, trees []*model.PLCTree, acc *access.Effective) []*DeviceView {
	var out []*DeviceView
	for _, t := range trees {
		if !acc.CanRead(model.ResourcePLC, t.PLC.ID) {
			continue
		}
		snap := store.Get(t.PLC.Name)

		view := &DeviceView{
			PLC:       t.PLC.Name,
			Timestamp: snap.Timestamp,
			NoData:    snap.NoData,
		}

		for _, dp := range t.DataPoints {
			if v, ok := visibleLeaf(snap.Root, nil, dp, acc); ok {
				if view.DataPoints == nil {
					view.DataPoints = make(map[string]Value)
				}
				view.DataPoints[dp.Label] = v
			}
		}

		for _, ct := range t.Containers {
			if !acc.CanRead(model.ResourceContainer, ct.Container.ID) {
				continue
			}
			cv := &ContainerView{}
			for _, dp := range ct.DataPoints {
				if v, ok := visibleLeaf(snap.Root, []string{ct.Container.Name}, dp, acc); ok {
					if cv.DataPoints == nil {
						cv.DataPoints = make(map[string]Value)
					}
					cv.DataPoints[dp.Label] = v
				}
			}
			for _, et := range ct.Equipment {
				if !acc.CanRead(model.ResourceEquipment, et.Equipment.ID) {
					continue
				}
				ev := &EquipmentView{}
				path := []string{ct.Container.Name, et.Equipment.Name}
				for _, dp := range et.DataPoints {
					if v, ok := visibleLeaf(snap.Root, path, dp, acc); ok {
						if ev.DataPoints == nil {
							ev.DataPoints = make(map[string]Value)
						}
						ev.DataPoints[dp.Label] = v
					}
				}
				if len(ev.DataPoints) > 0 {
					if cv.Equipment == nil {
						cv.Equipment = make(map[string]*EquipmentView)
					}
					cv.Equipment[et.Equipment.Name] = ev
				}
			}
			if len(cv.DataPoints) > 0 || len(cv.Equipment) > 0 {
				if view.Containers == nil {
					view.Containers = make(map[string]*ContainerView)
				}
				view.Containers[ct.Container.Name] = cv
			}
		}

		if len(view.DataPoints) > 0 || len(view.Containers) > 0 || snap.NoData {
			out = append(out, view)
		}
	}
	return out
}

// visibleLeaf looks up a datapoint's current value under its owner path and
// applies the read filter. Missing values (failed block reads) yield no leaf.
func visibleLeaf(root *Tree, path []string, dp model.DataPoint, acc *access.Effective) (Value, bool) {
	if !acc.CanRead(model.ResourceDatapoint, dp.ID) {
		return nil, false
	}
	node := root
	for _, name := range path {
		child, ok := node.Children[name]
		if !ok {
			return nil, false
		}
		node = child
	}
	v, ok := node.DataPoints[dp.Label]
	return v, ok
}
