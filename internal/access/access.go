// Package access computes effective read/write sets over the configuration
// tree for a principal. Every request-boundary read is filtered and every
// command authorized against these sets.
package access

import (
	"fmt"

	"github.com/gridpoint/plantgateway/internal/model"
)

// ErrForbidden is returned when a principal lacks the required access. The
// wrapping message names the action and resource category, never the
// principal's grant set.
var ErrForbidden = fmt.Errorf("forbidden")

// Forbidden wraps ErrForbidden with the action and resource category.
func Forbidden(action string, resource model.ResourceType) error {
	return fmt.Errorf("%w: %s on %s", ErrForbidden, action, resource)
}

type idSet map[int64]struct{}

func (s idSet) add(id int64)       { s[id] = struct{}{} }
func (s idSet) has(id int64) bool  { _, ok := s[id]; return ok }
func (s idSet) addAll(ids []int64) {
	for _, id := range ids {
		s[id] = struct{}{}
	}
}

// Effective is the computed access of one principal. Admin principals skip
// filtering entirely.
type Effective struct {
	Admin bool

	readPLC       idSet
	readContainer idSet
	readEquipment idSet
	readDatapoint idSet

	writePLC       idSet
	writeContainer idSet
	writeEquipment idSet
	writeDatapoint idSet
}

// AdminBypass returns an Effective that allows everything.
func AdminBypass() *Effective {
	return &Effective{Admin: true}
}

// Compute expands the principal's grants over the tree: direct targets,
// include-descendants closure downward, write⇒read, and the upward read
// closure that lets a principal navigate to a granted leaf.
func Compute(grants []*model.Grant, idx *model.TreeIndex) *Effective {
	e := &Effective{
		readPLC:        idSet{},
		readContainer:  idSet{},
		readEquipment:  idSet{},
		readDatapoint:  idSet{},
		writePLC:       idSet{},
		writeContainer: idSet{},
		writeEquipment: idSet{},
		writeDatapoint: idSet{},
	}

	for _, g := range grants {
		read, write := e.readPLC, e.writePLC
		switch g.ResourceType {
		case model.ResourcePLC:
			read, write = e.readPLC, e.writePLC
		case model.ResourceContainer:
			read, write = e.readContainer, e.writeContainer
		case model.ResourceEquipment:
			read, write = e.readEquipment, e.writeEquipment
		case model.ResourceDatapoint:
			read, write = e.readDatapoint, e.writeDatapoint
		default:
			continue
		}
		read.add(g.ResourceID)
		if g.Level == model.LevelWrite {
			write.add(g.ResourceID)
		}
		if g.IncludeDescendants && g.ResourceType != model.ResourceDatapoint {
			e.addDescendants(g, idx)
		}
	}

	e.escalateAncestors(idx)
	return e
}

// addDescendants walks the subtree below a grant target and adds every node.
func (e *Effective) addDescendants(g *model.Grant, idx *model.TreeIndex) {
	write := g.Level == model.LevelWrite

	addDatapoints := func(owner model.Owner) {
		ids := idx.DatapointsOfOwner[owner]
		e.readDatapoint.addAll(ids)
		if write {
			e.writeDatapoint.addAll(ids)
		}
	}
	addEquipment := func(eqID int64) {
		e.readEquipment.add(eqID)
		if write {
			e.writeEquipment.add(eqID)
		}
		addDatapoints(model.Owner{Kind: model.OwnerEquipment, ID: eqID})
	}
	addContainer := func(contID int64) {
		e.readContainer.add(contID)
		if write {
			e.writeContainer.add(contID)
		}
		addDatapoints(model.Owner{Kind: model.OwnerContainer, ID: contID})
		for _, eqID := range idx.EquipmentOfContainer[contID] {
			addEquipment(eqID)
		}
	}

	switch g.ResourceType {
	case model.ResourcePLC:
		addDatapoints(model.Owner{Kind: model.OwnerPLC, ID: g.ResourceID})
		for _, contID := range idx.ContainersOfPLC[g.ResourceID] {
			addContainer(contID)
		}
	case model.ResourceContainer:
		addContainer(g.ResourceID)
	case model.ResourceEquipment:
		addEquipment(g.ResourceID)
	}
}

// escalateAncestors closes the read sets upward so a readable leaf's path is
// navigable: datapoint → owner, equipment → container, container → PLC.
func (e *Effective) escalateAncestors(idx *model.TreeIndex) {
	for dpID := range e.readDatapoint {
		owner, ok := idx.DatapointOwner[dpID]
		if !ok {
			continue
		}
		switch owner.Kind {
		case model.OwnerPLC:
			e.readPLC.add(owner.ID)
		case model.OwnerContainer:
			e.readContainer.add(owner.ID)
		case model.OwnerEquipment:
			e.readEquipment.add(owner.ID)
		}
	}
	for eqID := range e.readEquipment {
		if contID, ok := idx.EquipmentContainer[eqID]; ok {
			e.readContainer.add(contID)
		}
	}
	for contID := range e.readContainer {
		if plcID, ok := idx.ContainerPLC[contID]; ok {
			e.readPLC.add(plcID)
		}
	}
}

// CanRead is an O(1) set lookup.
func (e *Effective) CanRead(rt model.ResourceType, id int64) bool {
	if e.Admin {
		return true
	}
	switch rt {
	case model.ResourcePLC:
		return e.readPLC.has(id)
	case model.ResourceContainer:
		return e.readContainer.has(id)
	case model.ResourceEquipment:
		return e.readEquipment.has(id)
	case model.ResourceDatapoint:
		return e.readDatapoint.has(id)
	}
	return false
}

// CanWrite is an O(1) set lookup. Write membership is independent of the
// read closure: escalated ancestors are readable, not writable.
func (e *Effective) CanWrite(rt model.ResourceType, id int64) bool {
	if e.Admin {
		return true
	}
	switch rt {
	case model.ResourcePLC:
		return e.writePLC.has(id)
	case model.ResourceContainer:
		return e.writeContainer.has(id)
	case model.ResourceEquipment:
		return e.writeEquipment.has(id)
	case model.ResourceDatapoint:
		return e.writeDatapoint.has(id)
	}
	return false
}

// ReadableDatapoints returns the datapoint read set (nil for admins, meaning
// unrestricted).
func (e *Effective) ReadableDatapoints() map[int64]struct{} {
	if e.Admin {
		return nil
	}
	return e.readDatapoint
}
