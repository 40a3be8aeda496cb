package model

// TreeIndex is the edge-map view of the configuration tree used by access
// computation, alarm decoration and snapshot filtering. It is rebuilt from
// the store whenever the tree changes and treated as immutable afterwards.
type TreeIndex struct {
	PLCByID     map[int64]*PLC
	PLCIDByName map[string]int64

	ContainerPLC       map[int64]int64 // container id → plc id
	EquipmentContainer map[int64]int64 // equipment id → container id
	DatapointOwner     map[int64]Owner // datapoint id → owner

	ContainersOfPLC      map[int64][]int64
	EquipmentOfContainer map[int64][]int64
	DatapointsOfOwner    map[Owner][]int64

	ContainerName  map[int64]string
	EquipmentName  map[int64]string
	DatapointLabel map[int64]string
}

// NewTreeIndex builds the edge maps from resolved PLC trees.
func NewTreeIndex(trees []*PLCTree) *TreeIndex {
	idx := &TreeIndex{
		PLCByID:              map[int64]*PLC{},
		PLCIDByName:          map[string]int64{},
		ContainerPLC:         map[int64]int64{},
		EquipmentContainer:   map[int64]int64{},
		DatapointOwner:       map[int64]Owner{},
		ContainersOfPLC:      map[int64][]int64{},
		EquipmentOfContainer: map[int64][]int64{},
		DatapointsOfOwner:    map[Owner][]int64{},
		ContainerName:        map[int64]string{},
		EquipmentName:        map[int64]string{},
		DatapointLabel:       map[int64]string{},
	}
	for _, t := range trees {
		plc := t.PLC
		idx.PLCByID[plc.ID] = &plc
		idx.PLCIDByName[plc.Name] = plc.ID
		for _, dp := range t.DataPoints {
			idx.addDatapoint(dp, Owner{OwnerPLC, plc.ID})
		}
		for _, ct := range t.Containers {
			idx.ContainerPLC[ct.Container.ID] = plc.ID
			idx.ContainersOfPLC[plc.ID] = append(idx.ContainersOfPLC[plc.ID], ct.Container.ID)
			idx.ContainerName[ct.Container.ID] = ct.Container.Name
			for _, dp := range ct.DataPoints {
				idx.addDatapoint(dp, Owner{OwnerContainer, ct.Container.ID})
			}
			for _, et := range ct.Equipment {
				idx.EquipmentContainer[et.Equipment.ID] = ct.Container.ID
				idx.EquipmentOfContainer[ct.Container.ID] = append(idx.EquipmentOfContainer[ct.Container.ID], et.Equipment.ID)
				idx.EquipmentName[et.Equipment.ID] = et.Equipment.Name
				for _, dp := range et.DataPoints {
					idx.addDatapoint(dp, Owner{OwnerEquipment, et.Equipment.ID})
				}
			}
		}
	}
	return idx
}

func (idx *TreeIndex) addDatapoint(dp DataPoint, owner Owner) {
	idx.DatapointOwner[dp.ID] = owner
	idx.DatapointsOfOwner[owner] = append(idx.DatapointsOfOwner[owner], dp.ID)
	idx.DatapointLabel[dp.ID] = dp.Label
}

// PLCOfDatapoint walks a datapoint up to its PLC id.
func (idx *TreeIndex) PLCOfDatapoint(dpID int64) (int64, bool) {
	owner, ok := idx.DatapointOwner[dpID]
	if !ok {
		return 0, false
	}
	switch owner.Kind {
	case OwnerPLC:
		return owner.ID, true
	case OwnerContainer:
		plc, ok := idx.ContainerPLC[owner.ID]
		return plc, ok
	case OwnerEquipment:
		cont, ok := idx.EquipmentContainer[owner.ID]
		if !ok {
			return 0, false
		}
		plc, ok := idx.ContainerPLC[cont]
		return plc, ok
	}
	return 0, false
}

// DatapointContext resolves the human-readable location of a datapoint:
// plc name, container name, equipment name (either may be empty) and label.
func (idx *TreeIndex) DatapointContext(dpID int64) (plcName, containerName, equipmentName, label string, ok bool) {
	owner, found := idx.DatapointOwner[dpID]
	if !found {
		return "", "", "", "", false
	}
	label = idx.DatapointLabel[dpID]
	var plcID int64
	switch owner.Kind {
	case OwnerPLC:
		plcID = owner.ID
	case OwnerContainer:
		containerName = idx.ContainerName[owner.ID]
		plcID = idx.ContainerPLC[owner.ID]
	case OwnerEquipment:
		equipmentName = idx.EquipmentName[owner.ID]
		contID := idx.EquipmentContainer[owner.ID]
		containerName = idx.ContainerName[contID]
		plcID = idx.ContainerPLC[contID]
	}
	if plc, found := idx.PLCByID[plcID]; found {
		plcName = plc.Name
	}
	return plcName, containerName, equipmentName, label, true
}
