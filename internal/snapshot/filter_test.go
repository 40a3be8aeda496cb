package snapshot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/plantgateway/internal/access"
	"github.com/gridpoint/plantgateway/internal/model"
)

// filterTrees: P1 carries a plc-level STATE, container Feed with LEVEL and
// equipment Pump with FLOW, plus a sibling container Discharge with PRESSURE.
// P2 is a second device with one datapoint.
func filterTrees() []*model.PLCTree {
	return []*model.PLCTree{
		{
			PLC: model.PLC{ID: 1, Name: "P1"},
			DataPoints: []model.DataPoint{{
				ID: 1, OwnerKind: model.OwnerPLC, OwnerID: 1, Label: "STATE",
				Category: model.CategoryRead, Type: model.TypeInteger, Address: 40001, Multiplier: 1,
			}},
			Containers: []model.ContainerTree{
				{
					Container: model.Container{ID: 2, PLCID: 1, Name: "Feed"},
					DataPoints: []model.DataPoint{{
						ID: 2, OwnerKind: model.OwnerContainer, OwnerID: 2, Label: "LEVEL",
						Category: model.CategoryRead, Type: model.TypeInteger, Address: 40002, Multiplier: 1,
					}},
					Equipment: []model.EquipmentTree{{
						Equipment: model.Equipment{ID: 4, ContainerID: 2, Name: "Pump"},
						DataPoints: []model.DataPoint{{
							ID: 9, OwnerKind: model.OwnerEquipment, OwnerID: 4, Label: "FLOW",
							Category: model.CategoryRead, Type: model.TypeInteger, Address: 40003, Multiplier: 1,
						}},
					}},
				},
				{
					Container: model.Container{ID: 3, PLCID: 1, Name: "Discharge"},
					DataPoints: []model.DataPoint{{
						ID: 10, OwnerKind: model.OwnerContainer, OwnerID: 3, Label: "PRESSURE",
						Category: model.CategoryRead, Type: model.TypeInteger, Address: 40004, Multiplier: 1,
					}},
				},
			},
		},
		{
			PLC: model.PLC{ID: 5, Name: "P2"},
			DataPoints: []model.DataPoint{{
				ID: 20, OwnerKind: model.OwnerPLC, OwnerID: 5, Label: "STATE",
				Category: model.CategoryRead, Type: model.TypeInteger, Address: 40001, Multiplier: 1,
			}},
		},
	}
}

func filterStore() *Store {
	s := NewStore()

	p1 := NewTree()
	p1.DataPoints["STATE"] = IntValue{ID: 1, Register: 40001, Value: 7}
	feed := p1.Child("Feed")
	feed.DataPoints["LEVEL"] = IntValue{ID: 2, Register: 40002, Value: 55}
	feed.Child("Pump").DataPoints["FLOW"] = IntValue{ID: 9, Register: 40003, Value: 42}
	p1.Child("Discharge").DataPoints["PRESSURE"] = IntValue{ID: 10, Register: 40004, Value: 3}
	s.Put("P1", p1)

	p2 := NewTree()
	p2.DataPoints["STATE"] = IntValue{ID: 20, Register: 40001, Value: 1}
	s.Put("P2", p2)

	return s
}

func singleGrant(trees []*model.PLCTree, rt model.ResourceType, id int64) *access.Effective {
	uid := int64(1)
	return access.Compute([]*model.Grant{{
		UserID: &uid, ResourceType: rt, ResourceID: id, Level: model.LevelRead,
	}}, model.NewTreeIndex(trees))
}

func TestFilteredViewSingleLeafPrunesSiblings(t *testing.T) {
	trees := filterTrees()
	views := FilteredView(filterStore(), trees, singleGrant(trees, model.ResourceDatapoint, 9))

	require.Len(t, views, 1, "only P1 is visible")
	v := views[0]
	assert.Equal(t, "P1", v.PLC)

	// The path down to FLOW is present and nothing else is.
	assert.Empty(t, v.DataPoints, "plc-level STATE is not readable")
	require.Contains(t, v.Containers, "Feed")
	assert.NotContains(t, v.Containers, "Discharge")

	feed := v.Containers["Feed"]
	assert.Empty(t, feed.DataPoints, "LEVEL is not readable")
	require.Contains(t, feed.Equipment, "Pump")
	assert.Equal(t, IntValue{ID: 9, Register: 40003, Value: 42}, feed.Equipment["Pump"].DataPoints["FLOW"])
}

func TestFilteredViewAdminSeesEverything(t *testing.T) {
	trees := filterTrees()
	views := FilteredView(filterStore(), trees, access.AdminBypass())

	require.Len(t, views, 2)
	byName := map[string]*DeviceView{}
	for _, v := range views {
		byName[v.PLC] = v
	}

	p1 := byName["P1"]
	require.NotNil(t, p1)
	assert.Contains(t, p1.DataPoints, "STATE")
	assert.Contains(t, p1.Containers, "Feed")
	assert.Contains(t, p1.Containers, "Discharge")
	assert.Contains(t, p1.Containers["Feed"].DataPoints, "LEVEL")

	p2 := byName["P2"]
	require.NotNil(t, p2)
	assert.Contains(t, p2.DataPoints, "STATE")
}

func TestFilteredViewNoGrantsYieldsNothing(t *testing.T) {
	trees := filterTrees()
	acc := access.Compute(nil, model.NewTreeIndex(trees))
	views := FilteredView(filterStore(), trees, acc)
	assert.Empty(t, views)
}

func TestFilteredViewUnpolledPLCKeepsNoDataView(t *testing.T) {
	trees := filterTrees()
	views := FilteredView(NewStore(), trees, access.AdminBypass())

	require.Len(t, views, 2)
	for _, v := range views {
		assert.True(t, v.NoData)
		assert.Empty(t, v.DataPoints)
	}
}

func TestFilteredViewMissingLeafAfterFailedRead(t *testing.T) {
	trees := filterTrees()
	s := NewStore()

	// FLOW's block failed this cycle; only STATE landed.
	p1 := NewTree()
	p1.DataPoints["STATE"] = IntValue{ID: 1, Register: 40001, Value: 7}
	s.Put("P1", p1)

	views := FilteredView(s, trees[:1], access.AdminBypass())
	require.Len(t, views, 1)
	assert.Contains(t, views[0].DataPoints, "STATE")
	assert.NotContains(t, views[0].Containers, "Feed")
}
