package poller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/snapshot"
)

type fakeDevice struct {
	mu        sync.Mutex
	registers map[int]uint16
	failFrom  int // offsets >= failFrom fail; -1 disables
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{registers: map[int]uint16{}, failFrom: -1}
}

func (d *fakeDevice) set(offset int, value uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.registers[offset] = value
}

func (d *fakeDevice) ReadHoldingRegisters(plc string, address, count int) ([]uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failFrom >= 0 && address >= d.failFrom {
		return nil, fmt.Errorf("read failed at %d", address)
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = d.registers[address+i]
	}
	return out, nil
}

type captureSink struct {
	mu       sync.Mutex
	readings []map[int64]float64
}

func (s *captureSink) Ingest(ctx context.Context, plc string, readings map[int64]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readings = append(s.readings, readings)
}

func (s *captureSink) last() map[int64]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readings) == 0 {
		return nil
	}
	return s.readings[len(s.readings)-1]
}

func testPollingConfig() config.PollingConfig {
	return config.PollingConfig{IntervalS: 0.01, MaxBlockRegs: 100, MaxGapRegs: 2, RealExtraOffset: 1}
}

func pollTree() *model.PLCTree {
	return &model.PLCTree{
		PLC: model.PLC{ID: 1, Name: "P1", Address: "127.0.0.1", Port: 502},
		DataPoints: []model.DataPoint{{
			ID: 1, OwnerKind: model.OwnerPLC, OwnerID: 1, Label: "STATE",
			Category: model.CategoryRead, Type: model.TypeInteger, Address: 40001, Multiplier: 1,
		}},
		Containers: []model.ContainerTree{{
			Container: model.Container{ID: 2, PLCID: 1, Name: "Feed"},
			Equipment: []model.EquipmentTree{{
				Equipment: model.Equipment{ID: 3, ContainerID: 2, Name: "Pump"},
				DataPoints: []model.DataPoint{{
					ID: 2, OwnerKind: model.OwnerEquipment, OwnerID: 3, Label: "SPEED",
					Category: model.CategoryRead, Type: model.TypeInteger, Address: 40005, Multiplier: 1,
				}},
			}},
		}},
	}
}

func TestCycleAssemblesTreeAndFeedsSink(t *testing.T) {
	device := newFakeDevice()
	device.set(0, 7)  // STATE at 40001
	device.set(4, 42) // SPEED at 40005

	snaps := snapshot.NewStore()
	sink := &captureSink{}
	p := New(testPollingConfig(), device, snaps, sink, nil)
	p.SetTrees([]*model.PLCTree{pollTree()})

	p.cycle("P1")

	snap := snaps.Get("P1")
	require.False(t, snap.NoData)

	state, ok := snap.Root.DataPoints["STATE"].(snapshot.IntValue)
	require.True(t, ok)
	assert.Equal(t, uint16(7), state.Value)

	pump := snap.Root.Child("Feed").Child("Pump")
	speed, ok := pump.DataPoints["SPEED"].(snapshot.IntValue)
	require.True(t, ok)
	assert.Equal(t, uint16(42), speed.Value)

	require.NotNil(t, sink.last())
	assert.Equal(t, 7.0, sink.last()[1])
	assert.Equal(t, 42.0, sink.last()[2])
}

func TestCycleReplacesSnapshotWholesale(t *testing.T) {
	device := newFakeDevice()
	device.set(0, 1)

	snaps := snapshot.NewStore()
	p := New(testPollingConfig(), device, snaps, nil, nil)
	p.SetTrees([]*model.PLCTree{pollTree()})

	p.cycle("P1")
	first := snaps.Get("P1")

	device.set(0, 2)
	p.cycle("P1")
	second := snaps.Get("P1")

	assert.NotSame(t, first.Root, second.Root)
	assert.Equal(t, uint16(1), first.Root.DataPoints["STATE"].(snapshot.IntValue).Value)
	assert.Equal(t, uint16(2), second.Root.DataPoints["STATE"].(snapshot.IntValue).Value)
}

func TestPartialBlockFailureSkipsOnlyMissingTags(t *testing.T) {
	device := newFakeDevice()
	device.set(0, 9)
	device.failFrom = 4 // the SPEED block fails, the STATE block succeeds

	snaps := snapshot.NewStore()
	p := New(testPollingConfig(), device, snaps, nil, nil)

	// A gap of 3 between offsets 0 and 4 exceeds max_gap_regs=2, forcing
	// two separate blocks.
	p.SetTrees([]*model.PLCTree{pollTree()})
	p.cycle("P1")

	snap := snaps.Get("P1")
	assert.Contains(t, snap.Root.DataPoints, "STATE")
	assert.NotContains(t, snap.Root.Child("Feed").Child("Pump").DataPoints, "SPEED")
}

func TestStartStopResponsive(t *testing.T) {
	device := newFakeDevice()
	snaps := snapshot.NewStore()

	cfg := testPollingConfig()
	cfg.IntervalS = 10 // workers spend almost all their time sleeping

	p := New(cfg, device, snaps, nil, nil)
	p.SetTrees([]*model.PLCTree{pollTree()})
	p.Start()

	// First cycle runs immediately.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && snaps.Get("P1").NoData {
		time.Sleep(5 * time.Millisecond)
	}
	require.False(t, snaps.Get("P1").NoData)

	stopStart := time.Now()
	p.Stop()
	assert.Less(t, time.Since(stopStart), 500*time.Millisecond)
}

func TestInvalidateReplans(t *testing.T) {
	device := newFakeDevice()
	snaps := snapshot.NewStore()
	p := New(testPollingConfig(), device, snaps, nil, nil)
	p.SetTrees([]*model.PLCTree{pollTree()})

	p.cycle("P1")
	p.mu.Lock()
	_, cached := p.plans["P1"]
	p.mu.Unlock()
	require.True(t, cached)

	p.Invalidate("P1")
	p.mu.Lock()
	_, cached = p.plans["P1"]
	p.mu.Unlock()
	assert.False(t, cached)
}
