package command

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/monitoring"
	"github.com/gridpoint/plantgateway/internal/ratelimit"
	"github.com/gridpoint/plantgateway/internal/store"
)

type writeRec struct {
	plc     string
	address int
	bit     int
	value   uint16
}

type fakeDevice struct {
	mu       sync.Mutex
	writes   []writeRec
	failures int // fail this many dispatches before succeeding
}

func (d *fakeDevice) WriteRegister(plc string, address int, value uint16, verify bool) error {
	return d.record(writeRec{plc: plc, address: address, bit: -1, value: value})
}

func (d *fakeDevice) WriteBitInRegister(plc string, address, bit int, value uint16, verify bool) error {
	return d.record(writeRec{plc: plc, address: address, bit: bit, value: value})
}

func (d *fakeDevice) record(w writeRec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.failures--
		return fmt.Errorf("device unavailable")
	}
	d.writes = append(d.writes, w)
	return nil
}

func (d *fakeDevice) recorded() []writeRec {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]writeRec, len(d.writes))
	copy(out, d.writes)
	return out
}

func testCommandsConfig() config.CommandsConfig {
	return config.CommandsConfig{MaxRetries: 2, BackoffS: 0.001, RateLimitPerMinute: 1000}
}

func testTree() []*model.PLCTree {
	return []*model.PLCTree{{
		PLC: model.PLC{ID: 1, Name: "P1", Address: "127.0.0.1", Port: 502},
		DataPoints: []model.DataPoint{
			{
				ID: 17, OwnerKind: model.OwnerPLC, OwnerID: 1, Label: "START",
				Category: model.CategoryWrite, Type: model.TypeDigital,
				Address: 40050, Multiplier: 1,
				Bits: []model.DataPointBit{{DataPointID: 17, Bit: 0, Label: "Run"}},
			},
			{
				ID: 18, OwnerKind: model.OwnerPLC, OwnerID: 1, Label: "SETPOINT",
				Category: model.CategoryWrite, Type: model.TypeInteger,
				Address: 40060, Multiplier: 1,
			},
			{
				ID: 19, OwnerKind: model.OwnerPLC, OwnerID: 1, Label: "TEMP",
				Category: model.CategoryWrite, Type: model.TypeReal,
				Address: 40070, Multiplier: 1,
			},
			{
				ID: 20, OwnerKind: model.OwnerPLC, OwnerID: 1, Label: "STATUS",
				Category: model.CategoryRead, Type: model.TypeInteger,
				Address: 40080, Multiplier: 1,
			},
		},
	}, {
		PLC: model.PLC{ID: 2, Name: "P2", Address: "127.0.0.1", Port: 502},
		DataPoints: []model.DataPoint{
			{
				ID: 30, OwnerKind: model.OwnerPLC, OwnerID: 2, Label: "SETPOINT",
				Category: model.CategoryWrite, Type: model.TypeInteger,
				Address: 40060, Multiplier: 1,
			},
		},
	}}
}

type fixture struct {
	mem     *store.Memory
	device  *fakeDevice
	exec    *Executor
	service *Service
	hub     *captureHub
	limiter *ratelimit.Memory
}

type captureHub struct {
	mu       sync.Mutex
	payloads []interface{}
}

func (h *captureHub) Broadcast(channel string, payload interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.payloads = append(h.payloads, payload)
}

func (h *captureHub) logEvents() []LogEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []LogEvent
	for _, p := range h.payloads {
		if ev, ok := p.(LogEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	mem.SetTree(testTree())
	device := &fakeDevice{}
	capture := &captureHub{}
	limiter := ratelimit.NewMemory(1000)
	t.Cleanup(limiter.Close)

	exec := NewExecutor(testCommandsConfig(), device, mem, capture, nil)
	t.Cleanup(exec.Stop)
	svc := NewService(testCommandsConfig(), 15, mem, mem, limiter, exec)
	return &fixture{mem: mem, device: device, exec: exec, service: svc, hub: capture, limiter: limiter}
}

func waitTerminal(t *testing.T, mem *store.Memory, id string) *model.Command {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		cmd, err := mem.GetCommand(context.Background(), id)
		require.NoError(t, err)
		if cmd.Status.Terminal() {
			return cmd
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("command %s did not reach a terminal status", id)
	return nil
}

func TestBitWriteSuccessLifecycle(t *testing.T) {
	f := newFixture(t)
	bit := 0
	cmd, err := f.service.Create(context.Background(), nil, CreateRequest{
		PLCName:      "P1",
		DatapointRef: "db-dp:17",
		Kind:         model.KindBit,
		Bit:          &bit,
		Value:        1,
		Username:     "operator",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, cmd.Status)
	assert.Equal(t, "Run", cmd.Payload.BitLabel)
	assert.Equal(t, "START", cmd.Payload.DatapointLabel)

	done := waitTerminal(t, f.mem, cmd.CommandID)
	assert.Equal(t, model.StatusSuccess, done.Status)
	assert.Equal(t, 1, done.Attempts)

	// Device saw the offset form of the configured 4xxxx address.
	writes := f.device.recorded()
	require.Len(t, writes, 1)
	assert.Equal(t, writeRec{plc: "P1", address: 40050 - model.RegisterBase, bit: 0, value: 1}, writes[0])

	// queued -> executing -> success, ascending ts, nothing after terminal.
	events, err := f.mem.CommandEvents(context.Background(), cmd.CommandID)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.StatusQueued, events[0].Status)
	assert.Equal(t, model.StatusExecuting, events[1].Status)
	assert.Equal(t, model.StatusSuccess, events[2].Status)

	var success bool
	for _, ev := range f.hub.logEvents() {
		if ev.Command.CommandID != cmd.CommandID || ev.Event == nil || ev.Event.Status != model.StatusSuccess {
			continue
		}
		success = true
		assert.Equal(t, "command_log", ev.Type)
		assert.Equal(t, "P1", ev.Command.PLC)
		assert.Equal(t, "START", ev.Command.DataPointLabel)
		assert.Equal(t, "Run", ev.Command.BitLabel)
		assert.Equal(t, "operator", ev.Command.Username)
	}
	assert.True(t, success, "success event broadcast missing")
}

func TestRetriesThenFailed(t *testing.T) {
	f := newFixture(t)
	f.device.failures = 100 // never recovers within the retry budget

	verify := true
	cmd, err := f.service.Create(context.Background(), nil, CreateRequest{
		PLCName:      "P1",
		DatapointRef: "db-dp:18",
		Kind:         model.KindRegister,
		Value:        1234,
		Verify:       &verify,
	})
	require.NoError(t, err)

	done := waitTerminal(t, f.mem, cmd.CommandID)
	assert.Equal(t, model.StatusFailed, done.Status)
	assert.Equal(t, 3, done.Attempts) // max_retries=2 → 3 attempts
	assert.Contains(t, done.Error, "device unavailable")
}

func TestRetryRecovers(t *testing.T) {
	f := newFixture(t)
	f.device.failures = 1

	cmd, err := f.service.Create(context.Background(), nil, CreateRequest{
		PLCName:      "P1",
		DatapointRef: "db-dp:18",
		Kind:         model.KindRegister,
		Value:        7,
	})
	require.NoError(t, err)

	done := waitTerminal(t, f.mem, cmd.CommandID)
	assert.Equal(t, model.StatusSuccess, done.Status)
	assert.Equal(t, 2, done.Attempts)
}

func TestCancelQueuedCommand(t *testing.T) {
	mem := store.NewMemory()
	mem.SetTree(testTree())
	limiter := ratelimit.NewMemory(1000)
	defer limiter.Close()

	// Insert the row by hand without enqueueing so it stays queued.
	device := &fakeDevice{}
	exec := NewExecutor(testCommandsConfig(), device, mem, nil, nil)
	svc := NewService(testCommandsConfig(), 15, mem, mem, limiter, exec)

	now := time.Now().UTC()
	cmd := &model.Command{
		CommandID: "c-held", PLCName: "P9", DatapointRef: "db-dp:18",
		Kind: model.KindRegister, Status: model.StatusQueued,
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, mem.InsertCommand(context.Background(), cmd))

	got, err := svc.Cancel(context.Background(), cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	// Cancelling again is a no-op returning the current state.
	again, err := svc.Cancel(context.Background(), cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, again.Status)

	events, err := mem.CommandEvents(context.Background(), cmd.CommandID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusCancelled, events[0].Status)

	exec.Stop()
}

func TestFIFOOrderingPerPLC(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 50; i++ {
		cmd, err := f.service.Create(ctx, nil, CreateRequest{
			PLCName:      "P1",
			DatapointRef: "db-dp:18",
			Kind:         model.KindRegister,
			Value:        i,
		})
		require.NoError(t, err)
		ids = append(ids, cmd.CommandID)

		// Interleave traffic on another PLC.
		if i%5 == 0 {
			_, err := f.service.Create(ctx, nil, CreateRequest{
				PLCName:      "P2",
				DatapointRef: "db-dp:30",
				Kind:         model.KindRegister,
				Value:        i,
			})
			require.NoError(t, err)
		}
	}
	for _, id := range ids {
		waitTerminal(t, f.mem, id)
	}

	// The executing events for P1 appear in submission order.
	var executing []string
	for _, ev := range f.hub.logEvents() {
		if ev.Command.PLC == "P1" && ev.Event != nil && ev.Event.Status == model.StatusExecuting {
			executing = append(executing, ev.Command.CommandID)
		}
	}
	assert.Equal(t, ids, executing)
}

// commandMetrics builds the command instrumentation on a private registry so
// parallel tests never collide with promauto's default one.
func commandMetrics() *monitoring.Metrics {
	return &monitoring.Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "commands_total"},
			[]string{"plc", "status"},
		),
		CommandExecSecs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Name: "command_execution_seconds"},
			[]string{"plc"},
		),
		CommandQueueLen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: "command_queue_length"},
			[]string{"plc"},
		),
	}
}

func TestTerminalStatusRecordsMetrics(t *testing.T) {
	mem := f2mem(t)
	limiter := ratelimit.NewMemory(1000)
	t.Cleanup(limiter.Close)

	m := commandMetrics()
	exec := NewExecutor(testCommandsConfig(), &fakeDevice{}, mem, nil, m)
	t.Cleanup(exec.Stop)
	svc := NewService(testCommandsConfig(), 15, mem, mem, limiter, exec)

	cmd, err := svc.Create(context.Background(), nil, CreateRequest{
		PLCName: "P1", DatapointRef: "db-dp:18",
		Kind: model.KindRegister, Value: 5,
	})
	require.NoError(t, err)
	waitTerminal(t, mem, cmd.CommandID)

	// The counter increments just after the terminal status is persisted.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(m.CommandsTotal.WithLabelValues("P1", "success")) == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CommandsTotal.WithLabelValues("P1", "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CommandExecSecs))
}

func TestStopBoundedAndRejectsEnqueue(t *testing.T) {
	f := newFixture(t)
	f.exec.Stop()

	cmd := &model.Command{CommandID: "x", PLCName: "P1", Status: model.StatusQueued}
	err := f.exec.Enqueue(cmd)
	assert.Error(t, err)
}
