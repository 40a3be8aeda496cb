// Package poller runs one background worker per PLC, reading the planned
// register blocks each cycle and publishing a fresh snapshot tree.
package poller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/monitoring"
	"github.com/gridpoint/plantgateway/internal/scan"
	"github.com/gridpoint/plantgateway/internal/snapshot"
)

// Device is the read surface the poller needs from the device service.
type Device interface {
	ReadHoldingRegisters(plc string, address, count int) ([]uint16, error)
}

// AlarmSink consumes the numeric readings of each completed cycle.
type AlarmSink interface {
	Ingest(ctx context.Context, plcName string, readings map[int64]float64)
}

// stopSlice bounds how long a sleeping worker takes to notice Stop.
const stopSlice = 100 * time.Millisecond

// Poller owns the per-PLC poll workers and the plan cache.
type Poller struct {
	cfg       config.PollingConfig
	device    Device
	planner   *scan.Planner
	snapshots *snapshot.Store
	sink      AlarmSink
	metrics   *monitoring.Metrics
	logger    *log.Logger

	mu      sync.Mutex
	trees   map[string]*model.PLCTree
	plans   map[string]*scan.Plan
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New builds a poller. sink and metrics may be nil. No worker runs until
// Start.
func New(cfg config.PollingConfig, device Device, snapshots *snapshot.Store, sink AlarmSink, metrics *monitoring.Metrics) *Poller {
	return &Poller{
		cfg:       cfg,
		device:    device,
		planner:   scan.NewPlanner(cfg),
		snapshots: snapshots,
		sink:      sink,
		metrics:   metrics,
		logger:    log.New(log.Writer(), "[POLLER] ", log.LstdFlags),
		trees:     map[string]*model.PLCTree{},
		plans:     map[string]*scan.Plan{},
		stop:      make(chan struct{}),
	}
}

// SetTrees installs the configuration trees to poll. Must be called before
// Start; plans are invalidated for every PLC.
func (p *Poller) SetTrees(trees []*model.PLCTree) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trees = map[string]*model.PLCTree{}
	p.plans = map[string]*scan.Plan{}
	for _, t := range trees {
		p.trees[t.PLC.Name] = t
	}
}

// Invalidate drops the cached plan of one PLC so the next cycle replans.
func (p *Poller) Invalidate(plc string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.plans, plc)
}

// Start spawns one worker per configured PLC.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for name := range p.trees {
		p.wg.Add(1)
		go p.worker(name)
	}
	p.logger.Printf("started %d poll workers (interval %s)", len(p.trees), p.cfg.Interval())
}

// Stop signals every worker and joins them. Workers notice within one
// sleep slice.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	close(p.stop)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Poller) worker(plc string) {
	defer p.wg.Done()
	for {
		start := time.Now()
		p.cycle(plc)
		if p.sleep(p.cfg.Interval() - time.Since(start)) {
			return
		}
	}
}

// sleep waits d in short slices, reporting true when Stop was requested.
func (p *Poller) sleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if remaining > stopSlice {
			remaining = stopSlice
		}
		select {
		case <-p.stop:
			return true
		case <-time.After(remaining):
		}
	}
}

// cycle reads every planned block once and publishes the assembled tree.
// Block failures are logged and skipped; the remaining blocks still land.
func (p *Poller) cycle(plc string) {
	start := time.Now()
	plan := p.planFor(plc)
	if plan == nil || len(plan.Tags) == 0 {
		return
	}

	words := map[int]uint16{}
	for _, block := range plan.Blocks {
		regs, err := p.device.ReadHoldingRegisters(plc, block.Start, block.Count)
		if err != nil {
			p.logger.Printf("block read failed: plc=%s start=%d count=%d err=%v", plc, block.Start, block.Count, err)
			if p.metrics != nil {
				p.metrics.PollBlockFails.WithLabelValues(plc).Inc()
			}
			continue
		}
		for i, w := range regs {
			words[block.Start+i] = w
		}
	}

	root := snapshot.NewTree()
	readings := map[int64]float64{}
	for _, spec := range plan.Tags {
		regs, ok := collect(words, spec.ReadOffset, spec.Length)
		if !ok {
			continue
		}
		value := scan.Decode(spec, regs)
		node := root
		for _, name := range spec.Path {
			node = node.Child(name)
		}
		node.DataPoints[spec.Label] = value
		readings[spec.DatapointID] = value.Numeric()
	}

	p.snapshots.Put(plc, root)
	if p.sink != nil && len(readings) > 0 {
		p.sink.Ingest(context.Background(), plc, readings)
	}
	if p.metrics != nil {
		p.metrics.PollCycleSecs.WithLabelValues(plc).Observe(time.Since(start).Seconds())
	}
}

func (p *Poller) planFor(plc string) *scan.Plan {
	p.mu.Lock()
	defer p.mu.Unlock()
	if plan, ok := p.plans[plc]; ok {
		return plan
	}
	tree, ok := p.trees[plc]
	if !ok {
		return nil
	}
	plan := p.planner.PlanFor(tree)
	p.plans[plc] = plan
	return plan
}

// collect extracts a contiguous word run, failing when any register of the
// tag's span was not read this cycle.
func collect(words map[int]uint16, start, length int) ([]uint16, bool) {
	out := make([]uint16, length)
	for i := 0; i < length; i++ {
		w, ok := words[start+i]
		if !ok {
			return nil, false
		}
		out[i] = w
	}
	return out, true
}
