// Package command validates, persists and executes operator writes. The
// service owns intake; the executor owns everything from enqueue to a
// terminal status.
package command

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/hub"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/monitoring"
)

// Device is the write surface the executor needs from the device service.
type Device interface {
	WriteRegister(plc string, address int, value uint16, verify bool) error
	WriteBitInRegister(plc string, address, bit int, value uint16, verify bool) error
}

// Store is the persistence surface shared by the service and the executor.
type Store interface {
	InsertCommand(ctx context.Context, cmd *model.Command) error
	GetCommand(ctx context.Context, commandID string) (*model.Command, error)
	UpdateCommand(ctx context.Context, cmd *model.Command) error
	CompareAndSetStatus(ctx context.Context, commandID string, from, to model.CommandStatus) (bool, error)
	AppendCommandEvent(ctx context.Context, ev *model.CommandEvent) error
	CommandEvents(ctx context.Context, commandID string) ([]*model.CommandEvent, error)
	ListCommands(ctx context.Context, f model.CommandFilter) ([]*model.Command, error)
	RecentCommandEvents(ctx context.Context, n int) ([]*model.CommandEvent, error)
	PendingCommands(ctx context.Context) ([]*model.Command, error)
}

// Broadcaster receives one command_log payload per appended event.
type Broadcaster interface {
	Broadcast(channel string, payload interface{})
}

// LogEvent is the command_log frame broadcast on the commands channel: the
// command's denormalized form plus the lifecycle event that produced the
// frame. Event is nil on snapshot items replayed without a triggering event.
type LogEvent struct {
	Type    string          `json:"type"`
	Command LogCommand      `json:"command"`
	Event   *LogEventDetail `json:"event"`
}

// LogCommand carries the command as subscribers display it, labels already
// resolved so clients never join against the configuration tree.
type LogCommand struct {
	CommandID      string              `json:"command_id"`
	Time           time.Time           `json:"time"`
	PLC            string              `json:"plc"`
	Container      string              `json:"container,omitempty"`
	Equipment      string              `json:"equipment,omitempty"`
	DataPointLabel string              `json:"data_point_label,omitempty"`
	BitLabel       string              `json:"bit_label,omitempty"`
	Bit            *int                `json:"bit,omitempty"`
	Value          uint16              `json:"value"`
	Status         model.CommandStatus `json:"status"`
	Attempts       int                 `json:"attempts"`
	Username       string              `json:"username,omitempty"`
	ClientIP       string              `json:"client_ip,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
}

// LogEventDetail is the lifecycle step behind one frame.
type LogEventDetail struct {
	TS      time.Time           `json:"ts"`
	Status  model.CommandStatus `json:"status"`
	Message string              `json:"message,omitempty"`
}

// NewLogEvent builds the command_log frame for one command and, optionally,
// the event that triggered it.
func NewLogEvent(cmd *model.Command, ev *model.CommandEvent) LogEvent {
	le := LogEvent{
		Type: "command_log",
		Command: LogCommand{
			CommandID:      cmd.CommandID,
			Time:           cmd.CreatedAt,
			PLC:            cmd.PLCName,
			Container:      cmd.Payload.ContainerLabel,
			Equipment:      cmd.Payload.EquipmentLabel,
			DataPointLabel: cmd.Payload.DatapointLabel,
			BitLabel:       cmd.Payload.BitLabel,
			Bit:            cmd.Payload.Bit,
			Value:          cmd.Payload.Value,
			Status:         cmd.Status,
			Attempts:       cmd.Attempts,
			Username:       cmd.Username,
			ClientIP:       cmd.ClientIP,
			ErrorMessage:   cmd.Error,
		},
	}
	if ev != nil {
		le.Event = &LogEventDetail{TS: ev.TS, Status: ev.Status, Message: ev.Message}
	}
	return le
}

const (
	queueCapacity   = 1024
	workerJoinGrace = 3 * time.Second
)

type plcQueue struct {
	ch   chan string // command ids, FIFO
	done chan struct{}
}

// Executor runs persisted commands in FIFO order per PLC. Queues and their
// workers are created lazily on the first command for a PLC.
type Executor struct {
	cfg     config.CommandsConfig
	device  Device
	store   Store
	hub     Broadcaster
	metrics *monitoring.Metrics
	logger  *log.Logger

	mu      sync.Mutex
	queues  map[string]*plcQueue
	stopped bool
	quit    chan struct{}
}

// NewExecutor builds an executor. hub and metrics may be nil. No I/O happens
// until Start.
func NewExecutor(cfg config.CommandsConfig, device Device, store Store, broadcaster Broadcaster, metrics *monitoring.Metrics) *Executor {
	return &Executor{
		cfg:     cfg,
		device:  device,
		store:   store,
		hub:     broadcaster,
		metrics: metrics,
		logger:  log.New(log.Writer(), "[EXECUTOR] ", log.LstdFlags),
		queues:  map[string]*plcQueue{},
		quit:    make(chan struct{}),
	}
}

// Start re-queues commands that were left non-terminal by a previous run.
func (e *Executor) Start(ctx context.Context) error {
	pending, err := e.store.PendingCommands(ctx)
	if err != nil {
		return fmt.Errorf("load pending commands: %w", err)
	}
	for _, cmd := range pending {
		// A command caught mid-flight by the crash restarts its lifecycle.
		if cmd.Status == model.StatusExecuting {
			if _, err := e.store.CompareAndSetStatus(ctx, cmd.CommandID, model.StatusExecuting, model.StatusQueued); err != nil {
				e.logger.Printf("requeue %s: %v", cmd.CommandID, err)
				continue
			}
		}
		if err := e.Enqueue(cmd); err != nil {
			e.logger.Printf("requeue %s: %v", cmd.CommandID, err)
		}
	}
	if len(pending) > 0 {
		e.logger.Printf("requeued %d pending commands", len(pending))
	}
	return nil
}

// Enqueue hands a persisted command to its PLC's worker, creating the queue
// on first use.
func (e *Executor) Enqueue(cmd *model.Command) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return fmt.Errorf("executor stopped")
	}
	q, ok := e.queues[cmd.PLCName]
	if !ok {
		q = &plcQueue{ch: make(chan string, queueCapacity), done: make(chan struct{})}
		e.queues[cmd.PLCName] = q
		go e.worker(cmd.PLCName, q)
	}
	e.mu.Unlock()

	select {
	case q.ch <- cmd.CommandID:
	default:
		return fmt.Errorf("command queue full for plc %s", cmd.PLCName)
	}
	if e.metrics != nil {
		e.metrics.CommandQueueLen.WithLabelValues(cmd.PLCName).Set(float64(len(q.ch)))
	}
	return nil
}

// Stop closes every queue and joins workers, each bounded by a grace
// period. Abandoned workers leave their commands for the next Start.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	close(e.quit)
	queues := make(map[string]*plcQueue, len(e.queues))
	for plc, q := range e.queues {
		queues[plc] = q
		close(q.ch)
	}
	e.mu.Unlock()

	for plc, q := range queues {
		select {
		case <-q.done:
		case <-time.After(workerJoinGrace):
			e.logger.Printf("worker for %s did not stop within %s, abandoning", plc, workerJoinGrace)
		}
	}
}

func (e *Executor) worker(plc string, q *plcQueue) {
	defer close(q.done)
	for id := range q.ch {
		if e.metrics != nil {
			e.metrics.CommandQueueLen.WithLabelValues(plc).Set(float64(len(q.ch)))
		}
		e.execute(id)
	}
}

// execute drives one command through the state machine. Every failure mode
// ends in a terminal status; nothing here is fatal to the worker.
func (e *Executor) execute(id string) {
	ctx := context.Background()

	cmd, err := e.store.GetCommand(ctx, id)
	if err != nil {
		e.logger.Printf("load %s: %v", id, err)
		return
	}
	// Cancelled before the worker got to it, or a stale requeue.
	if cmd.Status != model.StatusQueued {
		return
	}

	ok, err := e.store.CompareAndSetStatus(ctx, id, model.StatusQueued, model.StatusExecuting)
	if err != nil || !ok {
		return
	}
	cmd.Status = model.StatusExecuting
	e.appendEvent(ctx, cmd, model.StatusExecuting, "", nil)

	start := time.Now()
	var lastErr error
	cancelled := false

	for attempt := 1; attempt <= e.cfg.MaxRetries+1; attempt++ {
		// Cancel is observed at retry boundaries, never mid-request.
		fresh, err := e.store.GetCommand(ctx, id)
		if err == nil && fresh.Status == model.StatusCancelled {
			cancelled = true
			break
		}

		cmd.Attempts = attempt
		if err := e.dispatch(cmd); err != nil {
			lastErr = err
			e.logger.Printf("attempt %d/%d failed for %s: %v", attempt, e.cfg.MaxRetries+1, id, err)
			if attempt <= e.cfg.MaxRetries {
				e.sleep(time.Duration(attempt) * e.cfg.Backoff())
			}
			continue
		}
		lastErr = nil
		break
	}

	now := time.Now().UTC()
	cmd.UpdatedAt = now
	var message string
	switch {
	case cancelled:
		cmd.Status = model.StatusCancelled
		message = "cancelled before execution completed"
	case lastErr != nil:
		cmd.Status = model.StatusFailed
		cmd.Error = lastErr.Error()
		message = lastErr.Error()
	default:
		cmd.Status = model.StatusSuccess
	}
	if err := e.store.UpdateCommand(ctx, cmd); err != nil {
		e.logger.Printf("persist terminal status for %s: %v", id, err)
	}
	e.appendEvent(ctx, cmd, cmd.Status, message, map[string]interface{}{"attempts": cmd.Attempts})

	if e.metrics != nil {
		e.metrics.CommandsTotal.WithLabelValues(cmd.PLCName, string(cmd.Status)).Inc()
		e.metrics.CommandExecSecs.WithLabelValues(cmd.PLCName).Observe(time.Since(start).Seconds())
	}
}

func (e *Executor) dispatch(cmd *model.Command) error {
	offset := cmd.Payload.Address - model.RegisterBase
	switch cmd.Kind {
	case model.KindBit:
		if cmd.Payload.Bit == nil {
			return fmt.Errorf("bit command without bit index")
		}
		return e.device.WriteBitInRegister(cmd.PLCName, offset, *cmd.Payload.Bit, cmd.Payload.Value, true)
	case model.KindRegister:
		return e.device.WriteRegister(cmd.PLCName, offset, cmd.Payload.Value, cmd.Payload.Verify)
	default:
		return fmt.Errorf("unsupported command kind %q", cmd.Kind)
	}
}

// appendEvent persists one lifecycle event and broadcasts it.
func (e *Executor) appendEvent(ctx context.Context, cmd *model.Command, status model.CommandStatus, message string, meta map[string]interface{}) {
	ev := &model.CommandEvent{
		CommandID: cmd.CommandID,
		TS:        time.Now().UTC(),
		Status:    status,
		Message:   message,
		Meta:      meta,
	}
	if err := e.store.AppendCommandEvent(ctx, ev); err != nil {
		e.logger.Printf("append event for %s: %v", cmd.CommandID, err)
	}
	if e.hub != nil {
		e.hub.Broadcast(hub.ChannelCommands, NewLogEvent(cmd, ev))
	}
}

func (e *Executor) sleep(d time.Duration) {
	select {
	case <-time.After(d):
	case <-e.quit:
	}
}
