package command

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/gridpoint/plantgateway/internal/access"
	"github.com/gridpoint/plantgateway/internal/config"
	"github.com/gridpoint/plantgateway/internal/model"
	"github.com/gridpoint/plantgateway/internal/ratelimit"
	"github.com/gridpoint/plantgateway/internal/store"
)

// ConfigStore resolves the configuration tree during validation.
type ConfigStore interface {
	LoadIndex(ctx context.Context) (*model.TreeIndex, error)
	ResolveDatapoint(ctx context.Context, id int64) (*model.DataPoint, error)
	FindDatapoint(ctx context.Context, q store.DatapointQuery) (*model.DataPoint, error)
}

// CreateRequest is a write intent before validation.
type CreateRequest struct {
	PLCName      string            `json:"plc_name"`
	DatapointRef string            `json:"datapoint_ref"`
	Kind         model.CommandKind `json:"kind"`
	Bit          *int              `json:"bit,omitempty"`
	Value        int               `json:"value"`
	Verify       *bool             `json:"verify,omitempty"`

	UserID   *int64 `json:"-"`
	Username string `json:"-"`
	ClientIP string `json:"-"`
}

// Service validates write intents against the configuration tree, applies
// the rate limit, persists and enqueues.
type Service struct {
	cfg      config.CommandsConfig
	bitMax   int
	cfgStore ConfigStore
	store    Store
	limiter  ratelimit.Limiter
	exec     *Executor
	logger   *log.Logger
}

// NewService wires the command intake path.
func NewService(cfg config.CommandsConfig, bitMax int, cfgStore ConfigStore, store Store, limiter ratelimit.Limiter, exec *Executor) *Service {
	if bitMax <= 0 || bitMax > 15 {
		bitMax = 15
	}
	return &Service{
		cfg:      cfg,
		bitMax:   bitMax,
		cfgStore: cfgStore,
		store:    store,
		limiter:  limiter,
		exec:     exec,
		logger:   log.New(log.Writer(), "[COMMAND] ", log.LstdFlags),
	}
}

// Create validates, rate-limits, persists and enqueues one command,
// returning it with status queued.
func (s *Service) Create(ctx context.Context, acc *access.Effective, req CreateRequest) (*model.Command, error) {
	dpID, err := model.ParseDatapointRef(req.DatapointRef)
	if err != nil {
		// Legacy callers send a bare label scoped by plc_name. A label
		// matching several datapoints on that PLC is ambiguous and rejected.
		dp, lerr := s.cfgStore.FindDatapoint(ctx, store.DatapointQuery{
			PLCName: req.PLCName,
			Label:   req.DatapointRef,
		})
		if lerr != nil {
			return nil, lerr
		}
		dpID = dp.ID
	}

	idx, err := s.cfgStore.LoadIndex(ctx)
	if err != nil {
		return nil, err
	}
	plcID, ok := idx.PLCIDByName[req.PLCName]
	if !ok {
		return nil, &model.ValidationError{Field: "plc_name", Reason: fmt.Sprintf("unknown plc %q", req.PLCName)}
	}
	dpPLC, ok := idx.PLCOfDatapoint(dpID)
	if !ok {
		return nil, &model.ValidationError{Field: "datapoint_ref", Reason: fmt.Sprintf("unknown datapoint %d", dpID)}
	}
	if dpPLC != plcID {
		return nil, &model.ValidationError{Field: "datapoint_ref", Reason: fmt.Sprintf("datapoint %d is not under plc %q", dpID, req.PLCName)}
	}

	dp, err := s.cfgStore.ResolveDatapoint(ctx, dpID)
	if err != nil {
		return nil, err
	}
	if dp.Category != model.CategoryWrite {
		return nil, &model.ValidationError{Field: "datapoint_ref", Reason: "datapoint is not writable"}
	}
	if acc != nil && !acc.CanWrite(model.ResourceDatapoint, dpID) {
		return nil, access.Forbidden("write", model.ResourceDatapoint)
	}
	if dp.Address < 40000 {
		return nil, &model.ValidationError{Field: "address", Reason: "not a holding register address"}
	}

	payload, err := s.buildPayload(dp, req)
	if err != nil {
		return nil, err
	}

	remaining, err := s.limiter.Allow(ctx, s.limitKey(req))
	if err != nil {
		return nil, err
	}

	_, containerName, equipmentName, label, _ := idx.DatapointContext(dpID)
	payload.DatapointLabel = label
	payload.ContainerLabel = containerName
	payload.EquipmentLabel = equipmentName

	now := time.Now().UTC()
	cmd := &model.Command{
		CommandID:    uuid.NewString(),
		PLCName:      req.PLCName,
		DatapointRef: req.DatapointRef,
		Kind:         req.Kind,
		Payload:      payload,
		Status:       model.StatusQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
		UserID:       req.UserID,
		Username:     req.Username,
		ClientIP:     req.ClientIP,
	}
	if err := s.store.InsertCommand(ctx, cmd); err != nil {
		return nil, err
	}
	s.exec.appendEvent(ctx, cmd, model.StatusQueued, "", map[string]interface{}{"rate_remaining": remaining})

	if err := s.exec.Enqueue(cmd); err != nil {
		return nil, err
	}
	s.logger.Printf("queued %s: plc=%s ref=%s kind=%s by=%s", cmd.CommandID, cmd.PLCName, cmd.DatapointRef, cmd.Kind, cmd.Username)
	return cmd, nil
}

func (s *Service) buildPayload(dp *model.DataPoint, req CreateRequest) (model.CommandPayload, error) {
	var payload model.CommandPayload
	payload.Address = dp.Address

	switch dp.Type {
	case model.TypeDigital:
		if req.Kind != model.KindBit {
			return payload, &model.ValidationError{Field: "kind", Reason: "digital datapoints require kind=bit"}
		}
		if req.Bit == nil {
			return payload, &model.ValidationError{Field: "bit", Reason: "required for kind=bit"}
		}
		if *req.Bit < 0 || *req.Bit > s.bitMax {
			return payload, &model.ValidationError{Field: "bit", Reason: fmt.Sprintf("must be in [0..%d]", s.bitMax)}
		}
		if req.Value != 0 && req.Value != 1 {
			return payload, &model.ValidationError{Field: "value", Reason: "must be 0 or 1"}
		}
		if len(dp.Bits) > 0 && !dp.HasBit(*req.Bit) {
			return payload, &model.ValidationError{Field: "bit", Reason: fmt.Sprintf("bit %d is not configured on this datapoint", *req.Bit)}
		}
		bit := *req.Bit
		payload.Bit = &bit
		payload.Value = uint16(req.Value)
		payload.Verify = true
		if lbl, ok := dp.BitLabel(bit); ok {
			payload.BitLabel = lbl
		}

	case model.TypeInteger:
		if req.Kind != model.KindRegister {
			return payload, &model.ValidationError{Field: "kind", Reason: "integer datapoints require kind=register"}
		}
		if req.Value < 0 || req.Value > 65535 {
			return payload, &model.ValidationError{Field: "value", Reason: "must be in [0..65535]"}
		}
		payload.Value = uint16(req.Value)
		payload.Verify = req.Verify == nil || *req.Verify

	case model.TypeReal:
		return payload, &model.ValidationError{Field: "datapoint_ref", Reason: "REAL datapoints are read-only"}

	default:
		return payload, &model.ValidationError{Field: "datapoint_ref", Reason: fmt.Sprintf("unknown type %q", dp.Type)}
	}
	return payload, nil
}

func (s *Service) limitKey(req CreateRequest) string {
	user := "anon"
	if req.UserID != nil {
		user = strconv.FormatInt(*req.UserID, 10)
	}
	return user + ":" + req.PLCName + ":" + req.DatapointRef
}

// Cancel transitions queued -> cancelled. On an executing or terminal
// command it is a no-op and returns the current state.
func (s *Service) Cancel(ctx context.Context, commandID string) (*model.Command, error) {
	ok, err := s.store.CompareAndSetStatus(ctx, commandID, model.StatusQueued, model.StatusCancelled)
	if err != nil {
		return nil, err
	}
	cmd, err := s.store.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if ok {
		s.exec.appendEvent(ctx, cmd, model.StatusCancelled, "cancelled by user", nil)
		s.logger.Printf("cancelled %s", commandID)
	}
	return cmd, nil
}

// Get loads one command.
func (s *Service) Get(ctx context.Context, commandID string) (*model.Command, error) {
	return s.store.GetCommand(ctx, commandID)
}

// List applies the filter, newest first.
func (s *Service) List(ctx context.Context, f model.CommandFilter) ([]*model.Command, error) {
	return s.store.ListCommands(ctx, f)
}

// Events returns the ordered lifecycle timeline of one command.
func (s *Service) Events(ctx context.Context, commandID string) ([]*model.CommandEvent, error) {
	if _, err := s.store.GetCommand(ctx, commandID); err != nil {
		return nil, err
	}
	return s.store.CommandEvents(ctx, commandID)
}

// RecentEvents returns the subscribe-time snapshot of the command log.
func (s *Service) RecentEvents(ctx context.Context, n int) ([]*model.CommandEvent, error) {
	if n <= 0 {
		n = 50
	}
	return s.store.RecentCommandEvents(ctx, n)
}

// RecentLog returns the recent command log as command_log items, each event
// joined with its command so snapshot items match the live frames.
func (s *Service) RecentLog(ctx context.Context, n int) ([]LogEvent, error) {
	events, err := s.RecentEvents(ctx, n)
	if err != nil {
		return nil, err
	}
	out := make([]LogEvent, 0, len(events))
	for _, ev := range events {
		cmd, err := s.store.GetCommand(ctx, ev.CommandID)
		if err != nil {
			continue
		}
		out = append(out, NewLogEvent(cmd, ev))
	}
	return out, nil
}
