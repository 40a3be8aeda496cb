package model

import "time"

// CommandStatus is the lifecycle state of a persisted write command.
type CommandStatus string

const (
	StatusQueued    CommandStatus = "queued"
	StatusExecuting CommandStatus = "executing"
	StatusSuccess   CommandStatus = "success"
	StatusFailed    CommandStatus = "failed"
	StatusCancelled CommandStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s CommandStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// CommandKind selects the Modbus write primitive.
type CommandKind string

const (
	KindBit      CommandKind = "bit"
	KindRegister CommandKind = "register"
)

// CommandPayload carries the resolved write parameters. Labels are denormalized
// at enqueue time so the event stream stays readable after config edits.
type CommandPayload struct {
	Address        int    `json:"address"`
	Value          uint16 `json:"value"`
	Bit            *int   `json:"bit,omitempty"`
	BitLabel       string `json:"bit_label,omitempty"`
	DatapointLabel string `json:"datapoint_label,omitempty"`
	ContainerLabel string `json:"container_label,omitempty"`
	EquipmentLabel string `json:"equipment_label,omitempty"`
	Verify         bool   `json:"verify"`
}

// Command is a persisted operator write. Owned by the executor from enqueue
// until a terminal status.
type Command struct {
	CommandID    string         `json:"command_id"`
	PLCName      string         `json:"plc_name"`
	DatapointRef string         `json:"datapoint_ref"`
	Kind         CommandKind    `json:"kind"`
	Payload      CommandPayload `json:"payload"`
	Status       CommandStatus  `json:"status"`
	Attempts     int            `json:"attempts"`
	Error        string         `json:"error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	UserID       *int64         `json:"user_id,omitempty"`
	Username     string         `json:"username,omitempty"`
	ClientIP     string         `json:"client_ip,omitempty"`
}

// CommandEvent is one append-only row per status transition.
type CommandEvent struct {
	ID        int64                  `json:"id"`
	CommandID string                 `json:"command_id"`
	TS        time.Time              `json:"ts"`
	Status    CommandStatus          `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Meta      map[string]interface{} `json:"meta,omitempty"`
}

// CommandFilter narrows ListCommands.
type CommandFilter struct {
	PLCName string
	Status  CommandStatus
	Since   *time.Time
	Until   *time.Time
	Limit   int
}
