package model

// GrantLevel is the access level a grant confers. Write implies read.
type GrantLevel string

const (
	LevelRead  GrantLevel = "read"
	LevelWrite GrantLevel = "write"
)

// ResourceType is the tree level a grant targets.
type ResourceType string

const (
	ResourcePLC       ResourceType = "plc"
	ResourceContainer ResourceType = "container"
	ResourceEquipment ResourceType = "equipment"
	ResourceDatapoint ResourceType = "datapoint"
)

// Grant attaches an access level to a tree node for a role or a user.
// Exactly one of RoleID / UserID is set.
type Grant struct {
	ID                 int64        `json:"id"`
	RoleID             *int64       `json:"role_id,omitempty"`
	UserID             *int64       `json:"user_id,omitempty"`
	ResourceType       ResourceType `json:"resource_type"`
	ResourceID         int64        `json:"resource_id"`
	Level              GrantLevel   `json:"level"`
	IncludeDescendants bool         `json:"include_descendants"`
}
