package models

// TableStatus defines the occupancy status of a table.
type TableStatus string

const (
	TableStatusFree     TableStatus = "free"
	TableStatusOccupied TableStatus = "occupied"
	TableStatusPaused   TableStatus = "paused"
)

// BillingMode defines how table time is charged.
type BillingMode string

const (
	BillingModeHourly    BillingMode = "hourly"
	BillingModePerMinute BillingMode = "per_minute"
	BillingModePerFrame  BillingMode = "per_frame"
)

// Valid reports whether m is one of the known billing modes.
func (m BillingMode) Valid() bool {
	switch m {
	case BillingModeHourly, BillingModePerMinute, BillingModePerFrame:
		return true
	default:
		return false
	}
}

// TableConfig is the table aggregate stored in the tables collection.
// The live session is a separate aggregate keyed by the same ID.
type TableConfig struct {
	ID          string            `json:"id" yaml:"id"`
	ClubID      string            `json:"club_id" yaml:"-"`
	Number      int               `json:"number" yaml:"number"`
	Name        string            `json:"name,omitempty" yaml:"name"`
	Status      TableStatus       `json:"status" yaml:"-"`
	DefaultMode BillingMode       `json:"default_mode" yaml:"default_mode"`
	Override    *RatePlanOverride `json:"override,omitempty" yaml:"override"`
}
