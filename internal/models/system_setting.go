package models

import (
	"strings"
	"time"

	"gorm.io/datatypes"
)

// SystemSetting is an operator-controlled switch of the forecast core, such as
// feature.aggregate_rebuild. Switch values are JSON booleans.
type SystemSetting struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	Key string `gorm:"type:varchar(120);not null;uniqueIndex"`

	Value datatypes.JSON `gorm:"type:jsonb;not null"`

	Description string `gorm:"type:text"`
	// UpdatedBy is empty for seeded defaults.
	UpdatedBy string    `gorm:"type:varchar(120)"`
	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime;index"`
}

func (SystemSetting) TableName() string {
	return "system_settings"
}

func NewSwitch(key string, enabled bool, description, updatedBy string) SystemSetting {
	raw := "false"
	if enabled {
		raw = "true"
	}
	return SystemSetting{
		Key:         key,
		Value:       datatypes.JSON(raw),
		Description: description,
		UpdatedBy:   updatedBy,
	}
}

// Enabled decodes a switch value. ok is false when the stored value is not a
// boolean.
func (s SystemSetting) Enabled() (enabled, ok bool) {
	switch strings.TrimSpace(string(s.Value)) {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return false, false
}
