package models

import (
	"time"
)

//SubscriptionRecord is the database model of one recording session
type SubscriptionRecord struct {
	ID             uint   `gorm:"primaryKey"`
	UserID         string `gorm:"index:idx_records_user"`
	SubscriptionID string `gorm:"index:idx_records_subscription"`
	NodeID         string
	OriginalNodeID string
	RecordingName  string
	IsRecording    bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

//TableName overrides the table name used by gorm
func (SubscriptionRecord) TableName() string {
	return "subscription_records"
}

//SubscriptionValue stores one value recorded for a SubscriptionRecord
type SubscriptionValue struct {
	ID                   uint   `gorm:"primaryKey"`
	UserID               string `gorm:"index:idx_values_user"`
	SubscriptionRecordID uint   `gorm:"index:idx_values_record"`
	SubscriptionID       string
	NodeID               string
	OriginalNodeID       string
	Value                string
	DataType             string `gorm:"default:Unknown"`
	Quality              string `gorm:"default:Good"`
	SourceTimestamp      *time.Time
	ServerTimestamp      *time.Time
	RecordedAt           time.Time `gorm:"index:idx_values_recorded_at"`
}

//TableName overrides the table name used by gorm
func (SubscriptionValue) TableName() string {
	return "subscription_values"
}

//RegisteredNode mirrors a node registration held by the gateway
type RegisteredNode struct {
	ID           uint   `gorm:"primaryKey"`
	NodeID       string `gorm:"uniqueIndex"`
	RegisteredID string `gorm:"uniqueIndex"`
	CreatedAt    time.Time
}

//TableName overrides the table name used by gorm
func (RegisteredNode) TableName() string {
	return "registered_nodes"
}
