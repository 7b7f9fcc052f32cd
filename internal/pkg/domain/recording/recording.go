package recording

import (
	"errors"
	"time"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/subscription"
)

//Record is one recording session of a subscription
type Record struct {
	ID             uint      `json:"id"`
	UserID         string    `json:"userId"`
	SubscriptionID string    `json:"subscriptionId"`
	NodeHandle     string    `json:"nodeId"`
	OriginalNodeID string    `json:"originalNodeId"`
	Name           string    `json:"recordingName"`
	IsRecording    bool      `json:"isRecording"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	TotalValues    int64     `json:"totalValues"`
}

//Value is one recorded sample. Values are never modified once written.
type Value struct {
	ID              uint       `json:"id"`
	RecordID        uint       `json:"subscriptionRecordId"`
	UserID          string     `json:"userId"`
	SubscriptionID  string     `json:"subscriptionId"`
	NodeHandle      string     `json:"nodeId"`
	OriginalNodeID  string     `json:"originalNodeId"`
	Value           string     `json:"value"`
	DataType        string     `json:"dataType"`
	Quality         string     `json:"quality"`
	SourceTimestamp *time.Time `json:"sourceTimestamp,omitempty"`
	ServerTimestamp *time.Time `json:"serverTimestamp,omitempty"`
	RecordedAt      time.Time  `json:"recordedAt"`
}

//Summary is a record together with statistics over its values
type Summary struct {
	Record
	FirstValueAt    *time.Time `json:"firstValueAt"`
	LastValueAt     *time.Time `json:"lastValueAt"`
	DurationSeconds *float64   `json:"durationSeconds"`
}

//NewSummary builds a summary, deriving the duration from the first and last value
func NewSummary(rec Record, total int64, first, last *time.Time) Summary {
	rec.TotalValues = total
	s := Summary{Record: rec, FirstValueAt: first, LastValueAt: last}
	if first != nil && last != nil {
		d := last.Sub(*first).Seconds()
		s.DurationSeconds = &d
	}
	return s
}

//StartRequest describes which subscription to record and for whom.
//Handle and OriginalNodeID are looked up from the subscription when empty.
type StartRequest struct {
	UserID         string
	SubscriptionID string
	Handle         string
	OriginalNodeID string
	Name           string
}

//StopResult is returned when a recording stops
type StopResult struct {
	TotalValues int64 `json:"totalValues"`
}

//ValueQuery pages through the values of a record. Results are newest first unless Ascending is set.
type ValueQuery struct {
	Limit     int
	Offset    int
	From      *time.Time
	To        *time.Time
	Ascending bool
}

const (
	DefaultPageSize  = 100
	MaxExportSize    = 10000
	DefaultDataType  = "Unknown"
	DefaultQuality   = "Good"
	DefaultRetention = 30
)

//ErrRecordNotFound is returned by a Store when no record has the requested id
var ErrRecordNotFound = errors.New("record not found")

//ErrSummaryViewUnavailable is returned by a Store that has no summary view
var ErrSummaryViewUnavailable = errors.New("recording summary view unavailable")

//Store persists records and their values
type Store interface {
	FindActiveRecord(subscriptionID string) (*Record, error)
	FindInactiveRecord(userID, subscriptionID string) (*Record, error)
	CreateRecord(rec *Record) error
	SetRecording(id uint, active bool) error
	RenameRecord(id uint, name string) error
	GetRecord(id uint) (*Record, error)
	RecordsByUser(userID string) ([]Record, error)
	DeactivateAll() (int64, error)

	InsertValue(v *Value) error
	CountValues(recordID uint) (int64, error)
	ValueSpan(recordID uint) (first, last *time.Time, err error)
	ListValues(recordID uint, q ValueQuery) ([]Value, error)
	DeleteValuesOlderThan(userID string, cutoff time.Time) (int64, error)

	DeleteRecordCascade(id uint) (int64, error)
	SummaryView(userID string) ([]Summary, error)
}

//SubscriptionLookup finds live subscriptions
type SubscriptionLookup interface {
	Get(id string) (subscription.Summary, bool)
}

//EventPublisher is told about recording lifecycle changes
type EventPublisher interface {
	RecordingStarted(rec Record)
	RecordingStopped(rec Record, totalValues int64)
	RecordingDeleted(rec Record, deletedValues int64)
}
