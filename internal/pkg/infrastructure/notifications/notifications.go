package notifications

import (
	"time"

	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/recording"
	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/infrastructure/logging"
)

//Topic names published by the gateway
const (
	TopicConnectionLost   = "opcua-gateway.connection.lost"
	TopicRecordingStarted = "opcua-gateway.recording.started"
	TopicRecordingStopped = "opcua-gateway.recording.stopped"
	TopicRecordingDeleted = "opcua-gateway.recording.deleted"
)

//MessagingContext is an interface that allows mocking of messaging.Context parameters
type MessagingContext interface {
	PublishOnTopic(message messaging.TopicMessage) error
}

//ConnectionLost is published once for every dropped session
type ConnectionLost struct {
	Endpoint  string    `json:"endpoint"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

//ContentType returns the content type of this message
func (m *ConnectionLost) ContentType() string {
	return "application/json"
}

//TopicName returns the topic this message is published on
func (m *ConnectionLost) TopicName() string {
	return TopicConnectionLost
}

//RecordingEvent is published when a recording starts, stops or is deleted
type RecordingEvent struct {
	topic          string
	RecordID       uint      `json:"recordId"`
	SubscriptionID string    `json:"subscriptionId"`
	UserID         string    `json:"userId"`
	NodeID         string    `json:"nodeId"`
	OriginalNodeID string    `json:"originalNodeId"`
	Name           string    `json:"recordingName"`
	TotalValues    int64     `json:"totalValues"`
	Timestamp      time.Time `json:"timestamp"`
}

//ContentType returns the content type of this message
func (m *RecordingEvent) ContentType() string {
	return "application/json"
}

//TopicName returns the topic this message is published on
func (m *RecordingEvent) TopicName() string {
	return m.topic
}

func newRecordingEvent(topic string, rec recording.Record, total int64) *RecordingEvent {
	return &RecordingEvent{
		topic:          topic,
		RecordID:       rec.ID,
		SubscriptionID: rec.SubscriptionID,
		UserID:         rec.UserID,
		NodeID:         rec.NodeHandle,
		OriginalNodeID: rec.OriginalNodeID,
		Name:           rec.Name,
		TotalValues:    total,
		Timestamp:      time.Now().UTC(),
	}
}

//Publisher forwards gateway events to the message bus. A nil messenger turns
//every publish into a no-op.
type Publisher struct {
	messenger MessagingContext
	log       logging.Logger
}

//NewPublisher creates a Publisher
func NewPublisher(messenger MessagingContext, log logging.Logger) *Publisher {
	return &Publisher{messenger: messenger, log: log}
}

func (p *Publisher) publish(message messaging.TopicMessage) {
	if p == nil || p.messenger == nil {
		return
	}

	if err := p.messenger.PublishOnTopic(message); err != nil {
		p.log.Errorf("failed to publish message on %s: %s", message.TopicName(), err.Error())
	}
}

//ConnectionLost publishes a connection lost event
func (p *Publisher) ConnectionLost(endpoint, reason string) {
	p.publish(&ConnectionLost{Endpoint: endpoint, Reason: reason, Timestamp: time.Now().UTC()})
}

//RecordingStarted publishes a recording started event
func (p *Publisher) RecordingStarted(rec recording.Record) {
	p.publish(newRecordingEvent(TopicRecordingStarted, rec, rec.TotalValues))
}

//RecordingStopped publishes a recording stopped event
func (p *Publisher) RecordingStopped(rec recording.Record, totalValues int64) {
	p.publish(newRecordingEvent(TopicRecordingStopped, rec, totalValues))
}

//RecordingDeleted publishes a recording deleted event
func (p *Publisher) RecordingDeleted(rec recording.Record, deletedValues int64) {
	p.publish(newRecordingEvent(TopicRecordingDeleted, rec, deletedValues))
}
