package sbus

import (
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
)

// Broker message annotations carrying entity metadata.
const (
	annotationSequenceNumber = "x-opt-sequence-number"
	annotationEnqueuedTime   = "x-opt-enqueued-time"
	annotationLockedUntil    = "x-opt-locked-until"
	annotationScheduledTime  = "x-opt-scheduled-enqueue-time"
)

// Message is an outbound message.
type Message struct {
	Body        []byte
	ID          string
	SessionID   string
	ContentType string
	TimeToLive  time.Duration
	Properties  map[string]interface{}
}

func (message *Message) toAMQP() *amqp.Message {
	amqpMessage := &amqp.Message{
		Data:       [][]byte{message.Body},
		Properties: &amqp.MessageProperties{},
	}
	if message.ID != "" {
		amqpMessage.Properties.MessageID = message.ID
	}
	if message.SessionID != "" {
		sessionID := message.SessionID
		amqpMessage.Properties.GroupID = &sessionID
	}
	if message.ContentType != "" {
		contentType := message.ContentType
		amqpMessage.Properties.ContentType = &contentType
	}
	if message.TimeToLive > 0 {
		amqpMessage.Header = &amqp.MessageHeader{TTL: message.TimeToLive}
	}
	if len(message.Properties) > 0 {
		amqpMessage.ApplicationProperties = message.Properties
	}
	return amqpMessage
}

// ReceivedMessage is an inbound message pending settlement.
type ReceivedMessage struct {
	Body           []byte
	ID             string
	SessionID      string
	LockToken      uuid.UUID
	SequenceNumber int64
	EnqueuedTime   time.Time
	LockedUntil    time.Time
	DeliveryCount  uint32
	Properties     map[string]interface{}

	inner *amqp.Message

	// viaMgmt marks messages obtained through the request/response
	// receive path; their locks are only settleable on that channel.
	viaMgmt bool
}

func newReceivedMessage(amqpMessage *amqp.Message, viaMgmt bool) (*ReceivedMessage, error) {
	received := &ReceivedMessage{
		Body:       amqpMessage.GetData(),
		Properties: amqpMessage.ApplicationProperties,
		inner:      amqpMessage,
		viaMgmt:    viaMgmt,
	}

	if amqpMessage.Properties != nil {
		if id, ok := amqpMessage.Properties.MessageID.(string); ok {
			received.ID = id
		}
		if amqpMessage.Properties.GroupID != nil {
			received.SessionID = *amqpMessage.Properties.GroupID
		}
	}
	if amqpMessage.Header != nil {
		received.DeliveryCount = amqpMessage.Header.DeliveryCount
	}

	if amqpMessage.Annotations != nil {
		if sequence, ok := toInt64(amqpMessage.Annotations[annotationSequenceNumber]); ok {
			received.SequenceNumber = sequence
		}
		if enqueued, ok := amqpMessage.Annotations[annotationEnqueuedTime].(time.Time); ok {
			received.EnqueuedTime = enqueued
		}
		if lockedUntil, ok := amqpMessage.Annotations[annotationLockedUntil].(time.Time); ok {
			received.LockedUntil = lockedUntil
		}
	}

	if !viaMgmt && len(amqpMessage.DeliveryTag) > 0 {
		lockToken, err := lockTokenFromDeliveryTag(amqpMessage.DeliveryTag)
		if err != nil {
			return nil, err
		}
		received.LockToken = lockToken
	}

	return received, nil
}

// lockTokenFromDeliveryTag decodes the delivery tag's GUID wire format, in
// which the first three groups are little-endian, into a lock token.
func lockTokenFromDeliveryTag(tag []byte) (uuid.UUID, error) {
	if len(tag) != 16 {
		return uuid.UUID{}, NewError(OperationError, "delivery tag is not a 16 byte lock token")
	}
	swapped := make([]byte, 16)
	swapped[0], swapped[1], swapped[2], swapped[3] = tag[3], tag[2], tag[1], tag[0]
	swapped[4], swapped[5] = tag[5], tag[4]
	swapped[6], swapped[7] = tag[7], tag[6]
	copy(swapped[8:], tag[8:])

	lockToken, err := uuid.FromBytes(swapped)
	if err != nil {
		return uuid.UUID{}, NewError(OperationError, err)
	}
	return lockToken, nil
}

func toInt64(value interface{}) (int64, bool) {
	switch typed := value.(type) {
	case int64:
		return typed, true
	case int32:
		return int64(typed), true
	case int:
		return int64(typed), true
	case uint64:
		return int64(typed), true
	case uint32:
		return int64(typed), true
	}
	return 0, false
}
