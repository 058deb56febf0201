package sbus

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
)

const (
	operationSchedule        = "com.microsoft:schedule-message"
	operationCancelScheduled = "com.microsoft:cancel-scheduled-message"

	fieldMessageID = "message-id"
)

// Sender publishes messages to one entity.
type Sender struct {
	client     *Client
	entityPath string

	link      *faultTolerant[*senderLink]
	mgmt      *faultTolerant[*rpcLink]
	scheduler *renewalScheduler

	closed bool
	lock   sync.Mutex
}

// NewSender returns a new Sender for the entity path.
func (client *Client) NewSender(entityPath string) *Sender {
	sender := &Sender{
		client:     client,
		entityPath: entityPath,
		scheduler:  newRenewalScheduler(client.negotiateClaim, client.logger),
	}

	sender.link = newFaultTolerant(
		sender.createLink,
		func(ctx context.Context, link *senderLink) error {
			if err := link.sender.Close(ctx); err != nil {
				client.logger.Debug().Err(err).Msg("closing send link failed")
			}
			return link.session.Close(ctx)
		},
		func(link *senderLink) <-chan struct{} { return link.sender.Done() },
		client.logger,
	)
	sender.mgmt = newFaultTolerant(
		sender.createMgmtLink,
		func(ctx context.Context, link *rpcLink) error { return link.Close(ctx) },
		func(link *rpcLink) <-chan struct{} { return link.Done() },
		client.logger,
	)

	return sender
}

func (sender *Sender) createLink(ctx context.Context) (*senderLink, error) {
	link, err := sender.client.createSenderLink(ctx, sender.entityPath)
	if err != nil {
		return nil, err
	}
	sender.scheduler.SetActiveLink(activeLinkInfo{
		category: categoryLink,
		name:     link.name,
		audience: link.audience,
		claims:   []string{claimSend},
		expiry:   link.tokenExpiry,
		done:     link.sender.Done(),
	})
	return link, nil
}

func (sender *Sender) createMgmtLink(ctx context.Context) (*rpcLink, error) {
	link, err := sender.client.createRPCLink(ctx, sender.entityPath+managementSuffix, true, []string{claimManage, claimSend})
	if err != nil {
		return nil, err
	}
	sender.scheduler.SetActiveLink(activeLinkInfo{
		category: categoryRPCLink,
		name:     link.name,
		audience: link.audience,
		claims:   []string{claimManage, claimSend},
		expiry:   link.tokenExpiry,
		done:     link.Done(),
	})
	return link, nil
}

// Send publishes one message. A rejected outcome from the broker is
// translated through the error taxonomy using its carried condition.
func (sender *Sender) Send(ctx context.Context, message *Message) error {
	link, err := sender.link.GetOrCreate(ctx)
	if err != nil {
		return translateAMQPError(err)
	}

	helper := operationHelper(ctx, sender.client.operationTimeout)
	sendCtx, cancel := helper.RemainingContext(ctx)
	defer cancel()

	if err := link.sender.Send(sendCtx, message.toAMQP()); err != nil {
		return translateAMQPError(err)
	}
	return nil
}

// SendBatch publishes the messages in order over the same link.
func (sender *Sender) SendBatch(ctx context.Context, messages ...*Message) error {
	for _, message := range messages {
		if err := sender.Send(ctx, message); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleMessage enqueues a message for future delivery and returns its
// sequence number, usable with CancelScheduledMessage.
func (sender *Sender) ScheduleMessage(ctx context.Context, message *Message, enqueueTime time.Time) (int64, error) {
	amqpMessage := message.toAMQP()
	if amqpMessage.Annotations == nil {
		amqpMessage.Annotations = amqp.Annotations{}
	}
	amqpMessage.Annotations[annotationScheduledTime] = enqueueTime.UTC()

	messageID := message.ID
	if messageID == "" {
		messageID = uuid.New().String()
		amqpMessage.Properties.MessageID = messageID
	}

	encoded, err := amqpMessage.MarshalBinary()
	if err != nil {
		return 0, NewError(OperationError, err)
	}

	body := map[string]interface{}{
		fieldMessages: []interface{}{
			map[string]interface{}{
				fieldMessage:   encoded,
				fieldMessageID: messageID,
			},
		},
	}

	response, err := sender.mgmtExecute(ctx, operationSchedule, body)
	if err != nil {
		return 0, err
	}

	rawSequences := response.Fields()[fieldSequenceNumbers]
	switch sequences := rawSequences.(type) {
	case []int64:
		if len(sequences) > 0 {
			return sequences[0], nil
		}
	case []interface{}:
		if len(sequences) > 0 {
			if sequence, ok := toInt64(sequences[0]); ok {
				return sequence, nil
			}
		}
	}
	return 0, NewError(OperationError, "schedule-message response carried no sequence numbers")
}

// CancelScheduledMessage cancels a scheduled message by sequence number.
func (sender *Sender) CancelScheduledMessage(ctx context.Context, sequenceNumber int64) error {
	body := map[string]interface{}{
		fieldSequenceNumbers: []int64{sequenceNumber},
	}
	_, err := sender.mgmtExecute(ctx, operationCancelScheduled, body)
	return err
}

func (sender *Sender) mgmtExecute(ctx context.Context, operation string, body map[string]interface{}) (*rpcResponse, error) {
	mgmt, err := sender.mgmt.GetOrCreate(ctx)
	if err != nil {
		return nil, translateAMQPError(err)
	}

	request := &amqp.Message{
		ApplicationProperties: map[string]interface{}{propertyOperation: operation},
		Value:                 body,
	}
	if link, opened := sender.link.TryGetOpened(); opened {
		request.ApplicationProperties[propertyAssociatedLink] = link.name
	}

	helper := operationHelper(ctx, sender.client.operationTimeout)
	execCtx, cancel := helper.RemainingContext(ctx)
	defer cancel()
	return mgmt.Execute(execCtx, request)
}

// Close tears down the send and management links and stops renewal.
func (sender *Sender) Close(ctx context.Context) error {
	sender.lock.Lock()
	if sender.closed {
		sender.lock.Unlock()
		return nil
	}
	sender.closed = true
	sender.lock.Unlock()

	sender.scheduler.Close()
	sender.mgmt.Close(ctx)
	sender.link.Close(ctx)
	return nil
}
