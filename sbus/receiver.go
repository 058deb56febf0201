package sbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
)

// Management operations exposed by the entity's $management address.
const (
	operationRenewLock        = "com.microsoft:renew-lock"
	operationReceiveBySeq     = "com.microsoft:receive-by-sequence-number"
	operationUpdateDispo      = "com.microsoft:update-disposition"
	operationPeek             = "com.microsoft:peek-message"
	operationRenewSessionLock = "com.microsoft:renew-session-lock"
)

// Management request and response field keys.
const (
	fieldLockTokens         = "lock-tokens"
	fieldSequenceNumbers    = "sequence-numbers"
	fieldReceiverSettleMode = "receiver-settle-mode"
	fieldDispositionStatus  = "disposition-status"
	fieldDeadLetterReason   = "deadletter-reason"
	fieldDeadLetterDesc     = "deadletter-description"
	fieldFromSequence       = "from-sequence-number"
	fieldMessageCount       = "message-count"
	fieldSessionID          = "session-id"
	fieldMessages           = "messages"
	fieldMessage            = "message"
	fieldLockToken          = "lock-token"
	fieldExpirations        = "expirations"
	fieldExpiration         = "expiration"
)

type disposition string

const (
	dispositionComplete disposition = "completed"
	dispositionAbandon  disposition = "abandoned"
	dispositionDefer    disposition = "defered"
	dispositionSuspend  disposition = "suspended"
)

const (
	managementSuffix      = "/$management"
	deadLetterCondition   = "com.microsoft:dead-letter"
	fallbackLockDuration  = time.Minute
	deadLetterReasonKey   = "DeadLetterReason"
	deadLetterDescription = "DeadLetterErrorDescription"
)

// Receiver consumes messages from one entity and settles them. Lock tokens
// obtained through the request/response receive path are remembered in an
// expiring set; any settlement batch touching such a token is routed whole
// through the management channel.
type Receiver struct {
	client     *Client
	entityPath string
	mode       ReceiveMode
	prefetch   int32
	sessionID  *string

	link      *faultTolerant[*receiverLink]
	mgmt      *faultTolerant[*rpcLink]
	scheduler *renewalScheduler

	lockedViaMgmt *expiringSet

	unsettledLock sync.Mutex
	unsettled     map[uuid.UUID]unsettledEntry

	closed bool
	lock   sync.Mutex
}

// NewReceiver returns a new peek-lock Receiver for the entity path.
func (client *Client) NewReceiver(entityPath string) *Receiver {
	receiver := &Receiver{
		client:        client,
		entityPath:    entityPath,
		mode:          ReceiveModePeekLock,
		lockedViaMgmt: newExpiringSet(defaultSweepInterval),
		unsettled:     make(map[uuid.UUID]unsettledEntry),
		scheduler:     newRenewalScheduler(client.negotiateClaim, client.logger),
	}

	receiver.link = newFaultTolerant(
		receiver.createLink,
		func(ctx context.Context, link *receiverLink) error {
			if err := link.receiver.Close(ctx); err != nil {
				client.logger.Debug().Err(err).Msg("closing receive link failed")
			}
			return link.session.Close(ctx)
		},
		func(link *receiverLink) <-chan struct{} { return link.receiver.Done() },
		client.logger,
	)
	receiver.mgmt = newFaultTolerant(
		receiver.createMgmtLink,
		func(ctx context.Context, link *rpcLink) error { return link.Close(ctx) },
		func(link *rpcLink) <-chan struct{} { return link.Done() },
		client.logger,
	)

	return receiver
}

func (receiver *Receiver) createLink(ctx context.Context) (*receiverLink, error) {
	link, err := receiver.client.createReceiverLink(ctx, receiver.entityPath, receiver.mode, receiver.prefetch, receiver.sessionID)
	if err != nil {
		return nil, err
	}
	receiver.scheduler.SetActiveLink(activeLinkInfo{
		category: categoryLink,
		name:     link.name,
		audience: link.audience,
		claims:   []string{claimListen},
		expiry:   link.tokenExpiry,
		done:     link.receiver.Done(),
	})
	return link, nil
}

func (receiver *Receiver) createMgmtLink(ctx context.Context) (*rpcLink, error) {
	link, err := receiver.client.createRPCLink(ctx, receiver.entityPath+managementSuffix, true, []string{claimManage, claimListen})
	if err != nil {
		return nil, err
	}
	receiver.scheduler.SetActiveLink(activeLinkInfo{
		category: categoryRPCLink,
		name:     link.name,
		audience: link.audience,
		claims:   []string{claimManage, claimListen},
		expiry:   link.tokenExpiry,
		done:     link.Done(),
	})
	return link, nil
}

// SetReceiveMode sets the settle mode; only effective before the link opens.
func (receiver *Receiver) SetReceiveMode(mode ReceiveMode) *Receiver {
	receiver.mode = mode
	return receiver
}

// SetSessionID restricts the receiver to one broker session.
func (receiver *Receiver) SetSessionID(sessionID string) *Receiver {
	receiver.sessionID = &sessionID
	return receiver
}

// SetPrefetchCount sets the credit window. When the link is already open the
// additional credit is issued in place without recreating it.
func (receiver *Receiver) SetPrefetchCount(prefetch int32) *Receiver {
	previous := receiver.prefetch
	receiver.prefetch = prefetch
	if link, opened := receiver.link.TryGetOpened(); opened && prefetch > previous {
		if err := link.receiver.IssueCredit(uint32(prefetch - previous)); err != nil {
			receiver.client.logger.Debug().Err(err).Msg("issuing additional credit failed")
		}
	}
	return receiver
}

// Receive returns the next message, establishing the link if needed.
func (receiver *Receiver) Receive(ctx context.Context) (*ReceivedMessage, error) {
	link, err := receiver.link.GetOrCreate(ctx)
	if err != nil {
		return nil, translateAMQPError(err)
	}

	if receiver.prefetch <= 0 {
		if err := link.receiver.IssueCredit(1); err != nil {
			return nil, translateAMQPError(err)
		}
	}

	amqpMessage, err := link.receiver.Receive(ctx)
	if err != nil {
		return nil, translateAMQPError(err)
	}

	message, err := newReceivedMessage(amqpMessage, false)
	if err != nil {
		return nil, err
	}
	if receiver.mode == ReceiveModePeekLock {
		receiver.registerUnsettled(message, amqpMessage)
	}
	return message, nil
}

// unsettledEntry holds a delivery pending settlement together with its lock
// expiry, after which the entry is reclaimable.
type unsettledEntry struct {
	message     *amqp.Message
	lockedUntil time.Time
}

// registerUnsettled records a peek-lock delivery for later settlement and
// evicts entries whose lock has already lapsed, so deliveries the caller
// never settles do not accumulate.
func (receiver *Receiver) registerUnsettled(message *ReceivedMessage, amqpMessage *amqp.Message) {
	lockedUntil := message.LockedUntil
	if lockedUntil.IsZero() {
		lockedUntil = time.Now().Add(fallbackLockDuration)
	}

	receiver.unsettledLock.Lock()
	now := time.Now()
	for token, entry := range receiver.unsettled {
		if now.After(entry.lockedUntil) {
			delete(receiver.unsettled, token)
		}
	}
	receiver.unsettled[message.LockToken] = unsettledEntry{message: amqpMessage, lockedUntil: lockedUntil}
	receiver.unsettledLock.Unlock()
}

// ReceiveBatch returns up to maxMessages messages, stopping early when the
// context deadline elapses after at least one message arrived.
func (receiver *Receiver) ReceiveBatch(ctx context.Context, maxMessages int) ([]*ReceivedMessage, error) {
	if maxMessages <= 0 {
		return nil, NewError(OperationError, "maxMessages must be positive")
	}

	link, err := receiver.link.GetOrCreate(ctx)
	if err != nil {
		return nil, translateAMQPError(err)
	}
	if receiver.prefetch <= 0 {
		if err := link.receiver.IssueCredit(uint32(maxMessages)); err != nil {
			return nil, translateAMQPError(err)
		}
	}

	var messages []*ReceivedMessage
	for len(messages) < maxMessages {
		amqpMessage, err := link.receiver.Receive(ctx)
		if err != nil {
			if len(messages) > 0 && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
				return messages, nil
			}
			return nil, translateAMQPError(err)
		}
		message, err := newReceivedMessage(amqpMessage, false)
		if err != nil {
			return nil, err
		}
		if receiver.mode == ReceiveModePeekLock {
			receiver.registerUnsettled(message, amqpMessage)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// Complete settles the messages as successfully processed.
func (receiver *Receiver) Complete(ctx context.Context, messages ...*ReceivedMessage) error {
	return receiver.disposeMessages(ctx, dispositionComplete, "", "", messages)
}

// Abandon releases the message locks, making the messages available again.
func (receiver *Receiver) Abandon(ctx context.Context, messages ...*ReceivedMessage) error {
	return receiver.disposeMessages(ctx, dispositionAbandon, "", "", messages)
}

// Defer moves the messages to the deferred state; they can only be retrieved
// again by sequence number.
func (receiver *Receiver) Defer(ctx context.Context, messages ...*ReceivedMessage) error {
	return receiver.disposeMessages(ctx, dispositionDefer, "", "", messages)
}

// DeadLetter moves the messages to the dead-letter subqueue.
func (receiver *Receiver) DeadLetter(ctx context.Context, reason string, description string, messages ...*ReceivedMessage) error {
	return receiver.disposeMessages(ctx, dispositionSuspend, reason, description, messages)
}

// disposeMessages routes one settlement batch. If any lock token in the
// batch was obtained through the request/response receive path the entire
// batch goes through the management disposition operation; batches are never
// split by origin.
func (receiver *Receiver) disposeMessages(ctx context.Context, status disposition, reason string, description string, messages []*ReceivedMessage) error {
	if len(messages) == 0 {
		return nil
	}
	if receiver.mode == ReceiveModeReceiveAndDelete {
		return NewError(OperationError, "messages are settled on receipt in receive-and-delete mode")
	}

	viaMgmt := false
	tokens := make([]uuid.UUID, 0, len(messages))
	for _, message := range messages {
		tokens = append(tokens, message.LockToken)
		if receiver.lockedViaMgmt.Contains(message.LockToken.String()) {
			viaMgmt = true
		}
	}

	if viaMgmt {
		return receiver.disposeViaMgmt(ctx, status, reason, description, tokens)
	}
	return receiver.disposeOnLink(ctx, status, reason, description, tokens)
}

func (receiver *Receiver) disposeViaMgmt(ctx context.Context, status disposition, reason string, description string, tokens []uuid.UUID) error {
	body := map[string]interface{}{
		fieldDispositionStatus: string(status),
		fieldLockTokens:        amqpUUIDs(tokens),
	}
	if reason != "" {
		body[fieldDeadLetterReason] = reason
	}
	if description != "" {
		body[fieldDeadLetterDesc] = description
	}

	if _, err := receiver.mgmtExecute(ctx, operationUpdateDispo, body); err != nil {
		return err
	}

	receiver.unsettledLock.Lock()
	for _, token := range tokens {
		delete(receiver.unsettled, token)
	}
	receiver.unsettledLock.Unlock()
	return nil
}

func (receiver *Receiver) disposeOnLink(ctx context.Context, status disposition, reason string, description string, tokens []uuid.UUID) error {
	link, opened := receiver.link.TryGetOpened()
	if !opened {
		return NewError(LinkError, "receive link is closed; message locks are no longer settleable")
	}

	for _, token := range tokens {
		receiver.unsettledLock.Lock()
		entry, exists := receiver.unsettled[token]
		receiver.unsettledLock.Unlock()
		if !exists {
			return NewError(LockLostError, fmt.Sprintf("lock token %s is not held by this receiver", token))
		}
		amqpMessage := entry.message

		var err error
		switch status {
		case dispositionComplete:
			err = link.receiver.AcceptMessage(ctx, amqpMessage)
		case dispositionAbandon:
			err = link.receiver.ModifyMessage(ctx, amqpMessage, &amqp.ModifyMessageOptions{})
		case dispositionDefer:
			err = link.receiver.ModifyMessage(ctx, amqpMessage, &amqp.ModifyMessageOptions{UndeliverableHere: true})
		case dispositionSuspend:
			info := map[string]interface{}{}
			if reason != "" {
				info[deadLetterReasonKey] = reason
			}
			if description != "" {
				info[deadLetterDescription] = description
			}
			err = link.receiver.RejectMessage(ctx, amqpMessage, &amqp.Error{
				Condition: deadLetterCondition,
				Info:      info,
			})
		}
		if err != nil {
			return translateAMQPError(err)
		}

		receiver.unsettledLock.Lock()
		delete(receiver.unsettled, token)
		receiver.unsettledLock.Unlock()
	}
	return nil
}

// ReceiveDeferred retrieves previously deferred messages by sequence number
// through the management channel and registers their lock tokens for
// request/response settlement.
func (receiver *Receiver) ReceiveDeferred(ctx context.Context, sequenceNumbers []int64) ([]*ReceivedMessage, error) {
	settleMode := uint32(0)
	if receiver.mode == ReceiveModePeekLock {
		settleMode = 1
	}
	body := map[string]interface{}{
		fieldSequenceNumbers:    sequenceNumbers,
		fieldReceiverSettleMode: settleMode,
	}

	response, err := receiver.mgmtExecute(ctx, operationReceiveBySeq, body)
	if err != nil {
		return nil, err
	}

	entries, err := messageEntries(response)
	if err != nil {
		return nil, err
	}

	messages := make([]*ReceivedMessage, 0, len(entries))
	for _, entry := range entries {
		message, err := decodeMgmtMessage(entry)
		if err != nil {
			return nil, err
		}
		if rawToken, exists := entry[fieldLockToken]; exists {
			if amqpToken, ok := rawToken.(amqp.UUID); ok {
				message.LockToken = uuid.UUID(amqpToken)
			}
		}

		expiry := message.LockedUntil
		if expiry.IsZero() {
			expiry = time.Now().Add(fallbackLockDuration)
		}
		receiver.lockedViaMgmt.AddOrUpdate(message.LockToken.String(), expiry)
		messages = append(messages, message)
	}
	return messages, nil
}

// Peek browses messages from the given sequence number without locking them.
func (receiver *Receiver) Peek(ctx context.Context, fromSequence int64, count int32) ([]*ReceivedMessage, error) {
	body := map[string]interface{}{
		fieldFromSequence: fromSequence,
		fieldMessageCount: count,
	}

	response, err := receiver.mgmtExecute(ctx, operationPeek, body)
	if err != nil {
		return nil, err
	}

	entries, err := messageEntries(response)
	if err != nil {
		return nil, err
	}

	messages := make([]*ReceivedMessage, 0, len(entries))
	for _, entry := range entries {
		message, err := decodeMgmtMessage(entry)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// RenewLock extends the message lock and returns the new expiry.
func (receiver *Receiver) RenewLock(ctx context.Context, message *ReceivedMessage) (time.Time, error) {
	body := map[string]interface{}{
		fieldLockTokens: amqpUUIDs([]uuid.UUID{message.LockToken}),
	}

	response, err := receiver.mgmtExecute(ctx, operationRenewLock, body)
	if err != nil {
		return time.Time{}, err
	}

	expirations := timesFromField(response.Fields()[fieldExpirations])
	if len(expirations) == 0 {
		return time.Time{}, NewError(OperationError, "renew-lock response carried no expirations")
	}

	message.LockedUntil = expirations[0]
	if message.viaMgmt {
		receiver.lockedViaMgmt.AddOrUpdate(message.LockToken.String(), expirations[0])
	}
	return expirations[0], nil
}

// RenewSessionLock extends the session lock and returns the new expiry.
func (receiver *Receiver) RenewSessionLock(ctx context.Context) (time.Time, error) {
	if receiver.sessionID == nil {
		return time.Time{}, NewError(OperationError, "receiver has no session id")
	}
	body := map[string]interface{}{
		fieldSessionID: *receiver.sessionID,
	}

	response, err := receiver.mgmtExecute(ctx, operationRenewSessionLock, body)
	if err != nil {
		return time.Time{}, err
	}

	if expiry, ok := response.Fields()[fieldExpiration].(time.Time); ok {
		return expiry, nil
	}
	return time.Time{}, NewError(OperationError, "renew-session-lock response carried no expiration")
}

func (receiver *Receiver) mgmtExecute(ctx context.Context, operation string, body map[string]interface{}) (*rpcResponse, error) {
	mgmt, err := receiver.mgmt.GetOrCreate(ctx)
	if err != nil {
		return nil, translateAMQPError(err)
	}

	request := &amqp.Message{
		ApplicationProperties: map[string]interface{}{propertyOperation: operation},
		Value:                 body,
	}
	if link, opened := receiver.link.TryGetOpened(); opened {
		request.ApplicationProperties[propertyAssociatedLink] = link.name
	}

	helper := operationHelper(ctx, receiver.client.operationTimeout)
	execCtx, cancel := helper.RemainingContext(ctx)
	defer cancel()
	return mgmt.Execute(execCtx, request)
}

// Close tears down the receive and management links and stops renewal.
func (receiver *Receiver) Close(ctx context.Context) error {
	receiver.lock.Lock()
	if receiver.closed {
		receiver.lock.Unlock()
		return nil
	}
	receiver.closed = true
	receiver.lock.Unlock()

	receiver.scheduler.Close()
	receiver.mgmt.Close(ctx)
	receiver.link.Close(ctx)
	receiver.lockedViaMgmt.Close()
	return nil
}

func amqpUUIDs(tokens []uuid.UUID) []amqp.UUID {
	converted := make([]amqp.UUID, len(tokens))
	for index, token := range tokens {
		converted[index] = amqp.UUID(token)
	}
	return converted
}

func messageEntries(response *rpcResponse) ([]map[string]interface{}, error) {
	fields := response.Fields()
	if fields == nil {
		return nil, nil
	}
	rawEntries, exists := fields[fieldMessages]
	if !exists {
		return nil, nil
	}
	list, ok := rawEntries.([]interface{})
	if !ok {
		return nil, NewError(OperationError, "management response carried malformed messages field")
	}
	entries := make([]map[string]interface{}, 0, len(list))
	for _, rawEntry := range list {
		entry, ok := rawEntry.(map[string]interface{})
		if !ok {
			return nil, NewError(OperationError, "management response carried malformed message entry")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeMgmtMessage(entry map[string]interface{}) (*ReceivedMessage, error) {
	data, ok := entry[fieldMessage].([]byte)
	if !ok {
		return nil, NewError(OperationError, "management response entry carried no message payload")
	}
	amqpMessage := &amqp.Message{}
	if err := amqpMessage.UnmarshalBinary(data); err != nil {
		return nil, NewError(OperationError, err)
	}
	return newReceivedMessage(amqpMessage, true)
}

func timesFromField(value interface{}) []time.Time {
	switch typed := value.(type) {
	case []time.Time:
		return typed
	case []interface{}:
		times := make([]time.Time, 0, len(typed))
		for _, raw := range typed {
			if timestamp, ok := raw.(time.Time); ok {
				times = append(times, timestamp)
			}
		}
		return times
	}
	return nil
}
