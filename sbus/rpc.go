package sbus

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Application-property keys of the management request/response protocol.
const (
	propertyOperation         = "operation"
	propertyStatusCode        = "statusCode"
	propertyStatusCodeLegacy  = "status-code"
	propertyStatusDescription = "statusDescription"
	propertyStatusDescLegacy  = "status-description"
	propertyErrorCondition    = "errorCondition"
	propertyTrackingID        = "com.microsoft:tracking-id"
	propertyServerTimeout     = "com.microsoft:server-timeout"
	propertyAssociatedLink    = "associated-link-name"
)

// rpcResponse wraps a management-style response message.
type rpcResponse struct {
	Code        int
	Description string
	TrackingID  string
	Message     *amqp.Message
}

// Fields returns the structured payload map of the response, if any.
func (response *rpcResponse) Fields() map[string]interface{} {
	if response == nil || response.Message == nil {
		return nil
	}
	fields, _ := response.Message.Value.(map[string]interface{})
	return fields
}

type rpcResult struct {
	response *rpcResponse
	err      error
}

// rpcLink pairs outbound requests with inbound responses over one long-lived
// bidirectional link. Correlation is by message identity, never by call
// order, so concurrent calls on the same link cannot cross-deliver. When the
// response pump dies every pending call fails with a link-closed error and
// the link's done channel closes, letting the owning resource holder
// invalidate it.
type rpcLink struct {
	sender        amqpSender
	receiver      amqpReceiver
	session       amqpSession
	name          string
	audience      string
	tokenExpiry   time.Time
	clientAddress string
	logger        zerolog.Logger

	lock     sync.Mutex
	pending  map[string]chan *rpcResult
	closed   bool
	closeErr error

	done     chan struct{}
	doneOnce sync.Once
}

// newRPCLink returns a new rpcLink and starts its response pump.
func newRPCLink(sender amqpSender, receiver amqpReceiver, session amqpSession, name string, audience string, tokenExpiry time.Time, logger zerolog.Logger) *rpcLink {
	link := &rpcLink{
		sender:        sender,
		receiver:      receiver,
		session:       session,
		name:          name,
		audience:      audience,
		tokenExpiry:   tokenExpiry,
		clientAddress: receiver.Address(),
		logger:        logger,
		pending:       make(map[string]chan *rpcResult),
		done:          make(chan struct{}),
	}
	go link.responsePump()
	return link
}

// Done is closed once the link can no longer serve requests.
func (link *rpcLink) Done() <-chan struct{} {
	return link.done
}

func (link *rpcLink) responsePump() {
	for {
		message, err := link.receiver.Receive(context.Background())
		if err != nil {
			link.failAll(translateAMQPError(err))
			link.doneOnce.Do(func() { close(link.done) })
			return
		}
		link.deliver(message)
	}
}

func (link *rpcLink) deliver(message *amqp.Message) {
	correlationID := ""
	if message.Properties != nil {
		if id, ok := message.Properties.CorrelationID.(string); ok {
			correlationID = id
		}
	}
	if correlationID == "" {
		link.logger.Warn().Msg("response without correlation id dropped")
		return
	}

	link.lock.Lock()
	waiter, exists := link.pending[correlationID]
	if exists {
		delete(link.pending, correlationID)
	}
	link.lock.Unlock()

	if !exists {
		link.logger.Warn().Str("correlation_id", correlationID).Msg("response without pending request dropped")
		return
	}

	code, _ := statusFromMessage(message)
	waiter <- &rpcResult{response: &rpcResponse{
		Code:        code,
		Description: descriptionFromMessage(message),
		TrackingID:  trackingIDFromMessage(message),
		Message:     message,
	}}
}

func (link *rpcLink) failAll(err error) {
	link.lock.Lock()
	link.closed = true
	link.closeErr = err
	for correlationID, waiter := range link.pending {
		waiter <- &rpcResult{err: NewError(LinkError, "request-response link closed before a reply arrived")}
		delete(link.pending, correlationID)
	}
	link.lock.Unlock()
}

// Execute sends the request and awaits the correspondingly tagged response.
// Non-success statuses are translated through the error taxonomy using the
// response's carried error condition; the response is still returned so
// callers can inspect it.
func (link *rpcLink) Execute(ctx context.Context, message *amqp.Message) (*rpcResponse, error) {
	messageID := uuid.New().String()
	if message.Properties == nil {
		message.Properties = &amqp.MessageProperties{}
	}
	message.Properties.MessageID = messageID
	message.Properties.ReplyTo = &link.clientAddress

	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		if message.ApplicationProperties == nil {
			message.ApplicationProperties = map[string]interface{}{}
		}
		message.ApplicationProperties[propertyServerTimeout] = uint32(time.Until(deadline).Milliseconds())
	}

	waiter := make(chan *rpcResult, 1)

	link.lock.Lock()
	if link.closed {
		link.lock.Unlock()
		return nil, NewError(LinkError, "request-response link is closed")
	}
	link.pending[messageID] = waiter
	link.lock.Unlock()

	if err := link.sender.Send(ctx, message); err != nil {
		link.abandonPending(messageID)
		return nil, translateAMQPError(err)
	}

	select {
	case result := <-waiter:
		if result.err != nil {
			return nil, result.err
		}
		return result.response, errorFromRPCResponse(result.response)
	case <-ctx.Done():
		link.abandonPending(messageID)
		return nil, NewError(TimedOutError, "request-response exchange timed out")
	}
}

func (link *rpcLink) abandonPending(messageID string) {
	link.lock.Lock()
	delete(link.pending, messageID)
	link.lock.Unlock()
}

// Close tears down both halves of the link and the owning session.
func (link *rpcLink) Close(ctx context.Context) error {
	link.failAll(NewError(ClosedError, "request-response link closed"))
	if err := link.receiver.Close(ctx); err != nil {
		link.logger.Debug().Err(err).Msg("closing rpc receiver failed")
	}
	if err := link.sender.Close(ctx); err != nil {
		link.logger.Debug().Err(err).Msg("closing rpc sender failed")
	}
	return link.session.Close(ctx)
}

func errorFromRPCResponse(response *rpcResponse) error {
	if response.Code >= http.StatusOK && response.Code < http.StatusMultipleChoices {
		return nil
	}
	condition := ""
	if response.Message != nil && response.Message.ApplicationProperties != nil {
		if value, ok := response.Message.ApplicationProperties[propertyErrorCondition].(string); ok {
			condition = value
		}
	}
	description := response.Description
	if description == "" {
		description = response.TrackingID
	}
	return conditionToError(condition, description)
}

func statusFromMessage(message *amqp.Message) (int, bool) {
	if message.ApplicationProperties == nil {
		return 0, false
	}
	if code, ok := toInt(message.ApplicationProperties[propertyStatusCode]); ok {
		return code, true
	}
	if code, ok := toInt(message.ApplicationProperties[propertyStatusCodeLegacy]); ok {
		return code, true
	}
	return 0, false
}

func descriptionFromMessage(message *amqp.Message) string {
	if message.ApplicationProperties == nil {
		return ""
	}
	if description, ok := message.ApplicationProperties[propertyStatusDescription].(string); ok {
		return description
	}
	if description, ok := message.ApplicationProperties[propertyStatusDescLegacy].(string); ok {
		return description
	}
	return ""
}

func trackingIDFromMessage(message *amqp.Message) string {
	if message.ApplicationProperties == nil {
		return ""
	}
	trackingID, _ := message.ApplicationProperties[propertyTrackingID].(string)
	return trackingID
}

func toInt(value interface{}) (int, bool) {
	switch typed := value.(type) {
	case int:
		return typed, true
	case int32:
		return int(typed), true
	case int64:
		return int(typed), true
	case uint32:
		return int(typed), true
	case uint64:
		return int(typed), true
	}
	return 0, false
}
