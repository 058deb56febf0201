package sbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
)

// fakeBroker simulates the broker side of the protocol engine boundary. RPC
// addresses get scripted handlers; plain addresses act as in-memory queues.
type fakeBroker struct {
	lock sync.Mutex

	handlers  map[string]func(request *amqp.Message) *amqp.Message
	receivers map[string]*fakeReceiver
	senders   map[string]*fakeSender
	queues    map[string][]*amqp.Message
	sent      map[string][]*amqp.Message

	dialCount           int
	dialErr             error
	sessionErr          error
	receiverErrFor      map[string]error
	receiverCreateCount map[string]int

	settlements []fakeSettlement
	cbsRequests []*amqp.Message
	connections []*fakeConn
}

type fakeSettlement struct {
	kind    string
	message *amqp.Message
	info    *amqp.Error
}

func newFakeBroker() *fakeBroker {
	broker := &fakeBroker{
		handlers:            make(map[string]func(*amqp.Message) *amqp.Message),
		receivers:           make(map[string]*fakeReceiver),
		senders:             make(map[string]*fakeSender),
		queues:              make(map[string][]*amqp.Message),
		sent:                make(map[string][]*amqp.Message),
		receiverErrFor:      make(map[string]error),
		receiverCreateCount: make(map[string]int),
	}
	broker.handlers[cbsAddress] = broker.handleCBS
	return broker
}

func (broker *fakeBroker) handleCBS(request *amqp.Message) *amqp.Message {
	broker.lock.Lock()
	broker.cbsRequests = append(broker.cbsRequests, request)
	broker.lock.Unlock()
	return &amqp.Message{
		ApplicationProperties: map[string]interface{}{propertyStatusCode: int32(200)},
	}
}

func (broker *fakeBroker) setHandler(address string, handler func(*amqp.Message) *amqp.Message) {
	broker.lock.Lock()
	broker.handlers[address] = handler
	broker.lock.Unlock()
}

func (broker *fakeBroker) enqueue(address string, message *amqp.Message) {
	broker.lock.Lock()
	receiver := broker.receivers[address]
	if receiver != nil {
		select {
		case <-receiver.done:
			receiver = nil
		default:
		}
	}
	if receiver != nil {
		broker.lock.Unlock()
		receiver.incoming <- message
		return
	}
	broker.queues[address] = append(broker.queues[address], message)
	broker.lock.Unlock()
}

func (broker *fakeBroker) receiverFor(address string) *fakeReceiver {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return broker.receivers[address]
}

func (broker *fakeBroker) senderFor(target string) *fakeSender {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	return broker.senders[target]
}

func (broker *fakeBroker) settledKinds() []string {
	broker.lock.Lock()
	defer broker.lock.Unlock()
	kinds := make([]string, 0, len(broker.settlements))
	for _, settlement := range broker.settlements {
		kinds = append(kinds, settlement.kind)
	}
	return kinds
}

func (broker *fakeBroker) factory() connFactory {
	return func(ctx context.Context, endpoint string, containerID string) (amqpConn, error) {
		broker.lock.Lock()
		broker.dialCount++
		if broker.dialErr != nil {
			err := broker.dialErr
			broker.lock.Unlock()
			return nil, err
		}
		connection := &fakeConn{broker: broker, done: make(chan struct{})}
		broker.connections = append(broker.connections, connection)
		broker.lock.Unlock()
		return connection, nil
	}
}

type fakeConn struct {
	broker *fakeBroker

	lock     sync.Mutex
	sessions []*fakeSession
	closed   bool

	done     chan struct{}
	doneOnce sync.Once
}

func (connection *fakeConn) NewSession(ctx context.Context) (amqpSession, error) {
	connection.broker.lock.Lock()
	sessionErr := connection.broker.sessionErr
	connection.broker.lock.Unlock()
	if sessionErr != nil {
		return nil, sessionErr
	}

	session := &fakeSession{conn: connection}
	connection.lock.Lock()
	connection.sessions = append(connection.sessions, session)
	connection.lock.Unlock()
	return session, nil
}

func (connection *fakeConn) Close() error {
	connection.lock.Lock()
	connection.closed = true
	sessions := append([]*fakeSession(nil), connection.sessions...)
	connection.lock.Unlock()

	for _, session := range sessions {
		_ = session.Close(context.Background())
	}
	connection.doneOnce.Do(func() { close(connection.done) })
	return nil
}

func (connection *fakeConn) Done() <-chan struct{} { return connection.done }

// fault simulates an asynchronous transport-level failure.
func (connection *fakeConn) fault() {
	_ = connection.Close()
}

type fakeSession struct {
	conn *fakeConn

	lock      sync.Mutex
	closed    bool
	receivers []*fakeReceiver
	senders   []*fakeSender
}

func (session *fakeSession) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (amqpReceiver, error) {
	broker := session.conn.broker

	broker.lock.Lock()
	broker.receiverCreateCount[source]++
	if err := broker.receiverErrFor[source]; err != nil {
		broker.lock.Unlock()
		return nil, err
	}

	receiver := &fakeReceiver{
		session:  session,
		source:   source,
		opts:     opts,
		incoming: make(chan *amqp.Message, 128),
		done:     make(chan struct{}),
	}
	address := source
	if opts != nil && opts.TargetAddress != "" {
		address = opts.TargetAddress
	}
	broker.receivers[address] = receiver
	for _, queued := range broker.queues[source] {
		receiver.incoming <- queued
	}
	delete(broker.queues, source)
	broker.lock.Unlock()

	session.lock.Lock()
	session.receivers = append(session.receivers, receiver)
	session.lock.Unlock()
	return receiver, nil
}

func (session *fakeSession) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (amqpSender, error) {
	sender := &fakeSender{
		session: session,
		target:  target,
		opts:    opts,
		done:    make(chan struct{}),
	}
	session.conn.broker.lock.Lock()
	session.conn.broker.senders[target] = sender
	session.conn.broker.lock.Unlock()

	session.lock.Lock()
	session.senders = append(session.senders, sender)
	session.lock.Unlock()
	return sender, nil
}

func (session *fakeSession) Close(ctx context.Context) error {
	session.lock.Lock()
	session.closed = true
	receivers := append([]*fakeReceiver(nil), session.receivers...)
	senders := append([]*fakeSender(nil), session.senders...)
	session.lock.Unlock()

	for _, receiver := range receivers {
		_ = receiver.Close(context.Background())
	}
	for _, sender := range senders {
		_ = sender.Close(context.Background())
	}
	return nil
}

type fakeReceiver struct {
	session *fakeSession
	source  string
	opts    *amqp.ReceiverOptions

	incoming chan *amqp.Message

	lock         sync.Mutex
	creditIssued uint32

	done     chan struct{}
	doneOnce sync.Once
}

func (receiver *fakeReceiver) Receive(ctx context.Context) (*amqp.Message, error) {
	select {
	case message := <-receiver.incoming:
		return message, nil
	case <-receiver.done:
		return nil, &amqp.LinkError{}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (receiver *fakeReceiver) IssueCredit(credit uint32) error {
	receiver.lock.Lock()
	receiver.creditIssued += credit
	receiver.lock.Unlock()
	return nil
}

func (receiver *fakeReceiver) AcceptMessage(ctx context.Context, message *amqp.Message) error {
	return receiver.recordSettlement("accept", message, nil)
}

func (receiver *fakeReceiver) RejectMessage(ctx context.Context, message *amqp.Message, amqpError *amqp.Error) error {
	return receiver.recordSettlement("reject", message, amqpError)
}

func (receiver *fakeReceiver) ReleaseMessage(ctx context.Context, message *amqp.Message) error {
	return receiver.recordSettlement("release", message, nil)
}

func (receiver *fakeReceiver) ModifyMessage(ctx context.Context, message *amqp.Message, opts *amqp.ModifyMessageOptions) error {
	kind := "abandon"
	if opts != nil && opts.UndeliverableHere {
		kind = "defer"
	}
	return receiver.recordSettlement(kind, message, nil)
}

func (receiver *fakeReceiver) recordSettlement(kind string, message *amqp.Message, amqpError *amqp.Error) error {
	broker := receiver.session.conn.broker
	broker.lock.Lock()
	broker.settlements = append(broker.settlements, fakeSettlement{kind: kind, message: message, info: amqpError})
	broker.lock.Unlock()
	return nil
}

func (receiver *fakeReceiver) Address() string {
	if receiver.opts != nil && receiver.opts.TargetAddress != "" {
		return receiver.opts.TargetAddress
	}
	return receiver.source + "/reply"
}

func (receiver *fakeReceiver) Close(ctx context.Context) error {
	receiver.doneOnce.Do(func() { close(receiver.done) })
	return nil
}

func (receiver *fakeReceiver) Done() <-chan struct{} { return receiver.done }

// fault simulates the broker detaching the link.
func (receiver *fakeReceiver) fault() {
	receiver.doneOnce.Do(func() { close(receiver.done) })
}

type fakeSender struct {
	session *fakeSession
	target  string
	opts    *amqp.SenderOptions

	sendErr error
	lock    sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
}

func (sender *fakeSender) Send(ctx context.Context, message *amqp.Message) error {
	sender.lock.Lock()
	sendErr := sender.sendErr
	sender.lock.Unlock()
	if sendErr != nil {
		return sendErr
	}

	broker := sender.session.conn.broker
	broker.lock.Lock()
	handler := broker.handlers[sender.target]
	broker.lock.Unlock()

	if handler == nil {
		broker.lock.Lock()
		broker.sent[sender.target] = append(broker.sent[sender.target], message)
		broker.lock.Unlock()
		return nil
	}

	response := handler(message)
	if response == nil {
		return nil
	}
	if response.Properties == nil {
		response.Properties = &amqp.MessageProperties{}
	}
	if message.Properties != nil {
		response.Properties.CorrelationID = message.Properties.MessageID
	}
	if message.Properties != nil && message.Properties.ReplyTo != nil {
		broker.enqueue(*message.Properties.ReplyTo, response)
	}
	return nil
}

func (sender *fakeSender) Close(ctx context.Context) error {
	sender.doneOnce.Do(func() { close(sender.done) })
	return nil
}

func (sender *fakeSender) Done() <-chan struct{} { return sender.done }

// Test fixtures shared by the facade tests.

func newTestClient(broker *fakeBroker) *Client {
	client := NewClient("testbus.example.com", NewSASTokenProvider("root", "superkey"))
	client.connFactory = broker.factory()
	client.SetOperationTimeout(5 * time.Second)
	return client
}

type fakeTokenProvider struct {
	lock    sync.Mutex
	ttl     time.Duration
	calls   int
	failErr error
}

func (provider *fakeTokenProvider) GetToken(ctx context.Context, audience string, claims []string) (*Token, error) {
	provider.lock.Lock()
	defer provider.lock.Unlock()
	provider.calls++
	if provider.failErr != nil {
		return nil, provider.failErr
	}
	return &Token{
		Value:    "token",
		Expiry:   time.Now().Add(provider.ttl),
		Type:     TokenTypeSAS,
		Audience: audience,
	}, nil
}

func (provider *fakeTokenProvider) callCount() int {
	provider.lock.Lock()
	defer provider.lock.Unlock()
	return provider.calls
}

func deliveryTagForToken(token [16]byte) []byte {
	tag := make([]byte, 16)
	tag[0], tag[1], tag[2], tag[3] = token[3], token[2], token[1], token[0]
	tag[4], tag[5] = token[5], token[4]
	tag[6], tag[7] = token[7], token[6]
	copy(tag[8:], token[8:])
	return tag
}

// newLockedMessage builds an inbound broker message with a fresh lock token.
func newLockedMessage(t *testing.T, id string, body string) *amqp.Message {
	t.Helper()
	return newLockedMessageWithToken(t, id, body, uuid.New())
}

func newLockedMessageWithToken(t *testing.T, id string, body string, token uuid.UUID) *amqp.Message {
	t.Helper()
	return &amqp.Message{
		Data:        [][]byte{[]byte(body)},
		Properties:  &amqp.MessageProperties{MessageID: id},
		DeliveryTag: deliveryTagForToken(token),
		Annotations: amqp.Annotations{
			annotationSequenceNumber: int64(1),
			annotationEnqueuedTime:   time.Now().UTC(),
			annotationLockedUntil:    time.Now().Add(time.Minute).UTC(),
		},
	}
}
