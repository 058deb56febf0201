package sbus

import (
	"context"
	"crypto/tls"
	"net/url"
	"sync"

	"github.com/Azure/go-amqp"
)

// goamqpConn adapts *amqp.Conn to the engine boundary.
type goamqpConn struct {
	inner *amqp.Conn
}

func (connection *goamqpConn) NewSession(ctx context.Context) (amqpSession, error) {
	session, err := connection.inner.NewSession(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &goamqpSession{inner: session}, nil
}

func (connection *goamqpConn) Close() error {
	return connection.inner.Close()
}

func (connection *goamqpConn) Done() <-chan struct{} {
	return connection.inner.Done()
}

type goamqpSession struct {
	inner *amqp.Session
}

func (session *goamqpSession) NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (amqpReceiver, error) {
	receiver, err := session.inner.NewReceiver(ctx, source, opts)
	if err != nil {
		return nil, err
	}
	return &goamqpReceiver{inner: receiver, done: make(chan struct{})}, nil
}

func (session *goamqpSession) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (amqpSender, error) {
	sender, err := session.inner.NewSender(ctx, target, opts)
	if err != nil {
		return nil, err
	}
	return &goamqpSender{inner: sender, done: make(chan struct{})}, nil
}

func (session *goamqpSession) Close(ctx context.Context) error {
	return session.inner.Close(ctx)
}

// goamqpReceiver closes its done channel once the underlying link is observed
// dead, either through an explicit Close or a terminal receive error.
type goamqpReceiver struct {
	inner    *amqp.Receiver
	done     chan struct{}
	doneOnce sync.Once
}

func (receiver *goamqpReceiver) Receive(ctx context.Context) (*amqp.Message, error) {
	message, err := receiver.inner.Receive(ctx, nil)
	if err != nil && isTerminalEngineError(err) {
		receiver.markDone()
	}
	return message, err
}

func (receiver *goamqpReceiver) IssueCredit(credit uint32) error {
	return receiver.inner.IssueCredit(credit)
}

func (receiver *goamqpReceiver) AcceptMessage(ctx context.Context, message *amqp.Message) error {
	return receiver.inner.AcceptMessage(ctx, message)
}

func (receiver *goamqpReceiver) RejectMessage(ctx context.Context, message *amqp.Message, amqpError *amqp.Error) error {
	return receiver.inner.RejectMessage(ctx, message, amqpError)
}

func (receiver *goamqpReceiver) ReleaseMessage(ctx context.Context, message *amqp.Message) error {
	return receiver.inner.ReleaseMessage(ctx, message)
}

func (receiver *goamqpReceiver) ModifyMessage(ctx context.Context, message *amqp.Message, opts *amqp.ModifyMessageOptions) error {
	return receiver.inner.ModifyMessage(ctx, message, opts)
}

func (receiver *goamqpReceiver) Address() string {
	return receiver.inner.Address()
}

func (receiver *goamqpReceiver) Close(ctx context.Context) error {
	receiver.markDone()
	return receiver.inner.Close(ctx)
}

func (receiver *goamqpReceiver) Done() <-chan struct{} {
	return receiver.done
}

func (receiver *goamqpReceiver) markDone() {
	receiver.doneOnce.Do(func() { close(receiver.done) })
}

type goamqpSender struct {
	inner    *amqp.Sender
	done     chan struct{}
	doneOnce sync.Once
}

func (sender *goamqpSender) Send(ctx context.Context, message *amqp.Message) error {
	err := sender.inner.Send(ctx, message, nil)
	if err != nil && isTerminalEngineError(err) {
		sender.markDone()
	}
	return err
}

func (sender *goamqpSender) Close(ctx context.Context) error {
	sender.markDone()
	return sender.inner.Close(ctx)
}

func (sender *goamqpSender) Done() <-chan struct{} {
	return sender.done
}

func (sender *goamqpSender) markDone() {
	sender.doneOnce.Do(func() { close(sender.done) })
}

func isTerminalEngineError(err error) bool {
	switch err.(type) {
	case *amqp.ConnError, *amqp.SessionError, *amqp.LinkError:
		return true
	}
	return false
}

// dialConfig carries transport options for the default engine factory.
type dialConfig struct {
	tlsConfig    *tls.Config
	useWebsocket bool
}

// newGoamqpFactory returns a connFactory dialing the real AMQP 1.0 engine,
// optionally tunneled through a binary websocket.
func newGoamqpFactory(config dialConfig) connFactory {
	return func(ctx context.Context, endpoint string, containerID string) (amqpConn, error) {
		opts := &amqp.ConnOptions{
			ContainerID: containerID,
			SASLType:    amqp.SASLTypeAnonymous(),
			TLSConfig:   config.tlsConfig,
		}

		if config.useWebsocket {
			wsURL := url.URL{Scheme: "wss", Host: endpoint, Path: websocketPath}
			netConn, err := dialWebsocket(ctx, wsURL.String(), config.tlsConfig)
			if err != nil {
				return nil, NewError(ConnectionError, err)
			}
			conn, err := amqp.NewConn(ctx, netConn, opts)
			if err != nil {
				_ = netConn.Close()
				return nil, NewError(ConnectionError, err)
			}
			return &goamqpConn{inner: conn}, nil
		}

		conn, err := amqp.Dial(ctx, "amqps://"+endpoint, opts)
		if err != nil {
			return nil, NewError(ConnectionError, err)
		}
		return &goamqpConn{inner: conn}, nil
	}
}
