package sbus

import (
	"context"

	"github.com/Azure/go-amqp"
)

// The protocol engine boundary. The client core talks to AMQP 1.0 through
// these narrow interfaces so the production engine (github.com/Azure/go-amqp,
// adapted in goamqp.go) and in-memory test fakes are interchangeable.

type amqpConn interface {
	NewSession(ctx context.Context) (amqpSession, error)
	Close() error
	Done() <-chan struct{}
}

type amqpSession interface {
	NewReceiver(ctx context.Context, source string, opts *amqp.ReceiverOptions) (amqpReceiver, error)
	NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (amqpSender, error)
	Close(ctx context.Context) error
}

type amqpReceiver interface {
	Receive(ctx context.Context) (*amqp.Message, error)
	IssueCredit(credit uint32) error
	AcceptMessage(ctx context.Context, message *amqp.Message) error
	RejectMessage(ctx context.Context, message *amqp.Message, amqpError *amqp.Error) error
	ReleaseMessage(ctx context.Context, message *amqp.Message) error
	ModifyMessage(ctx context.Context, message *amqp.Message, opts *amqp.ModifyMessageOptions) error
	Address() string
	Close(ctx context.Context) error
	Done() <-chan struct{}
}

type amqpSender interface {
	Send(ctx context.Context, message *amqp.Message) error
	Close(ctx context.Context) error
	Done() <-chan struct{}
}

// connFactory opens a transport-level connection to the given endpoint.
type connFactory func(ctx context.Context, endpoint string, containerID string) (amqpConn, error)

// connHandle pairs an open connection with the id used in link names.
type connHandle struct {
	amqpConn
	id uint64
}
