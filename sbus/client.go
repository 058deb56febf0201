package sbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ReceiveMode selects how received messages are settled.
type ReceiveMode int

const (
	// ReceiveModePeekLock locks each delivery until it is explicitly settled.
	ReceiveModePeekLock ReceiveMode = iota

	// ReceiveModeReceiveAndDelete settles deliveries at the broker on send.
	ReceiveModeReceiveAndDelete
)

const defaultOperationTimeout = time.Minute

// Client manages a single broker namespace connection and spawns senders and
// receivers that share it. At most one live connection exists per client; a
// transport fault invalidates it and the next operation reconnects.
type Client struct {
	lock sync.Mutex

	containerID      string
	tokenProvider    TokenProvider
	tlsConfig        *tls.Config
	useWebsocket     bool
	operationTimeout time.Duration
	logger           zerolog.Logger

	chooser     EndpointChooser
	connFactory connFactory
	registry    *clientRegistry

	conn    *faultTolerant[*connHandle]
	cbsLink *faultTolerant[*rpcLink]

	closed bool
}

// NewClient returns a new Client for the given namespace endpoint.
func NewClient(endpoint string, tokenProvider TokenProvider) *Client {
	client := &Client{
		containerID:      "sbus-" + uuid.New().String(),
		tokenProvider:    tokenProvider,
		operationTimeout: defaultOperationTimeout,
		logger:           zerolog.Nop(),
		chooser:          NewDefaultEndpointChooser(endpoint),
		registry:         &clientRegistry{},
	}

	client.conn = newFaultTolerant(
		client.createConnection,
		func(ctx context.Context, handle *connHandle) error { return handle.Close() },
		func(handle *connHandle) <-chan struct{} { return handle.Done() },
		client.logger,
	)
	client.cbsLink = newFaultTolerant(
		func(ctx context.Context) (*rpcLink, error) {
			return client.createRPCLink(ctx, cbsAddress, false, nil)
		},
		func(ctx context.Context, link *rpcLink) error { return link.Close(ctx) },
		func(link *rpcLink) <-chan struct{} { return link.Done() },
		client.logger,
	)

	return client
}

func (client *Client) createConnection(ctx context.Context) (*connHandle, error) {
	client.lock.Lock()
	factory := client.connFactory
	if factory == nil {
		factory = newGoamqpFactory(dialConfig{
			tlsConfig:    client.tlsConfig,
			useWebsocket: client.useWebsocket,
		})
		client.connFactory = factory
	}
	chooser := client.chooser
	containerID := client.containerID
	client.lock.Unlock()

	endpoint := chooser.Current()
	if endpoint == "" {
		return nil, NewError(ConnectionError, "no endpoint available")
	}

	conn, err := factory(ctx, endpoint, containerID)
	if err != nil {
		chooser.ReportFailure(err)
		return nil, translateAMQPError(err)
	}
	chooser.ReportSuccess()

	return &connHandle{amqpConn: conn, id: client.registry.connectionID()}, nil
}

// ContainerID returns the container id embedded in this client's link names.
func (client *Client) ContainerID() string { return client.containerID }

// SetContainerID sets the container id embedded in link names.
func (client *Client) SetContainerID(containerID string) *Client {
	client.containerID = containerID
	return client
}

// SetLogger sets the structured logger used for background failures.
func (client *Client) SetLogger(logger zerolog.Logger) *Client {
	client.lock.Lock()
	client.logger = logger
	client.lock.Unlock()
	client.conn.setLogger(logger)
	client.cbsLink.setLogger(logger)
	return client
}

// SetTLSConfig sets the TLS configuration used when dialing.
func (client *Client) SetTLSConfig(config *tls.Config) *Client {
	client.tlsConfig = config
	return client
}

// SetWebsocket tunnels the AMQP connection through a binary websocket.
func (client *Client) SetWebsocket(enabled bool) *Client {
	client.useWebsocket = enabled
	return client
}

// SetOperationTimeout sets the default per-operation timeout applied when a
// caller's context carries no deadline.
func (client *Client) SetOperationTimeout(timeout time.Duration) *Client {
	if timeout > 0 {
		client.operationTimeout = timeout
	}
	return client
}

// SetEndpointChooser replaces the endpoint selection strategy.
func (client *Client) SetEndpointChooser(chooser EndpointChooser) *Client {
	if chooser != nil {
		client.chooser = chooser
	}
	return client
}

func (client *Client) audienceFor(entityPath string) string {
	return fmt.Sprintf("amqps://%s/%s", client.chooser.Current(), entityPath)
}

// Close tears down the claims-based-security link and the connection.
func (client *Client) Close(ctx context.Context) error {
	client.lock.Lock()
	if client.closed {
		client.lock.Unlock()
		return nil
	}
	client.closed = true
	client.lock.Unlock()

	client.cbsLink.Close(ctx)
	client.conn.Close(ctx)
	return nil
}
