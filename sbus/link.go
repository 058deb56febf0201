package sbus

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Azure/go-amqp"
	"github.com/google/uuid"
)

// Authorization claims requested during claims-based-security negotiation.
const (
	claimSend   = "send"
	claimListen = "listen"
	claimManage = "manage"
)

const (
	sessionFilterName = "com.microsoft:session-filter"
	sessionFilterCode = 0x00000137000000C
)

const rpcReceiverCredit = 100

// clientRegistry hands out the monotonic ids embedded in link names. Scoped
// to one client so tests stay isolated from process-wide state.
type clientRegistry struct {
	nextConnection atomic.Uint64
	nextSession    atomic.Uint64
	nextLink       atomic.Uint64
}

func (registry *clientRegistry) connectionID() uint64 { return registry.nextConnection.Add(1) }
func (registry *clientRegistry) sessionID() uint64    { return registry.nextSession.Add(1) }
func (registry *clientRegistry) linkID() uint64       { return registry.nextLink.Add(1) }

// linkName derives the diagnostic link identity from the container id and
// the connection, session, and link counters.
func linkName(containerID string, connectionID uint64, sessionID uint64, linkID uint64) string {
	return fmt.Sprintf("%s;%d:%d:%d", containerID, connectionID, sessionID, linkID)
}

// receiverLink bundles an opened receive link with its owning session.
type receiverLink struct {
	receiver    amqpReceiver
	session     amqpSession
	name        string
	audience    string
	tokenExpiry time.Time
}

// senderLink bundles an opened send link with its owning session.
type senderLink struct {
	sender      amqpSender
	session     amqpSession
	name        string
	audience    string
	tokenExpiry time.Time
}

// prepareSession runs the shared head of the link establishment protocol:
// connection, claims-based-security negotiation, then a fresh session, all
// under the caller's remaining timeout budget. Authentication failures
// propagate unwrapped; at that point no session exists yet.
func (client *Client) prepareSession(ctx context.Context, helper *timeoutHelper, entityPath string, claims []string, withAuth bool) (*connHandle, amqpSession, uint64, string, time.Time, error) {
	connCtx, cancel := helper.RemainingContext(ctx)
	conn, err := client.conn.GetOrCreate(connCtx)
	cancel()
	if err != nil {
		return nil, nil, 0, "", time.Time{}, err
	}

	audience := client.audienceFor(entityPath)
	var tokenExpiry time.Time
	if withAuth {
		authCtx, cancel := helper.RemainingContext(ctx)
		tokenExpiry, err = client.negotiateClaim(authCtx, audience, claims)
		cancel()
		if err != nil {
			return nil, nil, 0, "", time.Time{}, err
		}
	}

	sessionCtx, cancel := helper.RemainingContext(ctx)
	session, err := conn.NewSession(sessionCtx)
	cancel()
	if err != nil {
		return nil, nil, 0, "", time.Time{}, NewError(SessionError,
			fmt.Sprintf("opening session for %q on connection %d: %v", entityPath, conn.id, err))
	}

	return conn, session, client.registry.sessionID(), audience, tokenExpiry, nil
}

// createReceiverLink runs the full establishment protocol for a receive link.
func (client *Client) createReceiverLink(ctx context.Context, entityPath string, mode ReceiveMode, prefetch int32, sessionID *string) (*receiverLink, error) {
	helper := operationHelper(ctx, client.operationTimeout)

	conn, session, sessID, audience, tokenExpiry, err := client.prepareSession(ctx, helper, entityPath, []string{claimListen}, true)
	if err != nil {
		return nil, err
	}

	name := linkName(client.containerID, conn.id, sessID, client.registry.linkID())

	opts := &amqp.ReceiverOptions{
		Name:   name,
		Credit: prefetch,
	}
	if prefetch <= 0 {
		// Manual credit; the facade issues credit per receive call.
		opts.Credit = -1
	}
	if mode == ReceiveModeReceiveAndDelete {
		opts.SettlementMode = amqp.ReceiverSettleModeFirst.Ptr()
		opts.RequestedSenderSettleMode = amqp.SenderSettleModeSettled.Ptr()
	} else {
		opts.SettlementMode = amqp.ReceiverSettleModeSecond.Ptr()
		opts.RequestedSenderSettleMode = amqp.SenderSettleModeUnsettled.Ptr()
	}
	if sessionID != nil {
		opts.Filters = []amqp.LinkFilter{amqp.NewLinkFilter(sessionFilterName, sessionFilterCode, *sessionID)}
	}

	linkCtx, cancel := helper.RemainingContext(ctx)
	receiver, err := session.NewReceiver(linkCtx, entityPath, opts)
	cancel()
	if err != nil {
		client.abortSession(ctx, session)
		return nil, NewError(LinkError,
			fmt.Sprintf("attaching receive link %q for %q: %v", name, entityPath, err))
	}

	return &receiverLink{
		receiver:    receiver,
		session:     session,
		name:        name,
		audience:    audience,
		tokenExpiry: tokenExpiry,
	}, nil
}

// createSenderLink runs the full establishment protocol for a send link.
func (client *Client) createSenderLink(ctx context.Context, entityPath string) (*senderLink, error) {
	helper := operationHelper(ctx, client.operationTimeout)

	conn, session, sessID, audience, tokenExpiry, err := client.prepareSession(ctx, helper, entityPath, []string{claimSend}, true)
	if err != nil {
		return nil, err
	}

	name := linkName(client.containerID, conn.id, sessID, client.registry.linkID())

	linkCtx, cancel := helper.RemainingContext(ctx)
	sender, err := session.NewSender(linkCtx, entityPath, &amqp.SenderOptions{
		Name:           name,
		SettlementMode: amqp.SenderSettleModeMixed.Ptr(),
	})
	cancel()
	if err != nil {
		client.abortSession(ctx, session)
		return nil, NewError(LinkError,
			fmt.Sprintf("attaching send link %q for %q: %v", name, entityPath, err))
	}

	return &senderLink{
		sender:      sender,
		session:     session,
		name:        name,
		audience:    audience,
		tokenExpiry: tokenExpiry,
	}, nil
}

// createRPCLink establishes the paired sender/receiver used for
// request/response exchanges against the given management-style address.
// The claims-based-security link itself is created with withAuth false.
func (client *Client) createRPCLink(ctx context.Context, address string, withAuth bool, claims []string) (*rpcLink, error) {
	helper := operationHelper(ctx, client.operationTimeout)

	conn, session, sessID, audience, tokenExpiry, err := client.prepareSession(ctx, helper, address, claims, withAuth)
	if err != nil {
		return nil, err
	}

	name := linkName(client.containerID, conn.id, sessID, client.registry.linkID())
	clientAddress := address + "/" + uuid.New().String()

	senderCtx, cancel := helper.RemainingContext(ctx)
	sender, err := session.NewSender(senderCtx, address, &amqp.SenderOptions{Name: name})
	cancel()
	if err != nil {
		client.abortSession(ctx, session)
		return nil, NewError(LinkError,
			fmt.Sprintf("attaching request link %q for %q: %v", name, address, err))
	}

	receiverName := linkName(client.containerID, conn.id, sessID, client.registry.linkID())
	receiverCtx, cancel := helper.RemainingContext(ctx)
	receiver, err := session.NewReceiver(receiverCtx, address, &amqp.ReceiverOptions{
		Name:          receiverName,
		Credit:        rpcReceiverCredit,
		TargetAddress: clientAddress,
	})
	cancel()
	if err != nil {
		_ = sender.Close(ctx)
		client.abortSession(ctx, session)
		return nil, NewError(LinkError,
			fmt.Sprintf("attaching response link %q for %q: %v", receiverName, address, err))
	}

	return newRPCLink(sender, receiver, session, name, audience, tokenExpiry, client.logger), nil
}

// abortSession closes a half-open session so a failed link attach never
// leaks it.
func (client *Client) abortSession(ctx context.Context, session amqpSession) {
	if err := session.Close(ctx); err != nil {
		client.logger.Debug().Err(err).Msg("aborting session failed")
	}
}
