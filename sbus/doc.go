// Package sbus provides a Go client for AMQP 1.0 message-broker namespaces
// using claims-based-security link authorization.
//
// The primary lifecycle is:
//   - construct a Client with NewClient and a TokenProvider
//   - create Sender and Receiver facades for entity paths
//   - send, receive, and settle messages
//   - Close the facades and the Client when finished
//
// Connections, sessions, and links are created lazily and re-created
// transparently after transport faults: every facade holds its resources in
// fault-tolerant single-flight holders, so concurrent callers share one
// (re)establishment attempt and a dead resource is replaced on the next use.
// Security tokens are refreshed in the background shortly before expiry.
//
// Operations accept a context; when the context carries no deadline the
// client's operation timeout bounds each call, and one budget is threaded
// through the authenticate, session open, and link attach steps.
//
// Errors are reported as typed errors created with NewError. IsRetryable
// distinguishes failures worth re-attempting; RunWithRetry wraps operations
// with a retry strategy.
package sbus
