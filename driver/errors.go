// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driver

import (
	"errors"
	"fmt"
	"net"

	"github.com/coredb-io/godriver/description"
)

// Error labels, attached by the executor.
const (
	TransientTransactionError = "TransientTransactionError"
	UnknownTransactionCommitResult = "UnknownTransactionCommitResult"
	RetryableWriteError = "RetryableWriteError"
	NoWritesPerformed = "NoWritesPerformed"
)

// state-change error codes recognized during SDAM error classification
//.
var stateChangeCodes = map[int32]struct{}{
	10107: {}, // NotWritablePrimary
	13435: {}, // NotPrimaryNoSecondaryOk
	11600: {}, // InterruptedAtShutdown
	11602: {}, // InterruptedDueToReplStateChange
	13436: {}, // NotPrimaryOrSecondary
	189: {}, // PrimarySteppedDown
	91: {}, // ShutdownInProgress
}

// shutdownCodes are the subset of stateChangeCodes considered a server
// "shutting down" for the >= wire version 8 generation-bump rule.
var shutdownCodes = map[int32]struct{}{
	91: {},
	11600: {},
}

// notPrimaryMessages/nodeRecoveringMessages match errmsg text when no error
// code is present (older servers).
var notPrimaryMessages = []string{"not master", "not primary"}
var nodeRecoveringMessages = []string{"node is recovering", "not master or secondary"}

func matchesAny(msg string, candidates []string) bool {
	for _, c := range candidates {
		if containsFold(msg, c) {
			return true
		}
	}
	return false
}

func containsFold(s, substr string) bool {
	// small local helper to avoid importing strings.ToLower repeatedly at call sites.
	return len(s) >= len(substr) && indexFold(s, substr) >= 0
}

func indexFold(s, substr string) int {
	n, m := len(s), len(substr)
	for i := 0; i+m <= n; i++ {
		if equalFold(s[i:i+m], substr) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// Error represents a command error returned by the server.
type Error struct {
	Code int32
	Message string
	Name string
	Labels []string
	Wrapped error
	TopologyVersion *description.TopologyVersion
	Raw []byte
}

// Error implements the error interface.
func (e Error) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("(%s) %s", e.Name, e.Message)
	}
	return e.Message
}

// Unwrap returns the wrapped error, if any.
func (e Error) Unwrap() error { return e.Wrapped }

// ErrCode returns the server error code, satisfying the structural
// `coded` interface driver/session uses to detect MaxTimeMSExpired (50)
// without importing this package.
func (e Error) ErrCode() int32 { return e.Code }

// HasErrorLabel reports whether label is attached to this error.
func (e Error) HasErrorLabel(label string) bool {
	for _, l := range e.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NetworkError reports whether this error originated below the command
// protocol (dial/read/write failure) as opposed to a server-side refusal.
func (e Error) NetworkError() bool {
	_, ok := e.Wrapped.(net.Error)
	return ok || errors.Is(e.Wrapped, net.ErrClosed)
}

// NodeIsRecovering reports whether the server reported it is in recovery
// (stepping up/down), state-change classification.
func (e Error) NodeIsRecovering() bool {
	if e.Code == 11602 || e.Code == 13436 || e.Code == 189 || e.Code == 91 {
		return true
	}
	return matchesAny(e.Message, nodeRecoveringMessages)
}

// NotMaster reports whether the server reported it is no longer primary.
func (e Error) NotMaster() bool {
	if e.Code == 10107 || e.Code == 13435 {
		return true
	}
	return matchesAny(e.Message, notPrimaryMessages)
}

// IsReauthenticationRequired reports whether the server is asking the
// driver to reauthenticate this connection (code 391) before it will honor
// further commands, the trigger for Execute's reauthentication loop.
func (e Error) IsReauthenticationRequired() bool {
	return e.Code == 391
}

// NodeIsShuttingDown reports whether the error is a shutdown-family state
// change ("if the error is shutdown, bump generation").
func (e Error) NodeIsShuttingDown() bool {
	_, ok := shutdownCodes[e.Code]
	return ok
}

// IsStateChangeError reports whether the error's code (or message, for
// legacy servers without codes) is in the SDAM state-change set.
func (e Error) IsStateChangeError() bool {
	if _, ok := stateChangeCodes[e.Code]; ok {
		return true
	}
	return e.NotMaster() || e.NodeIsRecovering()
}

// retryableCodes are codes that are safe to retry a write or read against,
// independent of the state-change classification above.
var retryableCodes = map[int32]struct{}{
	6: {}, // HostUnreachable
	7: {}, // HostNotFound
	89: {}, // NetworkTimeout
	91: {}, // ShutdownInProgress
	189: {}, // PrimarySteppedDown
	9001: {}, // SocketException
	10107: {}, // NotWritablePrimary
	11600: {}, // InterruptedAtShutdown
	11602: {}, // InterruptedDueToReplStateChange
	13435: {}, // NotPrimaryNoSecondaryOk
	13436: {}, // NotPrimaryOrSecondary
}

// RetryableRead reports whether this error is safe to retry a read for.
func (e Error) RetryableRead() bool {
	if e.NetworkError() {
		return true
	}
	_, ok := retryableCodes[e.Code]
	return ok
}

// RetryableWrite reports whether this error is safe to retry a write for.
func (e Error) RetryableWrite(wireVersion int32) bool {
	if e.NetworkError() {
		return true
	}
	if _, ok := retryableCodes[e.Code]; ok {
		return true
	}
	// Servers >= 4.3 (wire version 9) report retryable writes via the label
	// directly rather than relying on the code table.
	return wireVersion >= 9 && e.HasErrorLabel(RetryableWriteError)
}

// noWritesPerformedCodes is the supplemented decision from SPEC_FULL.md
// "NoWritesPerformed retry short-circuit".
var noWritesPerformedCodes = map[int32]struct{}{
	10107: {},
	13435: {},
	11602: {},
	13388: {},
	11600: {},
	91: {},
	133: {},
	150: {},
}

// HasNoWritesPerformed reports whether the server indicated (via label or,
// for older servers, via this derived code table) that no writes were
// actually applied, which changes how a retry attempt surfaces its error.
func (e Error) HasNoWritesPerformed() bool {
	if e.HasErrorLabel(NoWritesPerformed) {
		return true
	}
	_, ok := noWritesPerformedCodes[e.Code]
	return ok
}

// WriteConcernError represents a write concern error reported alongside an
// otherwise-successful write.
type WriteConcernError struct {
	Code int32
	Name string
	Message string
	Labels []string
	TopologyVersion *description.TopologyVersion
	Raw []byte
}

// Error implements the error interface.
func (wce WriteConcernError) Error() string { return wce.Message }

// HasErrorLabel reports whether label is attached to this error.
func (wce WriteConcernError) HasErrorLabel(label string) bool {
	for _, l := range wce.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// NodeIsRecovering/NotMaster/NodeIsShuttingDown mirror Error's
// classification helpers, since write concern errors follow the same SDAM
// rules.
func (wce WriteConcernError) NodeIsRecovering() bool {
	return (Error{Code: wce.Code, Message: wce.Message}).NodeIsRecovering()
}

func (wce WriteConcernError) NotMaster() bool {
	return (Error{Code: wce.Code, Message: wce.Message}).NotMaster()
}

func (wce WriteConcernError) NodeIsShuttingDown() bool {
	return (Error{Code: wce.Code}).NodeIsShuttingDown()
}

// WriteError is a single error within a bulk write's writeErrors array.
type WriteError struct {
	Index int32
	Code int32
	Message string
	Details []byte
}

func (we WriteError) Error() string { return we.Message }

// WriteException is the BulkWrite(writeErrors[], writeConcernError?) kind
// : a partial-success write batch.
type WriteException struct {
	WriteErrors []WriteError
	WriteConcernError *WriteConcernError
	Labels []string
	Raw []byte
}

// Error implements the error interface.
func (we WriteException) Error() string {
	switch {
	case len(we.WriteErrors) > 0:
		return we.WriteErrors[0].Message
	case we.WriteConcernError != nil:
		return we.WriteConcernError.Message
	default:
		return "write exception"
	}
}

// HasErrorLabel reports whether label is attached to this error.
func (we WriteException) HasErrorLabel(label string) bool {
	for _, l := range we.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Sentinel errors for client-side failure modes that don't carry
// server-reported structure.
var (
	// ErrInvalidArgument signals caller misuse; never retried.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClientDisconnected signals the Client is shutting down.
	ErrClientDisconnected = errors.New("client is disconnected")
	// ErrServerSelectionTimeout signals no suitable server was found in time.
	ErrServerSelectionTimeout = errors.New("server selection timeout")
	// ErrPoolCleared signals a checkout raced with a pool generation bump.
	ErrPoolCleared = errors.New("connection pool was cleared")
	// ErrWaitQueueTimeout signals the connection pool's wait queue timed out.
	ErrWaitQueueTimeout = errors.New("timed out while checking out a connection")
	// ErrPoolClosed signals a checkout was attempted on a closed pool.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrSessionsNotSupported signals that an explicit session was given to
	// Operation.Execute but the checked-out connection's deployment does
	// not report logical session support.
	ErrSessionsNotSupported = errors.New("current topology does not support sessions")
)

// TransactionError represents a Transaction(message) state-machine
// violation.
type TransactionError struct {
	Message string
}

func (te TransactionError) Error() string { return te.Message }

// IncompatibleServerError represents a driver-server feature mismatch.
type IncompatibleServerError struct {
	Message string
}

func (e IncompatibleServerError) Error() string { return e.Message }

// InvalidResponseError represents wire-level garbage or an unexpected reply
// shape.
type InvalidResponseError struct {
	Message string
}

func (e InvalidResponseError) Error() string { return e.Message }

// AuthenticationError represents a handshake or re-authentication failure.
type AuthenticationError struct {
	Message string
	Wrapped error
}

func (e AuthenticationError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("authentication failed: %s: %s", e.Message, e.Wrapped)
	}
	return fmt.Sprintf("authentication failed: %s", e.Message)
}

func (e AuthenticationError) Unwrap() error { return e.Wrapped }
