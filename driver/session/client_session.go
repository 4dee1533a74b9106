// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Errors returned by the transaction state machine.
var (
	ErrNoTransactStarted = errors.New("no transaction started")
	ErrAbortAfterCommit = errors.New("cannot call abortTransaction after calling commitTransaction")
	ErrCommitAfterAbort = errors.New("cannot call commitTransaction after calling abortTransaction")
	ErrAbortTwice = errors.New("cannot call abortTransaction twice")
	ErrAlreadyInTransaction = errors.New("transaction already in progress")
	ErrSnapshotTransaction = errors.New("cannot start a transaction on a snapshot session")
	ErrUnsupportedTransactions = errors.New("transactions are not supported by this deployment")
	ErrUnackWCTransaction = errors.New("transactions do not support unacknowledged write concerns")
	ErrSessionOwnedByDiffClient = errors.New("session was created by a different client")
	ErrSessionEnded = errors.New("session has ended")
	ErrConcurrentSessionUse = errors.New("session is already in use by another operation")
)

// ClientSession is the ClientSession : a logical session.
type ClientSession struct {
	mu sync.Mutex

	ClientID string
	Server *ServerSession
	pool *Pool

	Implicit bool
	CausalConsistency bool
	Snapshot bool

	clusterTime bsoncore.Document
	operationTime primitive.Timestamp
	snapshotTime *primitive.Timestamp

	terminated bool
	inUse bool // exclusivity flag; the driver property 4

	Transaction *Transaction

	// Transaction support is not recorded on the session: StartTransaction
	// receives it as an argument on each call.
}

// NewClientSession creates a ClientSession bound to clientID, drawing a
// ServerSession from pool. implicit marks sessions created by the executor
// on the caller's behalf ("Implicit session").
func NewClientSession(pool *Pool, clientID string, implicit bool, causalConsistency, snapshot bool) *ClientSession {
	return &ClientSession{
		ClientID: clientID,
		Server: pool.GetSession(),
		pool: pool,
		Implicit: implicit,
		CausalConsistency: causalConsistency && !snapshot,
		Snapshot: snapshot,
		Transaction: &Transaction{},
	}
}

// CheckOut enforces the driver property 4 (session exclusivity): no two
// operations may hold the same session concurrently. It must be paired
// with CheckIn.
func (cs *ClientSession) CheckOut() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.terminated {
		return ErrSessionEnded
	}
	if cs.inUse {
		return ErrConcurrentSessionUse
	}
	cs.inUse = true
	return nil
}

// CheckIn releases the exclusivity flag taken by CheckOut.
func (cs *ClientSession) CheckIn() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.inUse = false
}

// LSID returns the session id document sent on the wire as `lsid`.
func (cs *ClientSession) LSID() bsoncore.Document {
	return cs.Server.ID
}

// TxnNumber returns the current retryable-writes/transaction txnNumber.
func (cs *ClientSession) TxnNumber() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.Server.TxnNumber
}

// IncrementTxnNumber increments and returns the new txnNumber. The executor
// calls it once per retryable-write operation; StartTransaction increments
// the txnNumber itself (the driver property 5: "txnNumber strictly increases
// on startTransaction and never regresses on retries of the same command").
func (cs *ClientSession) IncrementTxnNumber() int64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.Server.TxnNumber++
	return cs.Server.TxnNumber
}

// AdvanceClusterTime advances this session's view of $clusterTime.
func (cs *ClientSession) AdvanceClusterTime(ct bsoncore.Document) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.clusterTime = maxClusterTime(cs.clusterTime, ct)
}

// ClusterTime returns the session's highest observed cluster time.
func (cs *ClientSession) ClusterTime() bsoncore.Document {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.clusterTime
}

// AdvanceOperationTime advances operationTime monotonically (the driver
// property 9 analog, applied to operationTime instead of clusterTime).
func (cs *ClientSession) AdvanceOperationTime(t primitive.Timestamp) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if t.T > cs.operationTime.T || (t.T == cs.operationTime.T && t.I > cs.operationTime.I) {
		cs.operationTime = t
	}
}

// OperationTime returns the session's highest observed operationTime, used
// for `afterClusterTime` on causally-consistent reads.
func (cs *ClientSession) OperationTime() primitive.Timestamp {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.operationTime
}

// SetSnapshotTime records the snapshot read timestamp the first command of
// a snapshot session observed, per the Supplemented Feature in
// SPEC_FULL.md ("Snapshot reads").
func (cs *ClientSession) SetSnapshotTime(t primitive.Timestamp) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.snapshotTime == nil {
		tt := t
		cs.snapshotTime = &tt
	}
}

// SnapshotTime returns the session's pinned snapshot read timestamp, if any.
func (cs *ClientSession) SnapshotTime() *primitive.Timestamp {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.snapshotTime
}

// MarkDirty marks the underlying server session dirty: the driver "Network
// errors mark the session dirty (session will be discarded, not pooled)."
func (cs *ClientSession) MarkDirty() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.Server.Dirty = true
}

// EndSession terminates this ClientSession, returning its ServerSession to
// the pool unless it is dirty ("ClientSession lifecycle").
func (cs *ClientSession) EndSession() {
	cs.mu.Lock()
	if cs.terminated {
		cs.mu.Unlock()
		return
	}
	cs.terminated = true
	ss := cs.Server
	cs.mu.Unlock()

	cs.pool.ReturnSession(ss)
}

// Terminated reports whether EndSession has already been called.
func (cs *ClientSession) Terminated() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.terminated
}

// TransactionRunning reports whether a transaction is Starting or
// InProgress — the state in which write/read-concern overrides are
// suppressed on commands.
func (cs *ClientSession) TransactionRunning() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Transaction == nil {
		return false
	}
	return cs.Transaction.State == Starting || cs.Transaction.State == InProgress
}

// TransactionStarting reports whether the next command is the first of a
// new transaction (needs startTransaction:true/autocommit:false stamped).
func (cs *ClientSession) TransactionStarting() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.Transaction != nil && cs.Transaction.State == Starting
}

// StartTransaction begins a new transaction on this session.
//
// Preconditions: session is not a snapshot session; current state is
// neither Starting nor InProgress; the deployment supports transactions;
// the effective write concern is acknowledged.
func (cs *ClientSession) StartTransaction(opts TransactionOptions, transactionsSupported bool, writeConcernAcknowledged bool) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.Snapshot {
		return ErrSnapshotTransaction
	}
	if cs.Transaction.State == Starting || cs.Transaction.State == InProgress {
		return ErrAlreadyInTransaction
	}
	if !transactionsSupported {
		return ErrUnsupportedTransactions
	}
	if !writeConcernAcknowledged {
		return ErrUnackWCTransaction
	}

	if cs.Transaction.State == Committed {
		cs.Transaction.clearPinned()
	}

	cs.Server.TxnNumber++
	cs.Transaction = &Transaction{
		State: Starting,
		Options: mergeOptions(TransactionOptions{}, opts),
	}
	return nil
}

// ApplyCommand transitions Starting -> InProgress after the first command
// of a transaction has actually been sent ("startTransaction:
// true ... on the first command of a transaction").
func (cs *ClientSession) ApplyCommand() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Transaction != nil && cs.Transaction.State == Starting {
		cs.Transaction.State = InProgress
	}
}

// PinServer pins the transaction to a mongos address (sharded deployments).
func (cs *ClientSession) PinServer(addr string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Transaction != nil && !cs.Transaction.isPinned() {
		cs.Transaction.PinnedServer = addr
	}
}

// PinConnection pins the transaction to a connection (load-balanced
// deployments).
func (cs *ClientSession) PinConnection(conn PinnedConnection) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Transaction != nil && !cs.Transaction.isPinned() {
		cs.Transaction.PinnedConnection = conn
	}
}

// PinnedServer returns the pinned mongos address, if any.
func (cs *ClientSession) PinnedServer() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Transaction == nil {
		return ""
	}
	return cs.Transaction.PinnedServer
}

// PinnedConnection returns the pinned connection handle, if any.
func (cs *ClientSession) PinnedConnection() PinnedConnection {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Transaction == nil {
		return nil
	}
	return cs.Transaction.PinnedConnection
}

// ClearPinned releases the transaction's pin. Called on commit, abort, and
// whenever an error carrying TransientTransactionError or
// UnknownTransactionCommitResult is surfaced.
func (cs *ClientSession) ClearPinned() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Transaction != nil {
		cs.Transaction.clearPinned()
	}
}

// SetRecoveryToken stores the opaque recovery token returned by sharded
// deployments on commit/abort ("recoveryToken").
func (cs *ClientSession) SetRecoveryToken(tok bsoncore.Document) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Transaction != nil && tok != nil {
		cs.Transaction.RecoveryToken = tok
	}
}

// RecoveryToken returns the stored recovery token, if any.
func (cs *ClientSession) RecoveryToken() bsoncore.Document {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.Transaction == nil {
		return nil
	}
	return cs.Transaction.RecoveryToken
}

// TransactionOptionsSnapshot returns a copy of the current transaction's merged
// options.
func (cs *ClientSession) TransactionOptionsSnapshot() TransactionOptions {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.Transaction.Options
}

// CommandFunc executes a single `commitTransaction`/`abortTransaction`
// (or generic) command against the server and returns its error, already
// labeled by the executor. Kept abstract so this package
// does not depend on driver/operation (which itself depends on session).
type CommandFunc func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error

// CommitTransaction dispatches commitTransaction per the state table in
// the driver
func (cs *ClientSession) CommitTransaction(ctx context.Context, commit CommandFunc) error {
	cs.mu.Lock()
	state := cs.Transaction.State
	cs.mu.Unlock()

	switch state {
	case None:
		return ErrNoTransactStarted
	case Aborted:
		return ErrCommitAfterAbort
	case Starting:
		cs.mu.Lock()
		cs.Transaction.State = Committed
		cs.Transaction.CommittedDataCommitted = false
		cs.mu.Unlock()
		return nil
	case Committed:
		if !cs.Transaction.CommittedDataCommitted {
			// Committed(false): the transaction never sent a command; no-op.
			return nil
		}
		// Committed(true): idempotent re-commit path.
		cs.mu.Lock()
		cs.Transaction.retryingCommit = true
		cs.mu.Unlock()
		err := commit(ctx, cs.RecoveryToken(), true)
		cs.handleCommitResult(err)
		return err
	case InProgress:
		err := commit(ctx, cs.RecoveryToken(), false)
		cs.mu.Lock()
		cs.Transaction.State = Committed
		cs.Transaction.CommittedDataCommitted = true
		cs.mu.Unlock()
		cs.handleCommitResult(err)
		return err
	default:
		return ErrNoTransactStarted
	}
}

func (cs *ClientSession) handleCommitResult(err error) {
	if err == nil {
		cs.ClearPinned()
		return
	}
	if hasLabel(err, "TransientTransactionError") || hasLabel(err, "UnknownTransactionCommitResult") {
		cs.ClearPinned()
	}
}

// AbortTransaction dispatches abortTransaction Errors
// from the InProgress case are swallowed (best-effort,
// "killCursors on drop is fire-and-forget" sibling rule for abort).
func (cs *ClientSession) AbortTransaction(ctx context.Context, abort CommandFunc) error {
	cs.mu.Lock()
	state := cs.Transaction.State
	cs.mu.Unlock()

	switch state {
	case None:
		return ErrNoTransactStarted
	case Committed:
		return ErrAbortAfterCommit
	case Aborted:
		return ErrAbortTwice
	case Starting:
		cs.mu.Lock()
		cs.Transaction.State = Aborted
		cs.mu.Unlock()
		cs.ClearPinned()
		return nil
	case InProgress:
		_ = abort(ctx, cs.RecoveryToken(), false)
		cs.mu.Lock()
		cs.Transaction.State = Aborted
		cs.mu.Unlock()
		cs.ClearPinned()
		return nil
	default:
		return ErrNoTransactStarted
	}
}

// hasLabel structurally checks for an error label without importing the
// driver package's concrete Error types (avoids an import cycle: driver
// depends on session, not the reverse).
func hasLabel(err error, label string) bool {
	type labeled interface{ HasErrorLabel(string) bool }
	if le, ok := err.(labeled); ok {
		return le.HasErrorLabel(label)
	}
	return false
}

// withTransactionTimeout is the wall-clock budget for WithTransaction's
// retry loop.
const withTransactionTimeout = 120 * time.Second

// WithTransaction implements retry loop: start; call
// callback; restart on a TransientTransactionError within the 120s budget;
// on success, commit, retrying the commit itself on
// UnknownTransactionCommitResult, or restarting the whole transaction on
// TransientTransactionError, each bounded by the same 120s budget.
// Max-time-expired errors (MaxTimeMSExpiredError, code 50) always surface.
func (cs *ClientSession) WithTransaction(
	ctx context.Context,
	fn func(ctx context.Context) (interface{}, error),
	opts TransactionOptions,
	transactionsSupported, writeConcernAcknowledged bool,
	commit CommandFunc,
	abort CommandFunc,
) (interface{}, error) {
	deadline := time.Now().Add(withTransactionTimeout)

	for {
		if err := cs.StartTransaction(opts, transactionsSupported, writeConcernAcknowledged); err != nil {
			return nil, err
		}

		result, err := fn(ctx)
		if err != nil {
			if cs.TransactionRunning() {
				_ = cs.AbortTransaction(ctx, abort)
			}
			if hasLabel(err, "TransientTransactionError") && time.Now().Before(deadline) {
				continue
			}
			return nil, err
		}

		commitErr := cs.CommitTransaction(ctx, commit)
		for commitErr != nil && time.Now().Before(deadline) {
			if isMaxTimeExpired(commitErr) {
				return result, commitErr
			}
			if hasLabel(commitErr, "UnknownTransactionCommitResult") {
				commitErr = cs.CommitTransaction(ctx, commit)
				continue
			}
			if hasLabel(commitErr, "TransientTransactionError") {
				break // restart the whole transaction
			}
			return result, commitErr
		}
		if commitErr == nil {
			return result, nil
		}
		if hasLabel(commitErr, "TransientTransactionError") && time.Now().Before(deadline) {
			continue
		}
		return result, commitErr
	}
}

func isMaxTimeExpired(err error) bool {
	type coded interface{ ErrCode() int32 }
	if c, ok := err.(coded); ok {
		return c.ErrCode() == 50
	}
	return false
}
