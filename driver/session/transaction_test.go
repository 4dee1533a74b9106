// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

type fakeLabeledError struct {
	msg string
	labels []string
}

func (e fakeLabeledError) Error() string { return e.msg }
func (e fakeLabeledError) HasErrorLabel(label string) bool {
	for _, l := range e.labels {
		if l == label {
			return true
		}
	}
	return false
}

func newTestSession() *ClientSession {
	return NewClientSession(NewPool(0), "client-1", false, false, false)
}

// TestTxnNumberMonotonic is the Transaction monotonicity property: within
// one session, txnNumber strictly increases on StartTransaction.
func TestTxnNumberMonotonic(t *testing.T) {
	cs := newTestSession()

	if err := cs.StartTransaction(TransactionOptions{}, true, true); err != nil {
		t.Fatalf("StartTransaction: %v", err)
	}
	first := cs.TxnNumber()

	noop := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error { return nil }
	if err := cs.CommitTransaction(context.Background(), noop); err != nil {
		t.Fatalf("CommitTransaction: %v", err)
	}

	if err := cs.StartTransaction(TransactionOptions{}, true, true); err != nil {
		t.Fatalf("second StartTransaction: %v", err)
	}
	second := cs.TxnNumber()

	if second <= first {
		t.Fatalf("txnNumber did not increase across transactions: %d then %d", first, second)
	}
}

func TestStartTransactionPreconditions(t *testing.T) {
	t.Run("snapshot session rejected", func(t *testing.T) {
		cs := NewClientSession(NewPool(0), "c", false, false, true)
		if err := cs.StartTransaction(TransactionOptions{}, true, true); !errors.Is(err, ErrSnapshotTransaction) {
			t.Fatalf("got %v, want ErrSnapshotTransaction", err)
		}
	})

	t.Run("already in progress rejected", func(t *testing.T) {
		cs := newTestSession()
		if err := cs.StartTransaction(TransactionOptions{}, true, true); err != nil {
			t.Fatalf("first StartTransaction: %v", err)
		}
		if err := cs.StartTransaction(TransactionOptions{}, true, true); !errors.Is(err, ErrAlreadyInTransaction) {
			t.Fatalf("got %v, want ErrAlreadyInTransaction", err)
		}
	})

	t.Run("unsupported deployment rejected", func(t *testing.T) {
		cs := newTestSession()
		if err := cs.StartTransaction(TransactionOptions{}, false, true); !errors.Is(err, ErrUnsupportedTransactions) {
			t.Fatalf("got %v, want ErrUnsupportedTransactions", err)
		}
	})

	t.Run("unacknowledged write concern rejected", func(t *testing.T) {
		cs := newTestSession()
		if err := cs.StartTransaction(TransactionOptions{}, true, false); !errors.Is(err, ErrUnackWCTransaction) {
			t.Fatalf("got %v, want ErrUnackWCTransaction", err)
		}
	})
}

func TestCommitTransactionDispatchByState(t *testing.T) {
	noop := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error { return nil }

	t.Run("None errors", func(t *testing.T) {
		cs := newTestSession()
		if err := cs.CommitTransaction(context.Background(), noop); !errors.Is(err, ErrNoTransactStarted) {
			t.Fatalf("got %v, want ErrNoTransactStarted", err)
		}
	})

	t.Run("Starting commits without sending a command", func(t *testing.T) {
		cs := newTestSession()
		called := false
		commit := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error {
			called = true
			return nil
		}
		_ = cs.StartTransaction(TransactionOptions{}, true, true)
		if err := cs.CommitTransaction(context.Background(), commit); err != nil {
			t.Fatalf("CommitTransaction: %v", err)
		}
		if called {
			t.Fatal("Starting -> Committed(false) must not send a command")
		}
		// Committed(false): a second commit call is a no-op success.
		if err := cs.CommitTransaction(context.Background(), commit); err != nil {
			t.Fatalf("re-commit on Committed(false): %v", err)
		}
		if called {
			t.Fatal("Committed(false) re-commit must not send a command")
		}
	})

	t.Run("InProgress sends a command and retries are idempotent", func(t *testing.T) {
		cs := newTestSession()
		calls := 0
		commit := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error {
			calls++
			return nil
		}
		_ = cs.StartTransaction(TransactionOptions{}, true, true)
		cs.ApplyCommand() // Starting -> InProgress, as Execute would after sending the first command

		if err := cs.CommitTransaction(context.Background(), commit); err != nil {
			t.Fatalf("first commit: %v", err)
		}
		if calls != 1 {
			t.Fatalf("calls = %d, want 1", calls)
		}
		// Committed(true): retry the commit — idempotent re-commit path.
		if err := cs.CommitTransaction(context.Background(), commit); err != nil {
			t.Fatalf("retry commit: %v", err)
		}
		if calls != 2 {
			t.Fatalf("calls = %d, want 2 after retry", calls)
		}
	})

	t.Run("Aborted rejects commit", func(t *testing.T) {
		cs := newTestSession()
		_ = cs.StartTransaction(TransactionOptions{}, true, true)
		_ = cs.AbortTransaction(context.Background(), noop)
		if err := cs.CommitTransaction(context.Background(), noop); !errors.Is(err, ErrCommitAfterAbort) {
			t.Fatalf("got %v, want ErrCommitAfterAbort", err)
		}
	})
}

func TestAbortTransactionDispatch(t *testing.T) {
	noop := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error { return nil }

	cs := newTestSession()
	if err := cs.AbortTransaction(context.Background(), noop); !errors.Is(err, ErrNoTransactStarted) {
		t.Fatalf("None: got %v, want ErrNoTransactStarted", err)
	}

	_ = cs.StartTransaction(TransactionOptions{}, true, true)
	if err := cs.AbortTransaction(context.Background(), noop); err != nil {
		t.Fatalf("Starting abort: %v", err)
	}
	if err := cs.AbortTransaction(context.Background(), noop); !errors.Is(err, ErrAbortTwice) {
		t.Fatalf("second abort: got %v, want ErrAbortTwice", err)
	}

	_ = cs.StartTransaction(TransactionOptions{}, true, true)
	if err := cs.CommitTransaction(context.Background(), noop); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := cs.AbortTransaction(context.Background(), noop); !errors.Is(err, ErrAbortAfterCommit) {
		t.Fatalf("abort after commit: got %v, want ErrAbortAfterCommit", err)
	}
}

func TestClearPinnedOnTransientTransactionErrorLabel(t *testing.T) {
	cs := newTestSession()
	_ = cs.StartTransaction(TransactionOptions{}, true, true)
	cs.PinServer("mongos-1:27017")

	if cs.PinnedServer() == "" {
		t.Fatal("expected a pinned server before the error")
	}

	commit := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error {
		return fakeLabeledError{msg: "network blip", labels: []string{"TransientTransactionError"}}
	}
	cs.ApplyCommand()
	_ = cs.CommitTransaction(context.Background(), commit)

	if cs.PinnedServer() != "" {
		t.Fatal("TransientTransactionError on commit should clear the pin")
	}
}

func TestWithTransactionCommitsOnSuccess(t *testing.T) {
	cs := newTestSession()
	commits := 0
	commit := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error {
		commits++
		return nil
	}
	abort := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error { return nil }

	result, err := cs.WithTransaction(context.Background(), func(ctx context.Context) (interface{}, error) {
		cs.ApplyCommand()
		return "ok", nil
	}, TransactionOptions{}, true, true, commit, abort)

	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}
	if result != "ok" {
		t.Fatalf("result = %v, want ok", result)
	}
	if commits != 1 {
		t.Fatalf("commits = %d, want 1", commits)
	}
}

func TestWithTransactionRestartsOnTransientError(t *testing.T) {
	cs := newTestSession()
	attempts := 0
	commit := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error { return nil }
	abort := func(ctx context.Context, recoveryToken bsoncore.Document, retrying bool) error { return nil }

	_, err := cs.WithTransaction(context.Background(), func(ctx context.Context) (interface{}, error) {
		attempts++
		cs.ApplyCommand()
		if attempts == 1 {
			return nil, fakeLabeledError{msg: "blip", labels: []string{"TransientTransactionError"}}
		}
		return "ok", nil
	}, TransactionOptions{}, true, true, commit, abort)

	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (one retry after the transient error)", attempts)
	}
}
