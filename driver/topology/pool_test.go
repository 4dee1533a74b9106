// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"testing"
	"time"

	"github.com/coredb-io/godriver/address"
)

// newFakeConnectedConn builds a connection already past the handshake, so
// establishConnection's conn.connect call is a no-op (its state is not
// connInitialized, so the CAS in connect short-circuits to a nil error
// without dialing anything).
func newFakeConnectedConn(id uint64, generation uint64) *connection {
	c := &connection{
		driverConnectionID: id,
		state: connConnected,
		generation: generation,
	}
	c.idleStart.Store(time.Now())
	return c
}

func newTestPool(t *testing.T, maxSize uint64) *pool {
	t.Helper()
	p := newPool(poolConfig{
			Address: address.Address("localhost:27017"),
			MaxPoolSize: maxSize,
		})
	p.ready()
	return p
}

// TestPoolGenerationMonotonicity covers spec.md testable property #3: a
// connection whose generation is behind the pool's current generation is
// never handed out by checkOut, whether it was already idle at the time of
// the clear or freshly established afterward.
func TestPoolGenerationMonotonicity(t *testing.T) {
	var nextID uint64
	p := newTestPool(t, 10)
	p.createConnFn = func(addr address.Address, opts ...ConnectionOption) *connection {
		nextID++
		return newFakeConnectedConn(nextID, p.currentGeneration(nil))
	}

	ctx := context.Background()
	conn1, err := p.checkOut(ctx)
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}
	if conn1.connection.generation != 0 {
		t.Fatalf("expected generation 0 before any clear, got %d", conn1.connection.generation)
	}
	if err := p.checkIn(conn1.connection); err != nil {
		t.Fatalf("checkIn: %v", err)
	}

	p.clear(nil, false)
	if got := p.currentGeneration(nil); got != 1 {
		t.Fatalf("expected pool generation 1 after clear, got %d", got)
	}

	conn2, err := p.checkOut(ctx)
	if err != nil {
		t.Fatalf("checkOut after clear: %v", err)
	}
	if conn2.connection == conn1.connection {
		t.Fatal("checkOut handed back the stale pre-clear connection instead of a fresh one")
	}
	if conn2.connection.generation != 1 {
		t.Fatalf("expected the reissued connection to carry the new generation, got %d", conn2.connection.generation)
	}
	if stale := p.stale(conn1.connection); !stale {
		t.Fatal("pre-clear connection should be considered stale against the bumped generation")
	}
}

// TestPoolCheckOutWaitQueueTimeout covers the waitQueueTimeout contract: once
// the pool is saturated, a checkOut blocked on a context that expires
// returns ErrWaitQueueTimeout, and the pool remains usable afterward (the
// timed-out waiter did not leak a permanent slot).
func TestPoolCheckOutWaitQueueTimeout(t *testing.T) {
	var nextID uint64
	p := newTestPool(t, 1)
	p.createConnFn = func(addr address.Address, opts ...ConnectionOption) *connection {
		nextID++
		return newFakeConnectedConn(nextID, p.currentGeneration(nil))
	}

	held, err := p.checkOut(context.Background())
	if err != nil {
		t.Fatalf("checkOut: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.checkOut(ctx); err != ErrWaitQueueTimeout {
		t.Fatalf("expected ErrWaitQueueTimeout while pool is saturated, got %v", err)
	}

	if err := p.checkIn(held.connection); err != nil {
		t.Fatalf("checkIn: %v", err)
	}
	if _, err := p.checkOut(context.Background()); err != nil {
		t.Fatalf("checkOut after the held connection was returned: %v", err)
	}
}

// TestPoolCheckOutClosed covers the PoolClosed contract.
func TestPoolCheckOutClosed(t *testing.T) {
	p := newTestPool(t, 1)
	p.close()
	if _, err := p.checkOut(context.Background()); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}

// TestPoolCheckInDropsStale asserts that checkIn discards (rather than
// re-pools) a connection whose generation has fallen behind.
func TestPoolCheckInDropsStale(t *testing.T) {
	p := newTestPool(t, 10)
	conn := newFakeConnectedConn(1, 0)

	p.clear(nil, false) // pool generation -> 1, conn is now stale

	if err := p.checkIn(conn); err != nil {
		t.Fatalf("checkIn: %v", err)
	}
	if len(p.idleConns) != 0 {
		t.Fatalf("stale connection should not be re-pooled, idle queue has %d entries", len(p.idleConns))
	}
	if !conn.closed() {
		t.Fatal("stale connection should have been closed on checkIn")
	}
}
