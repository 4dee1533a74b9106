// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/logger"
)

// ErrPoolClosed is returned by checkOut once Close has been called.
var ErrPoolClosed = errors.New("attempted to check out a connection from closed connection pool")

// ErrWaitQueueTimeout is returned when checkOut's context expires before a
// connection becomes available ("wait queue timeout").
var ErrWaitQueueTimeout = errors.New("timed out while checking out a connection from connection pool")

const defaultMaxConnecting = 2

// poolState tracks the three states a pool moves through: a pool is
// paused until a server's monitor confirms it is reachable.
type poolState int

const (
	poolPaused poolState = iota
	poolReady
	poolClosed
)

// pool is the per-server connection pool: it owns generation
// tracking (including a per-serviceId map for load-balanced deployments),
// bounds concurrent handshakes with a weighted semaphore, and exposes
// pin/unpin accounting so cursors and transactions can be counted without
// double-incrementing the underlying PinnedCursorConnections/
// PinnedTransactionConnections stats.
type pool struct {
	address address.Address
	connOpts []ConnectionOption
	monitor *event.PoolMonitor
	logger *logger.Logger

	minSize uint64
	maxSize uint64

	maxConnecting int64
	connecting *semaphore.Weighted

	mu sync.Mutex
	state poolState
	idleConns []*connection
	totalConns uint64

	generation uint64
	serviceGenerations map[primitive.ObjectID]uint64
	serviceGenerationsMu sync.Mutex

	pinnedCursorConns uint64
	pinnedTransactionConns uint64

	createConnFn func(addr address.Address, opts ...ConnectionOption) *connection
}

type poolConfig struct {
	Address address.Address
	MinPoolSize uint64
	MaxPoolSize uint64
	MaxConnecting uint64
	Monitor *event.PoolMonitor
	Logger *logger.Logger
	ConnOpts []ConnectionOption
}

func newPool(cfg poolConfig) *pool {
	maxConnecting := cfg.MaxConnecting
	if maxConnecting == 0 {
		maxConnecting = defaultMaxConnecting
	}
	p := &pool{
		address: cfg.Address,
		connOpts: cfg.ConnOpts,
		monitor: cfg.Monitor,
		logger: cfg.Logger,
		minSize: cfg.MinPoolSize,
		maxSize: cfg.MaxPoolSize,
		maxConnecting: int64(maxConnecting),
		connecting: semaphore.NewWeighted(int64(maxConnecting)),
		state: poolPaused,
		serviceGenerations: make(map[primitive.ObjectID]uint64),
		createConnFn: newConnection,
	}
	p.publish(event.PoolCreated, 0, "", nil)
	return p
}

func (p *pool) publish(typ string, connID uint64, reason string, serviceID *primitive.ObjectID) {
	if p.logger != nil {
		p.logger.Print(logger.LevelDebug, poolLogMessage{
			eventType: typ, address: p.address.String(), connID: connID, reason: reason,
		})
	}
	if p.monitor == nil || p.monitor.Event == nil {
		return
	}
	var svc *string
	if serviceID != nil {
		s := serviceID.Hex()
		svc = &s
	}
	p.monitor.Event(&event.PoolEvent{
			Type: typ,
			Address: p.address.String(),
			ConnectionID: connID,
			Reason: reason,
			ServiceID: svc,
		})
}

// poolLogMessage implements logger.Message for the connection component,
// logged for every pool lifecycle event (created, checked out, checked in,
// cleared, closed, …).
type poolLogMessage struct {
	eventType string
	address string
	connID uint64
	reason string
}

func (m poolLogMessage) Component() logger.Component { return logger.ComponentConnection }
func (m poolLogMessage) Level() logger.Level { return logger.LevelDebug }
func (m poolLogMessage) String() string { return m.eventType }
func (m poolLogMessage) KeysAndValues() []interface{} {
	kv := []interface{}{"serverHost", m.address}
	if m.connID != 0 {
		kv = append(kv, "driverConnectionId", m.connID)
	}
	if m.reason != "" {
		kv = append(kv, "reason", m.reason)
	}
	return kv
}

// isPaused reports whether the pool is waiting for its server to be
// confirmed reachable again before resuming connection establishment.
func (p *pool) isPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == poolPaused
}

// ready marks the pool ready to hand out connections, called once the
// server's monitor observes a successful hello.
func (p *pool) ready() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == poolClosed {
		return
	}
	p.state = poolReady
	p.publish(event.PoolReady, 0, "", nil)
}

// clear invalidates every outstanding connection by bumping the generation
// counter (or, for load-balanced deployments, a single serviceId's
// counter), matching the driver "mark the pool's generation stale".
func (p *pool) clear(serviceID *primitive.ObjectID, interrupt bool) {
	p.mu.Lock()
	p.state = poolPaused
	p.mu.Unlock()

	if serviceID == nil {
		p.serviceGenerationsMu.Lock()
		p.generation++
		p.serviceGenerationsMu.Unlock()
	} else {
		p.serviceGenerationsMu.Lock()
		p.serviceGenerations[*serviceID]++
		p.serviceGenerationsMu.Unlock()
	}

	clearEvt := &event.PoolEvent{
		Type: event.PoolCleared,
		Address: p.address.String(),
		Interruption: interrupt,
	}
	if serviceID != nil {
		s := serviceID.Hex()
		clearEvt.ServiceID = &s
	}
	if p.monitor != nil && p.monitor.Event != nil {
		p.monitor.Event(clearEvt)
	}

	if interrupt {
		p.removeIdlePerished()
	}
}

func (p *pool) currentGeneration(serviceID *primitive.ObjectID) uint64 {
	p.serviceGenerationsMu.Lock()
	defer p.serviceGenerationsMu.Unlock()
	if serviceID == nil {
		return p.generation
	}
	return p.serviceGenerations[*serviceID]
}

// stale reports whether conn's generation is behind the pool's current
// generation for its serviceId (or the pool-wide counter if none).
func (p *pool) stale(conn *connection) bool {
	if conn == nil {
		return true
	}
	return conn.generation < p.currentGeneration(serviceIDOf(conn.desc))
}

// checkOut returns a ready-to-use pooled Connection, dialing a new one if
// no idle connection is available and the pool has room, otherwise polling
// (waitForConnection) for an idle connection or a free slot until ctx
// expires ("wait queue timeout").
func (p *pool) checkOut(ctx context.Context) (*Connection, error) {
	p.publish(event.ConnectionCheckOutStarted, 0, "", nil)

	p.mu.Lock()
	if p.state == poolClosed {
		p.mu.Unlock()
		p.publish(event.ConnectionCheckOutFailed, 0, "poolClosed", nil)
		return nil, ErrPoolClosed
	}
	for len(p.idleConns) > 0 {
		conn := p.idleConns[len(p.idleConns)-1]
		p.idleConns = p.idleConns[:len(p.idleConns)-1]
		if conn.closed() || conn.idleTimeoutExpired() || p.stale(conn) {
			p.totalConns--
			_ = conn.close()
			p.publish(event.ConnectionClosed, conn.driverConnectionID, "stale", serviceIDOf(conn.desc))
			continue
		}
		p.mu.Unlock()
		conn.bumpIdleStart()
		p.publish(event.ConnectionCheckedOut, conn.driverConnectionID, "", serviceIDOf(conn.desc))
		return &Connection{connection: conn}, nil
	}
	if p.maxSize > 0 && p.totalConns >= p.maxSize {
		p.mu.Unlock()
		return p.waitForConnection(ctx)
	}
	p.totalConns++
	p.mu.Unlock()

	conn, err := p.establishConnection(ctx)
	if err != nil {
		p.mu.Lock()
		p.totalConns--
		p.mu.Unlock()
		p.publish(event.ConnectionCheckOutFailed, 0, "error", nil)
		return nil, err
	}

	p.publish(event.ConnectionCheckedOut, conn.driverConnectionID, "", serviceIDOf(conn.desc))
	return &Connection{connection: conn}, nil
}

// waitForConnection blocks, honoring ctx, until checkIn frees a slot; it is
// a simple condition-variable style poll rather than a fair FIFO queue,
// which is sufficient for the bounded maxPoolSize case this guards.
func (p *pool) waitForConnection(ctx context.Context) (*Connection, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.publish(event.ConnectionCheckOutFailed, 0, "timeout", nil)
			return nil, ErrWaitQueueTimeout
		case <-ticker.C:
			p.mu.Lock()
			if p.state == poolClosed {
				p.mu.Unlock()
				return nil, ErrPoolClosed
			}
			if len(p.idleConns) > 0 {
				conn := p.idleConns[len(p.idleConns)-1]
				p.idleConns = p.idleConns[:len(p.idleConns)-1]
				p.mu.Unlock()
				if conn.closed() || conn.idleTimeoutExpired() || p.stale(conn) {
					p.mu.Lock()
					p.totalConns--
					p.mu.Unlock()
					_ = conn.close()
					continue
				}
				conn.bumpIdleStart()
				p.publish(event.ConnectionCheckedOut, conn.driverConnectionID, "", serviceIDOf(conn.desc))
				return &Connection{connection: conn}, nil
			}
			if p.totalConns < p.maxSize {
				p.totalConns++
				p.mu.Unlock()
				conn, err := p.establishConnection(ctx)
				if err != nil {
					p.mu.Lock()
					p.totalConns--
					p.mu.Unlock()
					continue
				}
				p.publish(event.ConnectionCheckedOut, conn.driverConnectionID, "", serviceIDOf(conn.desc))
				return &Connection{connection: conn}, nil
			}
			p.mu.Unlock()
		}
	}
}

// establishConnection dials and handshakes a brand-new connection, bounding
// concurrent in-flight handshakes with the maxConnecting semaphore.
func (p *pool) establishConnection(ctx context.Context) (*connection, error) {
	if err := p.connecting.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting to start connection establishment: %w", err)
	}
	defer p.connecting.Release(1)

	conn := p.createConnFn(p.address, p.connOpts...)
	conn.pool = p
	p.publish(event.ConnectionCreated, conn.driverConnectionID, "", nil)

	if err := conn.connect(ctx); err != nil {
		return nil, err
	}
	p.publish(event.ConnectionReady, conn.driverConnectionID, "", serviceIDOf(conn.desc))
	return conn, nil
}

// checkIn returns conn to the idle list, unless it has been closed, is
// stale, or the pool itself has been closed, in which case it is dropped.
func (p *pool) checkIn(conn *connection) error {
	if conn == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == poolClosed || conn.closed() || p.stale(conn) {
		if p.totalConns > 0 {
			p.totalConns--
		}
		p.publish(event.ConnectionClosed, conn.driverConnectionID, "poolClosedOrStale", serviceIDOf(conn.desc))
		return conn.close()
	}

	conn.bumpIdleStart()
	p.idleConns = append(p.idleConns, conn)
	p.publish(event.ConnectionCheckedIn, conn.driverConnectionID, "", serviceIDOf(conn.desc))
	return nil
}

// removeIdlePerished drops idle connections invalidated by a clear(interrupt
// = true) call, used for load-balanced "interrupt in use connections" pool
// clears triggered by a cursor-killing server error.
func (p *pool) removeIdlePerished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.idleConns[:0]
	for _, conn := range p.idleConns {
		if p.stale(conn) {
			p.totalConns--
			_ = conn.close()
			p.publish(event.ConnectionClosed, conn.driverConnectionID, "stale", serviceIDOf(conn.desc))
			continue
		}
		kept = append(kept, conn)
	}
	p.idleConns = kept
}

// close tears down every idle connection and marks the pool unusable; any
// connections still checked out are closed as they are returned.
func (p *pool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == poolClosed {
		return
	}
	p.state = poolClosed
	for _, conn := range p.idleConns {
		_ = conn.close()
		p.publish(event.ConnectionClosed, conn.driverConnectionID, "poolClosed", serviceIDOf(conn.desc))
	}
	p.idleConns = nil
	p.publish(event.PoolClosedEvent, 0, "", nil)
}

// pinToCursor/unpinFromCursor and pinToTransaction/unpinFromTransaction are
// called by *Connection.pin/unpin exactly once per pinning resource (not
// once per reference), so the pool's own stats track distinct pinned
// connections rather than ref counts.
func (p *pool) pinToCursor() {
	p.mu.Lock()
	p.pinnedCursorConns++
	p.mu.Unlock()
}

func (p *pool) unpinFromCursor() {
	p.mu.Lock()
	if p.pinnedCursorConns > 0 {
		p.pinnedCursorConns--
	}
	p.mu.Unlock()
}

func (p *pool) pinToTransaction() {
	p.mu.Lock()
	p.pinnedTransactionConns++
	p.mu.Unlock()
}

func (p *pool) unpinFromTransaction() {
	p.mu.Lock()
	if p.pinnedTransactionConns > 0 {
		p.pinnedTransactionConns--
	}
	p.mu.Unlock()
}
