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

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/wiremessage"
)

// ErrConnectionClosed is returned by operations attempted on a Connection
// that has already been returned to its pool.
var ErrConnectionClosed = errors.New("connection is closed")

// Connection is the pooled, checked-out handle an operation talks to a
// server through. Close returns it to the pool; Expire force-closes the
// underlying socket ("checkout/checkin").
type Connection struct {
	mu sync.RWMutex

	connection *connection
	refCount int
	cleanupPoolFn func()
	cleanupServerFn func()
}

// Write implements mnet.ReadWriteCloser.
func (c *Connection) Write(ctx context.Context, wm []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return ErrConnectionClosed
	}
	return c.connection.writeWireMessage(ctx, wm)
}

// Read implements mnet.ReadWriteCloser.
func (c *Connection) Read(ctx context.Context) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil, ErrConnectionClosed
	}
	return c.connection.readWireMessage(ctx)
}

// CompressWireMessage implements mnet.Compressor, reframing src as
// OP_COMPRESSED using whichever compressor the handshake negotiated.
func (c *Connection) CompressWireMessage(src, dst []byte) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return dst, ErrConnectionClosed
	}
	if c.connection.compressor == wiremessage.CompressorNoOp {
		return append(dst, src...), nil
	}

	_, reqID, respTo, origCode, rem, ok := wiremessage.ReadHeader(src)
	if !ok {
		return dst, errors.New("wiremessage is too short to compress, less than 16 bytes")
	}
	idx, out := wiremessage.AppendHeaderStart(dst, reqID, respTo, wiremessage.OpCompressed)
	out = wiremessage.AppendCompressedOriginalOpCode(out, origCode)
	out = wiremessage.AppendCompressedUncompressedSize(out, int32(len(rem)))
	out = wiremessage.AppendCompressedCompressorID(out, c.connection.compressor)
	compressed, err := driver.CompressPayload(rem, driver.CompressionOpts{
			Compressor: c.connection.compressor,
			ZlibLevel: c.connection.zlibLevel,
			ZstdLevel: c.connection.zstdLevel,
		})
	if err != nil {
		return nil, err
	}
	out = wiremessage.AppendCompressedCompressedMessage(out, compressed)
	return wiremessage.UpdateLength(out, idx, int32(len(out)-int(idx))), nil
}

// Description implements mnet.Describer.
func (c *Connection) Description() description.Server {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return description.Server{}
	}
	return c.connection.desc
}

// ID implements mnet.Describer.
func (c *Connection) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return "<closed>"
	}
	return c.connection.id
}

// Address implements mnet.Describer.
func (c *Connection) Address() address.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return address.Address("")
	}
	return c.connection.addr
}

// Stale reports whether this connection's generation is behind its pool's
// current generation ("generation-based invalidation").
func (c *Connection) Stale() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return true
	}
	return c.connection.pool.stale(c.connection)
}

// Close returns the connection to its pool, unless it is still pinned by a
// cursor or transaction.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil || c.refCount > 0 {
		return nil
	}
	return c.cleanupReferences()
}

// Expire force-closes the underlying socket and removes it from the pool's
// live set, used when a connection's protocol state is uncertain after a
// cancelled read/write ("Cancellation").
func (c *Connection) Expire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return nil
	}
	_ = c.connection.close()
	return c.cleanupReferences()
}

// Alive reports whether this handle still references a live connection
// object (it may have already been closed/expired).
func (c *Connection) Alive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connection != nil
}

// DriverConnectionID returns the process-local numeric id used for pool
// bookkeeping and ConnectionCheckedOut/CheckedIn events.
func (c *Connection) DriverConnectionID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return 0
	}
	return c.connection.driverConnectionID
}

// ServerConnectionID returns the server-reported connection id from the
// handshake reply, if the server included one.
func (c *Connection) ServerConnectionID() *int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil {
		return nil
	}
	return c.connection.serverConnectionID
}

// LocalAddress returns the local half of the TCP/Unix socket, used for
// server-side log correlation; it returns the zero address once the
// connection has been closed.
func (c *Connection) LocalAddress() address.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.connection == nil || c.connection.nc == nil {
		return address.Address("")
	}
	return address.Address(c.connection.nc.LocalAddr().String())
}

func (c *Connection) cleanupReferences() error {
	err := c.connection.pool.checkIn(c.connection)
	if c.cleanupPoolFn != nil {
		c.cleanupPoolFn()
		c.cleanupPoolFn = nil
	}
	if c.cleanupServerFn != nil {
		c.cleanupServerFn()
		c.cleanupServerFn = nil
	}
	c.connection = nil
	return err
}

// PinToCursor implements mnet.Pinner ("pinned-connection
// handling" for load-balanced cursors).
func (c *Connection) PinToCursor() error {
	return c.pin("cursor", c.connection.pool.pinToCursor, c.connection.pool.unpinFromCursor)
}

// PinToTransaction implements mnet.Pinner and session.PinnedConnection's
// counterpart ("pinning is released on commit-success...").
func (c *Connection) PinToTransaction() error {
	return c.pin("transaction", c.connection.pool.pinToTransaction, c.connection.pool.unpinFromTransaction)
}

func (c *Connection) pin(reason string, updatePoolFn, cleanupPoolFn func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		return fmt.Errorf("attempted to pin a connection for a %s, but it has already been returned to the pool", reason)
	}
	if c.refCount == 0 {
		updatePoolFn()
		c.cleanupPoolFn = cleanupPoolFn
	}
	c.refCount++
	return nil
}

// UnpinFromCursor implements mnet.Pinner.
func (c *Connection) UnpinFromCursor() error { return c.unpin("cursor") }

// UnpinFromTransaction implements mnet.Pinner and session.PinnedConnection.
func (c *Connection) UnpinFromTransaction() error { return c.unpin("transaction") }

func (c *Connection) unpin(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connection == nil {
		// Already forcefully closed via Expire; not an error.
		return nil
	}
	if c.refCount == 0 {
		return fmt.Errorf("attempted to unpin a connection from a %s, but it is not pinned by any resource", reason)
	}
	c.refCount--
	return nil
}
