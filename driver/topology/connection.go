// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/internal"
	"github.com/coredb-io/godriver/mnet"
	"github.com/coredb-io/godriver/wiremessage"
)

// connection lifecycle states.
const (
	connInitialized int32 = iota
	connConnected
	connDisconnected
)

var globalConnectionID uint64

func nextConnectionID() uint64 { return atomic.AddUint64(&globalConnectionID, 1) }

var (
	defaultMaxMessageSize uint32 = 48000000
	errResponseTooLarge = errors.New("length of read message too large")
)

// ConnectionError wraps a dial/handshake/I/O failure with the connection
// id so SDAM classification (driver.Error.NetworkError) can unwrap
// through it.
type ConnectionError struct {
	ConnectionID string
	Wrapped error
	init bool
	message string
}

func (e ConnectionError) Error() string {
	if e.message != "" {
		return fmt.Sprintf("connection(%s) %s: %v", e.ConnectionID, e.message, e.Wrapped)
	}
	return fmt.Sprintf("connection(%s): %v", e.ConnectionID, e.Wrapped)
}

func (e ConnectionError) Unwrap() error { return e.Wrapped }

// Timeout reports whether the underlying error was a network timeout.
// ConnectionError has no Temporary method, so it is not itself a net.Error;
// callers reach the wrapped net.Error through Unwrap (errors.As).
func (e ConnectionError) Timeout() bool {
	var nerr net.Error
	return errors.As(e.Wrapped, &nerr) && nerr.Timeout()
}

// connection is the unpooled, dialed-and-handshaken socket. The pool wraps
// it in Connection to add generation tracking and pin handles.
type connection struct {
	state int32

	driverConnectionID uint64
	id string
	nc net.Conn
	addr address.Address
	idleTimeout time.Duration
	idleStart atomic.Value // time.Time
	desc description.Server
	helloRTT time.Duration
	compressor wiremessage.CompressorID
	zlibLevel int
	zstdLevel int
	config *connectionConfig
	canStream bool
	currentlyStreaming bool
	serverConnectionID *int64

	generation uint64
	pool *pool

	cancellationListener *internal.CancellationListener
}

func newConnection(addr address.Address, opts ...ConnectionOption) *connection {
	cfg := newConnectionConfig(opts...)
	connID := nextConnectionID()
	c := &connection{
		driverConnectionID: connID,
		id: fmt.Sprintf("%s[-%d]", addr, connID),
		addr: addr,
		idleTimeout: cfg.idleTimeout,
		config: cfg,
		state: connInitialized,
		cancellationListener: internal.NewCancellationListener(),
	}
	if !cfg.loadBalanced {
		c.setGenerationNumber()
	}
	c.idleStart.Store(time.Now())
	return c
}

func (c *connection) setGenerationNumber() {
	if c.config.getGenerationFn != nil {
		c.generation = c.config.getGenerationFn(c.desc.ServiceID)
	}
}

// connect dials, optionally negotiates TLS, and runs the handshake.
// Errors returned here are always classified as "before handshake
// completes" by the caller ("handshake error handling").
func (c *connection) connect(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt32(&c.state, connInitialized, connConnected) {
		return nil
	}
	defer func() {
		if err != nil {
			atomic.StoreInt32(&c.state, connDisconnected)
			if c.nc != nil {
				_ = c.nc.Close()
			}
		}
	}()

	dialCtx := ctx
	if c.config.connectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.config.connectTimeout)
		defer cancel()
	}

	nc, err := dialHappyEyeballs(dialCtx, c.config.dialer, c.addr)
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, init: true, message: fmt.Sprintf("failed to connect to %s", c.addr)}
	}
	c.nc = nc

	if c.config.tlsConfig != nil {
		tlsNc, err := configureTLS(dialCtx, c.nc, c.addr, c.config.tlsConfig)
		if err != nil {
			return ConnectionError{ConnectionID: c.id, Wrapped: err, init: true, message: fmt.Sprintf("failed to configure TLS for %s", c.addr)}
		}
		c.nc = tlsNc
	}

	handshaker := c.config.handshaker
	if handshaker == nil {
		return nil
	}

	handshakeConn := mnet.NewConnection(initConnection{c})
	start := time.Now()
	info, err := handshaker.GetHandshakeInformation(ctx, c.addr, handshakeConn)
	if err == nil {
		c.desc = info.Description
		c.serverConnectionID = info.ServerConnectionID
		c.helloRTT = time.Since(start)
		if c.config.loadBalanced {
			c.setGenerationNumber()
		}
		err = handshaker.FinishHandshake(ctx, handshakeConn)
	}
	if err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, init: true, message: "handshake failed"}
	}

	c.negotiateCompressor()
	return nil
}

// negotiateCompressor picks the first client-preferred compressor the
// server also advertised ("negotiate a compressor").
func (c *connection) negotiateCompressor() {
	for _, method := range c.config.compressors {
		for _, serverMethod := range c.desc.Compression {
			if !strings.EqualFold(method, serverMethod) {
				continue
			}
			switch strings.ToLower(method) {
			case "snappy":
				c.compressor = wiremessage.CompressorSnappy
			case "zlib":
				c.compressor = wiremessage.CompressorZLib
				c.zlibLevel = wiremessage.DefaultZlibLevel
				if c.config.zlibLevel != nil {
					c.zlibLevel = *c.config.zlibLevel
				}
			case "zstd":
				c.compressor = wiremessage.CompressorZstd
				c.zstdLevel = wiremessage.DefaultZstdLevel
				if c.config.zstdLevel != nil {
					c.zstdLevel = *c.config.zstdLevel
				}
			}
			return
		}
	}
}

func (c *connection) writeWireMessage(ctx context.Context, wm []byte) error {
	if atomic.LoadInt32(&c.state) != connConnected {
		return ConnectionError{ConnectionID: c.id, message: "connection is closed"}
	}
	deadline, _ := ctx.Deadline()
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set write deadline"}
	}

	go c.cancellationListener.Listen(ctx, func() { _ = c.close() })
	_, err := c.nc.Write(wm)
	c.cancellationListener.StopListening()

	if err != nil {
		if ctx.Err() != nil {
			return ConnectionError{ConnectionID: c.id, Wrapped: ctx.Err(), message: "context cancelled during write"}
		}
		c.close()
		return ConnectionError{ConnectionID: c.id, Wrapped: err, message: "unable to write wire message to network"}
	}
	return nil
}

func (c *connection) readWireMessage(ctx context.Context) ([]byte, error) {
	if atomic.LoadInt32(&c.state) != connConnected {
		return nil, ConnectionError{ConnectionID: c.id, message: "connection is closed"}
	}
	deadline, _ := ctx.Deadline()
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "failed to set read deadline"}
	}

	go c.cancellationListener.Listen(ctx, func() { _ = c.close() })
	dst, err := c.read()
	c.cancellationListener.StopListening()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ConnectionError{ConnectionID: c.id, Wrapped: ctx.Err(), message: "context cancelled during read"}
		}
		c.close()
		return nil, ConnectionError{ConnectionID: c.id, Wrapped: err, message: "unable to read server response"}
	}
	return dst, nil
}

func (c *connection) read() ([]byte, error) {
	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := int32(binary.LittleEndian.Uint32(sizeBuf[:]))
	if size < 16 {
		return nil, fmt.Errorf("malformed message length: %d", size)
	}
	maxMessageSize := c.desc.MaxMessageSize
	if maxMessageSize == 0 {
		maxMessageSize = defaultMaxMessageSize
	}
	if uint32(size) > maxMessageSize {
		return nil, errResponseTooLarge
	}

	dst := make([]byte, size)
	copy(dst, sizeBuf[:])
	if _, err := io.ReadFull(c.nc, dst[4:]); err != nil {
		return dst, err
	}
	return dst, nil
}

func (c *connection) close() error {
	if !atomic.CompareAndSwapInt32(&c.state, connConnected, connDisconnected) {
		return nil
	}
	if c.nc != nil {
		return c.nc.Close()
	}
	return nil
}

func (c *connection) closed() bool {
	return atomic.LoadInt32(&c.state) == connDisconnected
}

func (c *connection) idleTimeoutExpired() bool {
	if c.idleTimeout == 0 {
		return false
	}
	start, _ := c.idleStart.Load().(time.Time)
	return time.Since(start) > c.idleTimeout
}

func (c *connection) bumpIdleStart() {
	c.idleStart.Store(time.Now())
}

// initConnection adapts the not-yet-handshaken connection into the minimal
// mnet surface the handshaker needs, distinct from the pooled `Connection`.
type initConnection struct{ *connection }

func (c initConnection) Description() description.Server { return c.desc }
func (c initConnection) ID() string { return c.id }
func (c initConnection) Address() address.Address { return c.addr }
func (c initConnection) Stale() bool { return false }
func (c initConnection) Close() error { return nil }

func (c initConnection) Write(ctx context.Context, wm []byte) error {
	return c.connection.writeWireMessage(ctx, wm)
}

func (c initConnection) Read(ctx context.Context) ([]byte, error) {
	return c.connection.readWireMessage(ctx)
}

var _ driver.Expirable = (*Connection)(nil)
var _ mnet.Connection = (*Connection)(nil)
var _ mnet.Pinner = (*Connection)(nil)

// serviceIDOf is a small accessor used by the pool's generation map lookups.
func serviceIDOf(desc description.Server) *primitive.ObjectID { return desc.ServiceID }
