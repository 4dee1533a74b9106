// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package mnet defines the narrow role interfaces a single network
// connection plays at different points in its life: during the bootstrap
// handshake (before it is wrapped by the pool), and afterwards as a fully
// pooled, describable, compressible, pinnable connection. Splitting these
// out lets the handshake code operate against a minimal surface without
// depending on the pool package.
package mnet

import (
	"context"

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/description"
)

// ReadWriteCloser can write and read whole wire messages.
type ReadWriteCloser interface {
	Write(ctx context.Context, wm []byte) error
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// Describer exposes the connection's current server description.
type Describer interface {
	Description() description.Server
	ID() string
	Address() address.Address
	Stale() bool
}

// Compressor can compress an outgoing wire message using whatever
// compressor was negotiated during handshake.
type Compressor interface {
	CompressWireMessage(src, dst []byte) ([]byte, error)
}

// Streamer exposes the streamable-monitoring ("exhaust hello") state.
type Streamer interface {
	SetStreaming(bool)
	CurrentlyStreaming() bool
	SupportsStreaming() bool
}

// Pinner lets a consumer (transaction, load-balanced cursor) keep a
// connection checked out past the end of a single operation.
type Pinner interface {
	PinToCursor() error
	UnpinFromCursor() error
	PinToTransaction() error
	UnpinFromTransaction() error
}

// Connection is the full interface implemented by a pooled connection and
// consumed by the operation executor.
type Connection interface {
	ReadWriteCloser
	Describer
	Compressor
}

// connAdapter wraps a narrower ReadWriteCloser+Describer pair (e.g. the
// bootstrap handshake connection) so it satisfies Connection with a no-op
// compressor, for use before a compressor has been negotiated.
type connAdapter struct {
	ReadWriteCloser
	Describer
}

// NewConnection adapts any ReadWriteCloser+Describer into a Connection.
func NewConnection(c interface {
		ReadWriteCloser
		Describer
	}) Connection {
	if full, ok := c.(Connection); ok {
		return full
	}
	return connAdapter{ReadWriteCloser: c, Describer: c}
}

// CompressWireMessage is a no-op passthrough used before a compressor is
// known (i.e. during the handshake itself).
func (connAdapter) CompressWireMessage(src, dst []byte) ([]byte, error) {
	return append(dst, src...), nil
}
