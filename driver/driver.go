// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package driver is the top of the operation execution pipeline: it defines
// the interfaces the topology and operation packages implement/consume, the
// error taxonomy (errors.go) and compression (compression.go). The
// Operation type lives in the driver/operation package.
package driver

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/mnet"
)

// Connection is the interface an Operation uses to talk to a single server.
// It is implemented by the pooled topology.Connection (wrapped as an
// mnet.Connection) so the driver package has no dependency on topology.
type Connection = mnet.Connection

// Expirable is implemented by connections that can be force-closed rather
// than returned to their pool, used when a connection's protocol state is
// uncertain after a cancelled read/write ("Cancellation").
type Expirable interface {
	Expire() error
	Alive() bool
}

// Server abstracts a single selected server: it hands out connections and
// receives SDAM error feedback.
type Server interface {
	Connection(ctx context.Context) (Connection, error)
	ProcessError(err error, conn Connection)
	MinRTT() (mtime interface{}) // placeholder hook kept for future RTT-based selection refinements
}

// Deployment abstracts a whole topology: it can select a server and it
// knows the deployment's overall shape.
type Deployment interface {
	SelectServer(ctx context.Context, selector description.ServerSelector) (Server, error)
	Kind() description.TopologyKind
}

// SingleConnectionDeployment adapts a single already-established connection
// (used for heartbeats and the handshake itself, where there is no pool or
// topology yet) into a Deployment/Server pair.
type SingleConnectionDeployment struct {
	Connection Connection
}

// SelectServer implements Deployment; it always returns the wrapped
// connection regardless of the selector.
func (scd SingleConnectionDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return scd, nil
}

// Kind implements Deployment.
func (SingleConnectionDeployment) Kind() description.TopologyKind { return description.Single }

// Connection implements Server.
func (scd SingleConnectionDeployment) Connection(context.Context) (Connection, error) {
	return scd.Connection, nil
}

// ProcessError implements Server as a no-op: single-connection deployments
// have no topology to feed errors back into.
func (SingleConnectionDeployment) ProcessError(error, Connection) {}

// MinRTT implements Server as a no-op.
func (SingleConnectionDeployment) MinRTT() interface{} { return nil }

// SingleServerDeployment adapts a single already-selected Server into a
// Deployment, ignoring its selector entirely. getMore and killCursors use
// this to pin every subsequent command to the exact server a cursor was
// opened on rather than re-running Deployment.SelectServer, which could
// otherwise land on a different member under a Secondary/Nearest read
// preference or a sharded topology.
type SingleServerDeployment struct {
	Server Server
}

// SelectServer implements Deployment; it always returns the pinned server
// regardless of the selector.
func (ssd SingleServerDeployment) SelectServer(context.Context, description.ServerSelector) (Server, error) {
	return ssd.Server, nil
}

// Kind implements Deployment.
func (SingleServerDeployment) Kind() description.TopologyKind { return description.Single }

// HandshakeInformation is the subset of a hello/isMaster reply the
// handshaker reports back to the connection so it can finish establishment
// (negotiate a compressor, check load-balanced mode, etc).
type HandshakeInformation struct {
	Description description.Server
	SpeculativeAuthenticate bsoncore.Document
	ServerConnectionID *int64
}

// Handshaker performs the initial hello/isMaster exchange (and, if
// configured, speculative authentication) over a not-yet-pooled connection.
type Handshaker interface {
	GetHandshakeInformation(ctx context.Context, addr address.Address, conn mnet.Connection) (HandshakeInformation, error)
	FinishHandshake(ctx context.Context, conn mnet.Connection) error
}

// ServerAPIOptions configures the `apiVersion`/`apiStrict`/
// `apiDeprecationErrors` fields the executor stamps on every command when
// configured ("serverApi if configured").
type ServerAPIOptions struct {
	ServerAPIVersion string
	Strict *bool
	DeprecationErrors *bool
}

// ErrorProcessor is implemented by anything that wants SDAM error feedback
// routed to it (topology.Server implements this).
type ErrorProcessor interface {
	ProcessError(err error, conn Connection)
}
