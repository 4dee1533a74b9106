// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package event contains the types and monitor hooks fired by the executor,
// pool, and topology as they operate. Consuming them (metrics export,
// tracing) is a Non-goal of the core; this package only defines the shapes
// so the core has somewhere to publish to.
package event

import "time"

// CommandStartedEvent is published before a command is sent on the wire.
type CommandStartedEvent struct {
	Command []byte // BSON document; empty if the command name is redacted
	DatabaseName string
	CommandName string
	RequestID int32
	ConnectionID string
	ServerConnectionID *int64
}

// CommandSucceededEvent is published after a successful reply is parsed.
type CommandSucceededEvent struct {
	Duration time.Duration
	Reply []byte // empty if the command name is redacted
	CommandName string
	RequestID int32
	ConnectionID string
}

// CommandFailedEvent is published when a command fails, either via a
// transport error or a server-reported error.
type CommandFailedEvent struct {
	Duration time.Duration
	CommandName string
	Failure error
	RequestID int32
	ConnectionID string
}

// CommandMonitor groups the three command event callbacks. Any may be nil.
type CommandMonitor struct {
	Started func(CommandStartedEvent)
	Succeeded func(CommandSucceededEvent)
	Failed func(CommandFailedEvent)
}

// PoolEvent is published by a connection pool for checkout/checkin/clear/
// create/close transitions.
type PoolEvent struct {
	Type string
	Address string
	ConnectionID uint64
	Reason string
	ServiceID *string
	Interruption bool // true if this clear event also interrupted in-use connections
}

// Pool event type constants.
const (
	PoolCreated = "PoolCreated"
	PoolReady = "PoolReady"
	PoolCleared = "PoolCleared"
	PoolClosedEvent = "PoolClosedEvent"
	ConnectionCreated = "ConnectionCreated"
	ConnectionReady = "ConnectionReady"
	ConnectionClosed = "ConnectionClosed"
	ConnectionCheckOutStarted = "ConnectionCheckOutStarted"
	ConnectionCheckedOut = "ConnectionCheckedOut"
	ConnectionCheckOutFailed = "ConnectionCheckOutFailed"
	ConnectionCheckedIn = "ConnectionCheckedIn"
)

// PoolMonitor receives PoolEvents.
type PoolMonitor struct {
	Event func(*PoolEvent)
}

// ServerDescriptionChangedEvent is published by a topology.Server whenever
// its own description changes (after a heartbeat or an error it processes).
type ServerDescriptionChangedEvent struct {
	Address string
	TopologyID string
	PreviousDescription interface{}
	NewDescription interface{}
}

// TopologyDescriptionChangedEvent is published whenever the aggregate
// topology description changes (new/removed server, type change).
type TopologyDescriptionChangedEvent struct {
	TopologyID string
	PreviousDescription interface{}
	NewDescription interface{}
}

// ServerMonitor receives SDAM events.
type ServerMonitor struct {
	ServerDescriptionChanged func(*ServerDescriptionChangedEvent)
	TopologyDescriptionChanged func(*TopologyDescriptionChangedEvent)
}
