// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package description holds structs that describe the state of a database
// deployment as observed by the SDAM monitor, and structs that can be used
// to select a server from that state given a set of criteria.
package description

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/coredb-io/godriver/address"
)

// ServerKind represents the type of a single server as last reported by a
// hello/isMaster reply.
type ServerKind uint32

// ServerKind constants.
const (
	Unknown ServerKind = iota
	Standalone
	RSMember
	RSGhost
	RSPrimary
	RSSecondary
	RSArbiter
	RSOther
	Mongos
	LoadBalancer
)

// String implements the fmt.Stringer interface.
func (kind ServerKind) String() string {
	switch kind {
	case Standalone:
		return "Standalone"
	case RSPrimary:
		return "RSPrimary"
	case RSSecondary:
		return "RSSecondary"
	case RSArbiter:
		return "RSArbiter"
	case RSOther:
		return "RSOther"
	case RSGhost:
		return "RSGhost"
	case Mongos:
		return "Mongos"
	case LoadBalancer:
		return "LoadBalancer"
	}
	return "Unknown"
}

// DataBearing reports whether servers of this kind can serve reads and
// writes. Invariant from the driver
func (kind ServerKind) DataBearing() bool {
	switch kind {
	case Standalone, Mongos, RSPrimary, RSSecondary, LoadBalancer:
		return true
	default:
		return false
	}
}

// TopologyKind represents the topology type of a deployment.
type TopologyKind uint32

// TopologyKind constants.
const (
	TopologyUnknown TopologyKind = iota
	Single
	ReplicaSetNoPrimary
	ReplicaSetWithPrimary
	Sharded
	LoadBalanced
)

// String implements the fmt.Stringer interface.
func (kind TopologyKind) String() string {
	switch kind {
	case Single:
		return "Single"
	case ReplicaSetNoPrimary:
		return "ReplicaSetNoPrimary"
	case ReplicaSetWithPrimary:
		return "ReplicaSetWithPrimary"
	case Sharded:
		return "Sharded"
	case LoadBalanced:
		return "LoadBalanced"
	}
	return "Unknown"
}

// VersionRange represents a range of wire versions understood by a server.
type VersionRange struct {
	Min int32
	Max int32
}

// NewVersionRange creates a new VersionRange given a min and max.
func NewVersionRange(min, max int32) VersionRange {
	return VersionRange{Min: min, Max: max}
}

// Includes reports whether the supplied version is within the range.
func (vr VersionRange) Includes(version int32) bool {
	return version >= vr.Min && version <= vr.Max
}

// TopologyVersion mirrors the server's topologyVersion field: a process id
// plus a monotonically increasing counter, used to detect stale SDAM
// feedback (the driver, "a monotonically advancing TopologyVersion").
type TopologyVersion struct {
	ProcessID primitive.ObjectID
	Counter int64
}

// CompareTopologyVersion compares two topology versions. It returns:
// - a negative number if `v1` is less than `v2`
// - 0 if they are equal, unset, or have different process IDs (incomparable)
// - a positive number if `v1` is greater than `v2`
func CompareTopologyVersion(v1, v2 *TopologyVersion) int {
	if v1 == nil || v2 == nil {
		return 0
	}
	if v1.ProcessID != v2.ProcessID {
		return 0
	}
	switch {
	case v1.Counter < v2.Counter:
		return -1
	case v1.Counter > v2.Counter:
		return 1
	default:
		return 0
	}
}

// Tag is a key/value pair used to tag replica set members for tagged read
// preferences.
type Tag struct {
	Name string
	Value string
}

// TagSet is a group of tags.
type TagSet []Tag

// ContainsAll reports whether ts contains every tag in other.
func (ts TagSet) ContainsAll(other TagSet) bool {
	for _, ot := range other {
		found := false
		for _, t := range ts {
			if t.Name == ot.Name && t.Value == ot.Value {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Server represents the state of a single server as observed via the last
// successful (or failed) hello/isMaster reply. This is the ServerDescription
//
type Server struct {
	Addr address.Address

	Kind ServerKind
	WireVersion *VersionRange
	AverageRTT time.Duration
	AverageRTTSet bool
	SetName string
	SetVersion uint32
	ElectionID primitive.ObjectID
	Tags TagSet
	LastWriteTime time.Time
	LastUpdateTime time.Time
	LastError error
	TopologyVersion *TopologyVersion
	SessionTimeoutMins *int64

	Compression []string
	MaxMessageSize uint32
	MaxWriteBatchSize uint32
	MaxDocumentSize uint32

	ServiceID *primitive.ObjectID // set for servers behind a load balancer

	Primary address.Address
	Hosts []string
	Passives []string
	Arbiters []string

	HeartbeatInterval time.Duration
}

// DataBearing reports whether the server can serve reads/writes.
func (s Server) DataBearing() bool {
	return s.Kind.DataBearing()
}

// SetAverageRTT returns a copy of s with the average RTT set.
func (s Server) SetAverageRTT(rtt time.Duration) Server {
	s.AverageRTT = rtt
	s.AverageRTTSet = true
	return s
}

// NewDefaultServer creates an unknown, zero-value Server description for the
// given address. Used as the initial description before the first
// heartbeat completes.
func NewDefaultServer(addr address.Address) Server {
	return Server{Addr: addr, Kind: Unknown, LastUpdateTime: time.Now()}
}

// NewServerFromError creates an Unknown server description carrying the
// supplied error, optionally preserving a topologyVersion observed alongside
// the error (used so a later, fresher hello doesn't get clobbered by a
// stale error-derived description).
func NewServerFromError(addr address.Address, err error, tv *TopologyVersion) Server {
	return Server{
		Addr: addr,
		Kind: Unknown,
		LastError: err,
		LastUpdateTime: time.Now(),
		TopologyVersion: tv,
	}
}

// String implements fmt.Stringer.
func (s Server) String() string {
	str := fmt.Sprintf("Addr: %s, Type: %s", s.Addr, s.Kind)
	if s.LastError != nil {
		str += fmt.Sprintf(", Last error: %s", s.LastError)
	}
	return str
}

// Topology is an immutable snapshot of the deployment's topology as
// maintained by the Topology updater actor. A new Topology
// value is produced on every state change; readers never observe a
// partially updated snapshot.
type Topology struct {
	Kind TopologyKind
	Servers []Server
	SetName string
	SessionTimeoutMinutes *int64
	CompatibilityErr error
}

// Server looks up the description for the given address, if present.
func (t Topology) Server(addr address.Address) (Server, bool) {
	for _, s := range t.Servers {
		if s.Addr == addr {
			return s, true
		}
	}
	return Server{}, false
}

// SelectedServer wraps a Server with the TopologyKind it was selected from,
// since some read-preference rules depend on deployment shape (e.g. a
// Secondary preference is a no-op against Sharded/Single topologies).
type SelectedServer struct {
	Server
	Kind TopologyKind
}
