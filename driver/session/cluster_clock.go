// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package session implements the Session & Transaction State Machine of
// the driver: logical sessions, causal consistency, transaction
// lifecycle with pinning and recovery tokens, retryable commit/abort.
package session

import (
	"sync"

	"go.mongodb.org/mongo-driver/bson/bsoncore"
)

// ClusterClock tracks the highest $clusterTime observed, gossiped across
// every command ("ClusterTime gossip"). It is shared by the
// Topology and by every ClientSession.
type ClusterClock struct {
	mu sync.Mutex
	clusterTime bsoncore.Document
}

// GetClusterTime returns the current cluster time document, or nil if none
// has been observed yet.
func (cc *ClusterClock) GetClusterTime() bsoncore.Document {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return cc.clusterTime
}

// AdvanceClusterTime advances the clock to max(current, clusterTime),
// comparing by the `clusterTime.timestamp` field. Advances
// are monotonic: a lower or equal time is silently ignored.
func (cc *ClusterClock) AdvanceClusterTime(clusterTime bsoncore.Document) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.clusterTime = maxClusterTime(cc.clusterTime, clusterTime)
}

// maxClusterTime returns whichever of the two cluster time documents has
// the higher `clusterTime` BSON timestamp field.
func maxClusterTime(current, incoming bsoncore.Document) bsoncore.Document {
	if len(current) == 0 {
		return incoming
	}
	if len(incoming) == 0 {
		return current
	}

	curT, curI := clusterTimestamp(current)
	newT, newI := clusterTimestamp(incoming)

	if newT > curT || (newT == curT && newI > curI) {
		return incoming
	}
	return current
}

func clusterTimestamp(doc bsoncore.Document) (t, i uint32) {
	val, err := doc.LookupErr("clusterTime")
	if err != nil {
		return 0, 0
	}
	t, i, ok := val.TimestampOK()
	if !ok {
		return 0, 0
	}
	return t, i
}

// AppendClusterTime appends the `$clusterTime` field to dst from the
// maximum of clock's and session's observed cluster times, as described by
// the driver "$clusterTime".
func AppendClusterTime(dst bsoncore.Document, clock *ClusterClock, sess *ClientSession) bsoncore.Document {
	var ct bsoncore.Document
	if clock != nil {
		ct = clock.GetClusterTime()
	}
	if sess != nil {
		ct = maxClusterTime(ct, sess.clusterTime)
	}
	if len(ct) == 0 {
		return dst
	}
	return bsoncore.AppendDocumentElement(dst, "$clusterTime", ct)
}
