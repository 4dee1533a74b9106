// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package session

import (
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsoncore"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ServerSession is the server-side half of a logical session: its lsid and
// the bookkeeping needed to know when it is safe to reuse from the pool
// ("ClientSession").
type ServerSession struct {
	ID bsoncore.Document
	LastUsed time.Time
	TxnNumber int64
	Dirty bool
}

func newServerSession() *ServerSession {
	// Session document shape : {id: {id: Binary(UUID, subtype=4)}}.
	uuid := newUUID()
	doc, _ := bson.Marshal(bson.D{{Key: "id", Value: primitive.Binary{Subtype: 0x04, Data: uuid[:]}}})
	return &ServerSession{ID: bsoncore.Document(doc), LastUsed: time.Now()}
}

// LastUseExpired reports whether this session is "about to expire" per
// the driver: lastUsed + (timeout - 1 minute) < now.
func (ss *ServerSession) LastUseExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	cutoff := timeout - time.Minute
	if cutoff < 0 {
		cutoff = 0
	}
	return ss.LastUsed.Add(cutoff).Before(time.Now())
}

func (ss *ServerSession) markUsed() { ss.LastUsed = time.Now() }

// Pool is the server-session pool : "created from
// a pooled server session (or a fresh one if the pool is empty of
// non-about-to-expire sessions); returned to the pool on drop."
type Pool struct {
	mu sync.Mutex
	timeout time.Duration // logical session timeout
	sessions []*ServerSession
}

// NewPool creates a session pool with the given logical session timeout.
func NewPool(timeout time.Duration) *Pool {
	return &Pool{timeout: timeout}
}

// SetTimeout updates the logical session timeout, e.g. after SDAM
// recalculates LogicalSessionTimeout across data-bearing members.
func (p *Pool) SetTimeout(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = timeout
}

// GetSession pops the most-recently-used non-expiring session from the
// pool, or creates a fresh one (LIFO reuse keeps the rest of the pool
// "colder" so it naturally drains toward expiry, same ordering as the
// teacher).
func (p *Pool) GetSession() *ServerSession {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.sessions) > 0 {
		last := len(p.sessions) - 1
		ss := p.sessions[last]
		p.sessions = p.sessions[:last]
		if !ss.LastUseExpired(p.timeout) {
			return ss
		}
		// expired; drop it and keep looking
	}
	return newServerSession()
}

// ReturnSession returns a session to the pool unless it is dirty (network
// error observed) or about to expire, "Network errors mark
// the session dirty (session will be discarded, not pooled)."
func (p *Pool) ReturnSession(ss *ServerSession) {
	if ss == nil || ss.Dirty {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ss.LastUseExpired(p.timeout) {
		return
	}
	p.sessions = append(p.sessions, ss)
}

// IDSlice returns the lsids of every session currently idle in the pool,
// used to build an `endSessions` command on Client shutdown.
func (p *Pool) IDSlice() []bsoncore.Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]bsoncore.Document, len(p.sessions))
	for i, ss := range p.sessions {
		ids[i] = ss.ID
	}
	return ids
}
