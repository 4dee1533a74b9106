// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package operation

import (
	"context"
	"errors"
	"testing"

	"go.mongodb.org/mongo-driver/bson/bsoncore"

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/driver/session"
	"github.com/coredb-io/godriver/wiremessage"
)

// fakeConn is the shared base of every connection fake below: it records
// writes and serves its description, leaving each test's embedding type to
// supply its own Read so the scripted reply can be stamped with whatever
// requestId the preceding Write carried.
type fakeConn struct {
	desc   description.Server
	writes [][]byte
}

func (c *fakeConn) Write(ctx context.Context, wm []byte) error {
	c.writes = append(c.writes, wm)
	return nil
}

func (c *fakeConn) Close() error                  { return nil }
func (c *fakeConn) Description() description.Server { return c.desc }
func (c *fakeConn) ID() string                    { return "fake" }
func (c *fakeConn) Address() address.Address      { return c.desc.Addr }
func (c *fakeConn) Stale() bool                    { return false }
func (c *fakeConn) CompressWireMessage(src, dst []byte) ([]byte, error) {
	return append(dst, src...), nil
}

// fakeServer hands out a fixed sequence of connections and records every
// ProcessError call, mimicking the teacher's topology.Server role without
// a real pool.
type fakeServer struct {
	conns []driver.Connection
	idx   int
	errs  []error
}

func (s *fakeServer) Connection(ctx context.Context) (driver.Connection, error) {
	i := s.idx
	s.idx++
	return s.conns[i], nil
}
func (s *fakeServer) ProcessError(err error, conn driver.Connection) { s.errs = append(s.errs, err) }
func (s *fakeServer) MinRTT() interface{}                            { return nil }

type fakeDeployment struct{ server driver.Server }

func (d fakeDeployment) SelectServer(ctx context.Context, selector description.ServerSelector) (driver.Server, error) {
	return d.server, nil
}
func (d fakeDeployment) Kind() description.TopologyKind { return description.Single }

func okReply(reqID int32) []byte {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "ok", 1)
	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return replyTo(reqID, doc)
}

// replyTo frames doc as an OP_MSG reply whose responseTo is reqID.
func replyTo(reqID int32, doc bsoncore.Document) []byte {
	idx, dst := wiremessage.AppendHeaderStart(nil, wiremessage.NextRequestID(), reqID, wiremessage.OpMsg)
	dst = wiremessage.AppendMsgFlags(dst, 0)
	dst = wiremessage.AppendMsgSectionType(dst, wiremessage.SectionKindBody)
	dst = append(dst, doc...)
	return wiremessage.UpdateLength(dst, idx, int32(len(dst)))
}

func errReply(reqID int32, code int32, labels ...string) []byte {
	idx, dst := bsoncore.AppendDocumentStart(nil)
	dst = bsoncore.AppendInt32Element(dst, "ok", 0)
	dst = bsoncore.AppendInt32Element(dst, "code", code)
	dst = bsoncore.AppendStringElement(dst, "errmsg", "boom")
	if len(labels) > 0 {
		lidx, ldst := bsoncore.AppendArrayElementStart(dst, "errorLabels")
		for i, l := range labels {
			ldst = bsoncore.AppendStringElement(ldst, itoa(i), l)
		}
		dst, _ = bsoncore.AppendArrayEnd(ldst, lidx)
	}
	doc, _ := bsoncore.AppendDocumentEnd(dst, idx)
	return replyTo(reqID, doc)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	digits := "0123456789"
	var b []byte
	for i > 0 {
		b = append([]byte{digits[i%10]}, b...)
		i /= 10
	}
	return string(b)
}

// lastRequestID pulls the requestId the connection's last Write call
// carried, so the scripted reply can be stamped with a matching responseTo.
func lastRequestID(c *fakeConn) int32 {
	_, reqID, _, _, _, _ := wiremessage.ReadHeader(c.writes[len(c.writes)-1])
	return reqID
}

func basicOp(deployment driver.Deployment) *Operation {
	return &Operation{
		CommandFn: func(dst []byte, desc description.SelectedServer) ([]byte, error) {
			idx, d := bsoncore.AppendDocumentStart(dst)
			d = bsoncore.AppendInt32Element(d, "ping", 1)
			doc, _ := bsoncore.AppendDocumentEnd(d, idx)
			return doc, nil
		},
		Database:           "test",
		Deployment:          deployment,
		RetryMode:           RetryWrites,
		OmitReadPreference:  true,
	}
}

func TestExecuteSingleAttemptSuccess(t *testing.T) {
	// synthConn always succeeds, so a single round trip should satisfy
	// Execute without consuming its retry budget.
	synth := &synthConn{fakeConn: fakeConn{desc: description.Server{Kind: description.Standalone}}}
	srv := &fakeServer{conns: []driver.Connection{synth}}
	op := basicOp(fakeDeployment{server: srv})

	reply, err := op.Execute(context.Background())
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if ok, _ := bsoncore.Document(reply).Lookup("ok").Int32OK(); ok != 1 {
		t.Fatalf("expected ok:1 reply, got %v", reply)
	}
	if len(synth.writes) != 1 {
		t.Fatalf("expected exactly one write for a successful first attempt, got %d", len(synth.writes))
	}
}

// synthConn always succeeds, replying ok:1 with a responseTo matching
// whatever requestId the most recent Write carried.
type synthConn struct{ fakeConn }

func (c *synthConn) Read(ctx context.Context) ([]byte, error) {
	return okReply(lastRequestID(&c.fakeConn)), nil
}

func TestExecuteRetriesOnceOnRetryableWriteError(t *testing.T) {
	first := &scriptedConn{fakeConn: fakeConn{desc: description.Server{Kind: description.Standalone}}, failFirst: true}
	srv := &fakeServer{conns: []driver.Connection{first, first}}
	op := basicOp(fakeDeployment{server: srv})

	reply, err := op.Execute(context.Background())
	if err != nil {
		t.Fatalf("expected success on retry, got error: %v", err)
	}
	if ok, _ := bsoncore.Document(reply).Lookup("ok").Int32OK(); ok != 1 {
		t.Fatalf("expected ok:1 reply after retry, got %v", reply)
	}
	if first.calls != 2 {
		t.Fatalf("expected exactly two attempts, got %d", first.calls)
	}
}

// scriptedConn fails its first round trip with a retryable network-shaped
// error (io-classified), then succeeds.
type scriptedConn struct {
	fakeConn
	failFirst bool
	calls     int
}

func (c *scriptedConn) Read(ctx context.Context) ([]byte, error) {
	c.calls++
	if c.calls == 1 && c.failFirst {
		return nil, errNetworkTimeout{}
	}
	return okReply(lastRequestID(&c.fakeConn)), nil
}

type errNetworkTimeout struct{}

func (errNetworkTimeout) Error() string   { return "i/o timeout" }
func (errNetworkTimeout) Timeout() bool   { return true }
func (errNetworkTimeout) Temporary() bool { return true }

func TestExecuteSurfacesFirstErrorWhenRetryHasNoWritesPerformed(t *testing.T) {
	conn := &twoCommandErrConn{fakeConn: fakeConn{desc: description.Server{Kind: description.Standalone}}}
	srv := &fakeServer{conns: []driver.Connection{conn, conn}}
	op := basicOp(fakeDeployment{server: srv})

	_, err := op.Execute(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	var de driver.Error
	if !errors.As(err, &de) {
		t.Fatalf("expected a driver.Error, got %T: %v", err, err)
	}
	// The retry's own error (code 91, NoWritesPerformed) must be discarded
	// in favor of the first attempt's error (code 11600).
	if de.Code != 11600 {
		t.Fatalf("expected first attempt's code 11600 to surface, got %d", de.Code)
	}
}

func TestExecuteRejectsExplicitSessionWhenUnsupported(t *testing.T) {
	// desc.Server.SessionTimeoutMins is nil, so sessionsSupported is false;
	// an explicit (non-implicit) session must be rejected rather than
	// silently dropped.
	conn := &synthConn{fakeConn: fakeConn{desc: description.Server{Kind: description.Standalone}}}
	srv := &fakeServer{conns: []driver.Connection{conn}}
	op := basicOp(fakeDeployment{server: srv})
	op.Client = session.NewClientSession(session.NewPool(0), "", false, false, false)

	_, err := op.Execute(context.Background())
	if !errors.Is(err, driver.ErrSessionsNotSupported) {
		t.Fatalf("expected ErrSessionsNotSupported, got %v", err)
	}
	if len(conn.writes) != 0 {
		t.Fatalf("expected no command to be sent, got %d writes", len(conn.writes))
	}
	if len(srv.errs) != 1 || !errors.Is(srv.errs[0], driver.ErrSessionsNotSupported) {
		t.Fatalf("expected ProcessError to be called once with ErrSessionsNotSupported, got %v", srv.errs)
	}
}

func TestExecuteReauthenticatesWithoutConsumingRetryBudget(t *testing.T) {
	conn := &reauthConn{fakeConn: fakeConn{desc: description.Server{Kind: description.Standalone}}}
	srv := &fakeServer{conns: []driver.Connection{conn}}
	op := basicOp(fakeDeployment{server: srv})
	reauthCalls := 0
	op.Reauthenticate = func(ctx context.Context, c driver.Connection) error {
		reauthCalls++
		return nil
	}

	reply, err := op.Execute(context.Background())
	if err != nil {
		t.Fatalf("expected success after reauthentication, got error: %v", err)
	}
	if ok, _ := bsoncore.Document(reply).Lookup("ok").Int32OK(); ok != 1 {
		t.Fatalf("expected ok:1 reply, got %v", reply)
	}
	if reauthCalls != 1 {
		t.Fatalf("expected exactly one Reauthenticate call, got %d", reauthCalls)
	}
	// Only one connection/server pair was ever handed out: the
	// reauthentication loop must not have consumed Execute's own
	// SelectServer/Connection retry slot.
	if srv.idx != 1 {
		t.Fatalf("expected a single Server.Connection call, got %d", srv.idx)
	}
}

// reauthConn fails its first round trip with a ReauthenticationRequired
// command error (code 391), then succeeds once reauthenticated.
type reauthConn struct {
	fakeConn
	calls int
}

func (c *reauthConn) Read(ctx context.Context) ([]byte, error) {
	c.calls++
	reqID := lastRequestID(&c.fakeConn)
	if c.calls == 1 {
		return errReply(reqID, 391), nil
	}
	return okReply(reqID), nil
}

// twoCommandErrConn returns a retryable command error on the first attempt
// (classified as a write-retryable state-change code) and a
// NoWritesPerformed-labeled command error on the second.
type twoCommandErrConn struct {
	fakeConn
	calls int
}

func (c *twoCommandErrConn) Read(ctx context.Context) ([]byte, error) {
	c.calls++
	reqID := lastRequestID(&c.fakeConn)
	if c.calls == 1 {
		return errReply(reqID, 11600), nil
	}
	return errReply(reqID, 91, driver.NoWritesPerformed), nil
}
