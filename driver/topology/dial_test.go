// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/coredb-io/godriver/address"
)

// recordingDialer is a fake contextDialer that records every address it was
// asked to dial and returns a canned (conn, err) pair per call.
type recordingDialer struct {
	dialed []string
	conn net.Conn
	err error
}

func (d *recordingDialer) DialContext(_ context.Context, _ string, addr string) (net.Conn, error) {
	d.dialed = append(d.dialed, addr)
	return d.conn, d.err
}

// TestDialHappyEyeballsLiteralIPSkipsResolution covers the "already a
// literal address: nothing to race" fast path — a single direct dial, no
// DNS lookup.
func TestDialHappyEyeballsLiteralIPSkipsResolution(t *testing.T) {
	dialer := &recordingDialer{conn: &net.TCPConn{}}
	_, err := dialHappyEyeballs(context.Background(), dialer, address.Address("127.0.0.1:27017"))
	if err != nil {
		t.Fatalf("dialHappyEyeballs: %v", err)
	}
	if len(dialer.dialed) != 1 || dialer.dialed[0] != "127.0.0.1:27017" {
		t.Fatalf("expected exactly one direct dial to 127.0.0.1:27017, got %v", dialer.dialed)
	}
}

// TestDialHappyEyeballsPropagatesDialError covers the "on complete failure
// return the error" contract for the literal-address fast path, where there
// is exactly one candidate and therefore exactly one error to propagate.
func TestDialHappyEyeballsPropagatesDialError(t *testing.T) {
	wantErr := errors.New("connection refused")
	dialer := &recordingDialer{err: wantErr}
	_, err := dialHappyEyeballs(context.Background(), dialer, address.Address("127.0.0.1:27017"))
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected %v, got %v", wantErr, err)
	}
}

// TestDialHappyEyeballsUnixSocket covers the unix-domain fast path: a single
// dial with network "unix", no IP resolution at all.
func TestDialHappyEyeballsUnixSocket(t *testing.T) {
	dialer := &recordingDialer{conn: &net.UnixConn{}}
	_, err := dialHappyEyeballs(context.Background(), dialer, address.Address("/tmp/mongodb.sock"))
	if err != nil {
		t.Fatalf("dialHappyEyeballs: %v", err)
	}
	if len(dialer.dialed) != 1 || dialer.dialed[0] != "/tmp/mongodb.sock" {
		t.Fatalf("expected exactly one direct dial to the socket path, got %v", dialer.dialed)
	}
}
