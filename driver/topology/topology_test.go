// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/description"
)

// noCandidatesSelector never matches any server, forcing SelectServer to
// poll until its timeout fires.
var noCandidatesSelector = description.ServerSelectorFunc(
	func(_ description.Topology, _ []description.Server) ([]description.Server, error) {
		return nil, nil
	},
)

// TestSelectServerTimeout covers spec.md S4: an empty topology with a bound
// ServerSelectionTimeout returns ErrServerSelectionTimeout close to that
// bound rather than hanging on the caller's undeadlined context.
func TestSelectServerTimeout(t *testing.T) {
	topo := New(Config{
		ServerSelectionTimeout: 100 * time.Millisecond,
		ServerOpts: func(addr address.Address) ServerConfig { return ServerConfig{} },
	})
	defer topo.Close()

	start := time.Now()
	_, err := topo.SelectServer(context.Background(), noCandidatesSelector)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrServerSelectionTimeout) {
		t.Fatalf("expected ErrServerSelectionTimeout, got %v", err)
	}
	if elapsed < 90*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("expected to time out near 100ms, took %v", elapsed)
	}
}

// TestSelectServerRespectsCallerCancellation ensures a context cancelled
// before the configured ServerSelectionTimeout still unblocks the call
// promptly rather than waiting out the full configured bound.
func TestSelectServerRespectsCallerCancellation(t *testing.T) {
	topo := New(Config{
		ServerSelectionTimeout: 10 * time.Second,
		ServerOpts: func(addr address.Address) ServerConfig { return ServerConfig{} },
	})
	defer topo.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := topo.SelectServer(ctx, noCandidatesSelector)
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("expected an error once the caller's context expired")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("SelectServer did not honor the caller's shorter deadline, took %v", elapsed)
	}
}
