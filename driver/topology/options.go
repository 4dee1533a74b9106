// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package topology implements the connection pool, per-server monitor, and
// topology updater : the layer between the wire codec
// and the operation executor.
package topology

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/coredb-io/godriver/driver"
)

// ConnectionOption configures a single connection (the driver dial and
// handshake behavior).
type ConnectionOption func(*connectionConfig)

type connectionConfig struct {
	connectTimeout time.Duration
	idleTimeout time.Duration
	dialer contextDialer
	tlsConfig *tls.Config
	handshaker driver.Handshaker
	compressors []string
	zlibLevel *int
	zstdLevel *int
	loadBalanced bool
	getGenerationFn func(serviceID *primitive.ObjectID) uint64
}

// contextDialer is the narrow net.Dialer surface used, kept as an interface
// so tests can substitute an in-memory pipe.
type contextDialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

func newConnectionConfig(opts ...ConnectionOption) *connectionConfig {
	cfg := &connectionConfig{
		connectTimeout: 30 * time.Second,
		idleTimeout: 10 * time.Minute,
		dialer: &net.Dialer{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// WithGenerationFunc supplies the pool's generation-lookup callback so a
// newly dialed connection can record the generation it was created under
// (per-serviceId generation maps for load-balanced
// deployments, or the single pool-wide counter otherwise).
func WithGenerationFunc(fn func(serviceID *primitive.ObjectID) uint64) ConnectionOption {
	return func(c *connectionConfig) { c.getGenerationFn = fn }
}

// WithConnectTimeout sets the dial timeout.
func WithConnectTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.connectTimeout = d }
}

// WithIdleTimeout sets how long an unused pooled connection may sit before
// the pool considers it expired.
func WithIdleTimeout(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.idleTimeout = d }
}

// WithTLSConfig attaches a *tls.Config; see tls.go for how one is built
// from PEM material (including encrypted PKCS#8 keys) and OCSP stapling.
func WithTLSConfig(cfg *tls.Config) ConnectionOption {
	return func(c *connectionConfig) { c.tlsConfig = cfg }
}

// WithHandshaker attaches the hello/auth handshaker run once per connection.
func WithHandshaker(h driver.Handshaker) ConnectionOption {
	return func(c *connectionConfig) { c.handshaker = h }
}

// WithCompressors sets the client's compressor preference order.
func WithCompressors(names ...string) ConnectionOption {
	return func(c *connectionConfig) { c.compressors = names }
}

// WithLoadBalanced marks the connection as belonging to a load-balanced
// deployment, deferring generation assignment until the serviceId is known
// ("load-balanced generation maps").
func WithLoadBalanced(lb bool) ConnectionOption {
	return func(c *connectionConfig) { c.loadBalanced = lb }
}
