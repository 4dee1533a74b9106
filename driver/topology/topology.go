// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/csot"
	"github.com/coredb-io/godriver/internal/logger"
)

// ErrServerSelectionTimeout is returned by SelectServer when no server
// matches the selector before ctx expires ("server selection
// timeout").
var ErrServerSelectionTimeout = errors.New("server selection timed out")

// serverSelectionPoll is how often the selection loop re-evaluates the
// topology snapshot while waiting for a matching server to appear.
const serverSelectionPoll = 20 * time.Millisecond

// Config configures a Topology (the set of seed addresses and per-server
// options the updater actor dials with).
type Config struct {
	SeedList []address.Address
	ReplicaSet string
	Mode description.TopologyKind
	ServerOpts func(addr address.Address) ServerConfig
	TopologyID string
	ServerMonitor *event.ServerMonitor
	// ServerSelectionTimeout bounds how long SelectServer waits, taking the
	// minimum of this and the caller's own context deadline. Zero means the
	// caller's context is the only bound.
	ServerSelectionTimeout time.Duration
	Logger *logger.Logger
}

// Topology is the updater actor : it owns one topology.Server
// per known host, aggregates their descriptions into a single immutable
// description.Topology snapshot on every change, and serves SelectServer
// requests against that snapshot.
type Topology struct {
	cfg Config

	mu sync.RWMutex
	servers map[address.Address]*Server
	desc description.Topology

	subscribersMu sync.Mutex
	subscribers map[int]chan description.Topology
	nextSubID int

	closed chan struct{}
}

// New constructs a Topology and starts monitoring every seed address. The
// caller should call Close when the deployment is no longer needed.
func New(cfg Config) *Topology {
	t := &Topology{
		cfg: cfg,
		servers: make(map[address.Address]*Server),
		subscribers: make(map[int]chan description.Topology),
		closed: make(chan struct{}),
	}
	kind := cfg.Mode
	if kind == description.TopologyUnknown && len(cfg.SeedList) == 1 && cfg.ReplicaSet == "" {
		kind = description.Single
	}
	t.desc = description.Topology{Kind: kind}

	for _, addr := range cfg.SeedList {
		t.addServer(addr)
	}
	return t
}

func (t *Topology) addServer(addr address.Address) *Server {
	t.mu.Lock()
	defer t.mu.Unlock()
	if srv, ok := t.servers[addr]; ok {
		return srv
	}
	scfg := t.cfg.ServerOpts(addr)
	scfg.Address = addr
	scfg.ServerMonitor = t.cfg.ServerMonitor
	scfg.TopologyID = t.cfg.TopologyID
	scfg.Logger = t.cfg.Logger
	srv := NewServer(scfg)
	t.servers[addr] = srv
	go t.watchServer(addr, srv)
	return srv
}

// watchServer polls a single server's description for changes and folds it
// into the aggregate topology snapshot. A dedicated goroutine per server
// (rather than a shared fan-in channel) keeps one publish-on-change path
// per monitor.
func (t *Topology) watchServer(addr address.Address, srv *Server) {
	var last description.Server
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
			cur := srv.Description()
			if cur.Kind != last.Kind || cur.SetName != last.SetName || len(cur.Hosts) != len(last.Hosts) {
				last = cur
				t.updateFromServer(addr, cur)
			}
		}
	}
}

// updateFromServer recomputes the aggregate description.Topology snapshot
// after one server's description changes, discovering any replica-set
// hosts the server reported that aren't yet monitored (the driver
// "topology discovery").
func (t *Topology) updateFromServer(addr address.Address, sdesc description.Server) {
	t.mu.Lock()
	prev := t.desc

	found := false
	servers := make([]description.Server, 0, len(t.servers))
	for a, srv := range t.servers {
		if a == addr {
			servers = append(servers, sdesc)
			found = true
		} else {
			servers = append(servers, srv.Description())
		}
	}
	if !found {
		servers = append(servers, sdesc)
	}

	next := description.Topology{
		Kind: t.desc.Kind,
		Servers: servers,
		SetName: t.desc.SetName,
	}
	if sdesc.SetName != "" {
		next.SetName = sdesc.SetName
	}
	if next.Kind == description.TopologyUnknown && sdesc.Kind != description.Unknown {
		next.Kind = inferTopologyKind(sdesc)
	}
	t.desc = next
	newHosts := t.newHostsLocked(sdesc)
	t.mu.Unlock()

	for _, h := range newHosts {
		t.addServer(h)
	}

	if t.cfg.ServerMonitor != nil && t.cfg.ServerMonitor.TopologyDescriptionChanged != nil {
		t.cfg.ServerMonitor.TopologyDescriptionChanged(&event.TopologyDescriptionChangedEvent{
				TopologyID: t.cfg.TopologyID,
				PreviousDescription: prev,
				NewDescription: next,
			})
	}
	t.publish(next)
}

func inferTopologyKind(sdesc description.Server) description.TopologyKind {
	switch sdesc.Kind {
	case description.Mongos:
		return description.Sharded
	case description.RSPrimary, description.RSSecondary, description.RSArbiter, description.RSGhost, description.RSOther:
		return description.ReplicaSetNoPrimary
	case description.LoadBalancer:
		return description.LoadBalanced
	default:
		return description.TopologyUnknown
	}
}

func (t *Topology) newHostsLocked(sdesc description.Server) []address.Address {
	var out []address.Address
	for _, h := range sdesc.Hosts {
		a := address.Address(h)
		if _, ok := t.servers[a]; !ok {
			out = append(out, a)
		}
	}
	for _, h := range sdesc.Passives {
		a := address.Address(h)
		if _, ok := t.servers[a]; !ok {
			out = append(out, a)
		}
	}
	return out
}

func (t *Topology) publish(desc description.Topology) {
	t.subscribersMu.Lock()
	defer t.subscribersMu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- desc:
		default:
		}
	}
}

// Description returns the current aggregate topology snapshot.
func (t *Topology) Description() description.Topology {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.desc
}

// Kind implements driver.Deployment.
func (t *Topology) Kind() description.TopologyKind {
	return t.Description().Kind
}

// SelectServer implements driver.Deployment: it polls the topology snapshot
// for servers matching selector until one is found or ctx expires.
func (t *Topology) SelectServer(ctx context.Context, selector description.ServerSelector) (driver.Server, error) {
	ctx, cancel := csot.WithServerSelectionTimeout(ctx, t.cfg.ServerSelectionTimeout)
	defer cancel()

	start := time.Now()
	if t.cfg.Logger != nil {
		t.cfg.Logger.Print(logger.LevelDebug, serverSelectionLogMessage{verb: "started"})
	}

	ticker := time.NewTicker(serverSelectionPoll)
	defer ticker.Stop()

	for {
		desc := t.Description()
		candidates, err := selector.SelectServer(desc, desc.Servers)
		if err != nil {
			t.logSelectionOutcome(start, "", err)
			return nil, fmt.Errorf("selecting server: %w", err)
		}
		if len(candidates) > 0 {
			chosen := candidates[0]
			t.mu.RLock()
			srv, ok := t.servers[chosen.Addr]
			t.mu.RUnlock()
			if ok {
				t.logSelectionOutcome(start, chosen.Addr.String(), nil)
				return srv, nil
			}
		}

		select {
		case <-ctx.Done():
			err := fmt.Errorf("%w: %s", ErrServerSelectionTimeout, ctx.Err())
			t.logSelectionOutcome(start, "", err)
			return nil, err
		case <-t.closed:
			err := errors.New("topology is closed")
			t.logSelectionOutcome(start, "", err)
			return nil, err
		case <-ticker.C:
		}
	}
}

func (t *Topology) logSelectionOutcome(start time.Time, addr string, err error) {
	if t.cfg.Logger == nil {
		return
	}
	t.cfg.Logger.Print(logger.LevelDebug, serverSelectionLogMessage{
		verb: "succeeded", duration: time.Since(start), address: addr, err: err,
	})
}

// serverSelectionLogMessage implements logger.Message for the
// serverSelection component.
type serverSelectionLogMessage struct {
	verb string
	duration time.Duration
	address string
	err error
}

func (m serverSelectionLogMessage) Component() logger.Component {
	return logger.ComponentServerSelection
}
func (m serverSelectionLogMessage) Level() logger.Level { return logger.LevelDebug }
func (m serverSelectionLogMessage) String() string {
	if m.err != nil {
		return "Server selection failed"
	}
	return "Server selection " + m.verb
}
func (m serverSelectionLogMessage) KeysAndValues() []interface{} {
	kv := []interface{}{"durationMS", m.duration.Milliseconds()}
	if m.address != "" {
		kv = append(kv, "serverHost", m.address)
	}
	if m.err != nil {
		kv = append(kv, "failure", m.err.Error())
	}
	return kv
}

// Close stops every server monitor.
func (t *Topology) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	close(t.closed)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, srv := range t.servers {
		_ = srv.Close()
	}
	return nil
}

var _ driver.Deployment = (*Topology)(nil)
