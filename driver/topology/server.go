// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coredb-io/godriver/address"
	"github.com/coredb-io/godriver/description"
	"github.com/coredb-io/godriver/driver"
	"github.com/coredb-io/godriver/event"
	"github.com/coredb-io/godriver/internal/logger"
	"github.com/coredb-io/godriver/mnet"
)

// minHeartbeatFrequency is the floor the driver puts on rapid re-checks
// triggered by ProcessError (a server that just errored is not re-polled
// more often than this).
const minHeartbeatFrequency = 500 * time.Millisecond

// rttAlpha is the EWMA smoothing factor applied to each successful hello
// round trip ("RTT EWMA, alpha = 0.2").
const rttAlpha = 0.2

// ServerConfig configures a single-server monitor.
type ServerConfig struct {
	Address address.Address
	HeartbeatInterval time.Duration
	MinPoolSize uint64
	MaxPoolSize uint64
	MaxConnecting uint64
	ConnectTimeout time.Duration
	ConnOpts []ConnectionOption
	Handshaker driver.Handshaker
	PoolMonitor *event.PoolMonitor
	ServerMonitor *event.ServerMonitor
	TopologyID string
	Logger *logger.Logger
}

// Server owns one pool plus the monitor goroutine that keeps its
// description current via the streaming/long-poll hello protocol.
type Server struct {
	cfg ServerConfig
	address address.Address
	pool *pool

	desc atomic.Value // description.Server

	rttMu sync.Mutex
	averageRTT time.Duration
	rttSet bool

	monitorConn *connection
	done chan struct{}
	checkNowCh chan struct{}
	closeOnce sync.Once

	lastErrMu sync.Mutex
	lastHeartbeatErr error
}

// NewServer constructs and starts a Server's background monitor.
func NewServer(cfg ServerConfig) *Server {
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	s := &Server{
		cfg: cfg,
		address: cfg.Address,
		done: make(chan struct{}),
		checkNowCh: make(chan struct{}, 1),
	}
	s.desc.Store(description.Server{Addr: cfg.Address, Kind: description.Unknown})

	s.pool = newPool(poolConfig{
			Address: cfg.Address,
			MinPoolSize: cfg.MinPoolSize,
			MaxPoolSize: cfg.MaxPoolSize,
			MaxConnecting: cfg.MaxConnecting,
			Monitor: cfg.PoolMonitor,
			Logger: cfg.Logger,
			ConnOpts: cfg.ConnOpts,
		})

	go s.monitor()
	return s
}

// Description returns the server's most recently observed description.
func (s *Server) Description() description.Server {
	d, _ := s.desc.Load().(description.Server)
	return d
}

func (s *Server) setDescription(next description.Server) {
	prev := s.Description()
	s.desc.Store(next)
	if s.cfg.Logger != nil && prev.Kind != next.Kind {
		s.cfg.Logger.Print(logger.LevelDebug, serverDescriptionLogMessage{
			address: s.address.String(),
			previousKind: prev.Kind,
			newKind: next.Kind,
		})
	}
	if s.cfg.ServerMonitor != nil && s.cfg.ServerMonitor.ServerDescriptionChanged != nil {
		s.cfg.ServerMonitor.ServerDescriptionChanged(&event.ServerDescriptionChangedEvent{
				Address: s.address.String(),
				TopologyID: s.cfg.TopologyID,
				PreviousDescription: prev,
				NewDescription: next,
			})
	}
}

// serverDescriptionLogMessage implements logger.Message for the topology
// component, logged whenever a server's Kind changes.
type serverDescriptionLogMessage struct {
	address string
	previousKind description.ServerKind
	newKind description.ServerKind
}

func (m serverDescriptionLogMessage) Component() logger.Component { return logger.ComponentTopology }
func (m serverDescriptionLogMessage) Level() logger.Level { return logger.LevelDebug }
func (m serverDescriptionLogMessage) String() string {
	return "Server description changed"
}
func (m serverDescriptionLogMessage) KeysAndValues() []interface{} {
	return []interface{}{
		"serverHost", m.address,
		"previousDescription", m.previousKind.String(),
		"newDescription", m.newKind.String(),
	}
}

// Connection implements driver.Server by checking a connection out of the
// pool, dialing/handshaking a new one if needed.
func (s *Server) Connection(ctx context.Context) (driver.Connection, error) {
	conn, err := s.pool.checkOut(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MinRTT implements driver.Server.
func (s *Server) MinRTT() interface{} {
	s.rttMu.Lock()
	defer s.rttMu.Unlock()
	return s.averageRTT
}

// ProcessError implements driver.ErrorProcessor: it classifies a
// command/network error ("error handling marks the topology stale"). A
// state-change error marks the server Unknown and clears its pool only if
// the error is a shutdown error or the server's max wire version is below
// 8; a ConnectionError marks the server Unknown and always clears its pool.
func (s *Server) ProcessError(err error, conn driver.Connection) {
	de, ok := err.(driver.Error)
	switch {
	case ok && de.IsStateChangeError():
		s.onStateChangeError(de, conn)
	case isNetworkError(err):
		s.onNetworkError(conn)
	}
}

func isNetworkError(err error) bool {
	if err == nil {
		return false
	}
	connErr, ok := err.(ConnectionError)
	return ok && connErr.Wrapped != nil
}

func (s *Server) onNetworkError(conn driver.Connection) {
	s.setDescription(description.NewServerFromError(s.address, ErrConnectionClosed, nil))
	s.clearPoolFor()
}

func (s *Server) onStateChangeError(de driver.Error, conn driver.Connection) {
	maxWireVersion := int32(0)
	if wv := s.Description().WireVersion; wv != nil {
		maxWireVersion = wv.Max
	}

	s.setDescription(description.NewServerFromError(s.address, de, de.TopologyVersion))

	if de.NodeIsShuttingDown() || maxWireVersion < 8 {
		s.clearPoolFor()
	}

	// Request an immediate re-check rather than waiting the full
	// heartbeat interval, but never more often than minHeartbeatFrequency.
	s.requestImmediateCheck()
}

func (s *Server) clearPoolFor() {
	desc := s.Description()
	s.pool.clear(desc.ServiceID, desc.Kind == description.LoadBalancer)
}

// requestImmediateCheck nudges the monitor loop via a buffered channel so
// the next heartbeat is not delayed by the full interval; it is throttled
// by minHeartbeatFrequency inside monitor() so a storm of errors doesn't
// turn into a storm of heartbeats.
func (s *Server) requestImmediateCheck() {
	select {
	case s.checkNowCh <- struct{}{}:
	default:
	}
}

func (s *Server) monitor() {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	lastCheck := time.Time{}

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		case <-s.checkNowCh:
			if time.Since(lastCheck) < minHeartbeatFrequency {
				continue
			}
		}
		lastCheck = time.Now()
		s.heartbeat()
	}
}

// heartbeat runs one hello round trip over a dedicated monitoring
// connection, classifying the result into a new description.Server and
// updating the RTT EWMA on success.
func (s *Server) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout+s.cfg.HeartbeatInterval)
	defer cancel()

	if s.monitorConn == nil || s.monitorConn.closed() {
		s.monitorConn = newConnection(s.address, s.cfg.ConnOpts...)
		if err := s.monitorConn.connect(ctx); err != nil {
			s.recordHeartbeatFailure(err)
			return
		}
	}

	start := time.Now()
	handshaker := s.cfg.Handshaker
	if handshaker == nil {
		return
	}
	info, err := handshaker.GetHandshakeInformation(ctx, s.address, mnet.NewConnection(initConnection{s.monitorConn}))
	if err != nil {
		s.recordHeartbeatFailure(err)
		_ = s.monitorConn.close()
		s.monitorConn = nil
		return
	}
	rtt := time.Since(start)

	s.rttMu.Lock()
	if !s.rttSet {
		s.averageRTT = rtt
		s.rttSet = true
	} else {
		s.averageRTT = time.Duration(rttAlpha*float64(rtt) + (1-rttAlpha)*float64(s.averageRTT))
	}
	s.rttMu.Unlock()

	s.lastErrMu.Lock()
	s.lastHeartbeatErr = nil
	s.lastErrMu.Unlock()

	s.setDescription(info.Description)
	if s.pool.isPaused() {
		s.pool.ready()
	}
}

func (s *Server) recordHeartbeatFailure(err error) {
	s.lastErrMu.Lock()
	s.lastHeartbeatErr = err
	s.lastErrMu.Unlock()
	s.setDescription(description.NewServerFromError(s.address, err, nil))
	s.pool.clear(nil, false)
}

// Close stops the monitor goroutine and closes the pool.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
			close(s.done)
			if s.monitorConn != nil {
				_ = s.monitorConn.close()
			}
			s.pool.close()
		})
	return nil
}
