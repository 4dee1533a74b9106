// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"net"
	"sort"
	"time"

	"github.com/coredb-io/godriver/address"
)

// happyEyeballsDelay is the RFC 8305 "Connection Attempt Delay" between
// racing successive address-family candidates.
const happyEyeballsDelay = 250 * time.Millisecond

// dialHappyEyeballs resolves addr and races connection attempts across the
// resolved addresses (IPv6 candidates first, per RFC 8305), returning the
// first successful connection and cancelling the rest. Unix-domain and
// already-literal-IP addresses skip resolution and dial directly.
func dialHappyEyeballs(ctx context.Context, d contextDialer, addr address.Address) (net.Conn, error) {
	network := addr.Network()
	hostport := addr.String()

	if network == "unix" {
		return d.DialContext(ctx, network, hostport)
	}

	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		// No port separator (shouldn't happen after address.String's
		// default-port normalization); fall back to a single dial attempt.
		return d.DialContext(ctx, network, hostport)
	}

	if net.ParseIP(host) != nil {
		// Already a literal address: nothing to race.
		return d.DialContext(ctx, network, hostport)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil || len(ips) == 0 {
		// Resolution failed or returned nothing useful; let the dialer's
		// own resolution path produce the error.
		return d.DialContext(ctx, network, hostport)
	}
	sort.SliceStable(ips, func(i, j int) bool {
			return len(ips[i].IP.To4()) == 0 && len(ips[j].IP.To4()) != 0 // IPv6 first
		})

	type result struct {
		conn net.Conn
		err error
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type indexedResult struct {
		result
		index int
	}

	resCh := make(chan indexedResult, len(ips))
	for i, ip := range ips {
		i, ip := i, ip
		go func() {
			select {
			case <-time.After(time.Duration(i) * happyEyeballsDelay):
			case <-raceCtx.Done():
				resCh <- indexedResult{result{nil, raceCtx.Err()}, i}
				return
			}
			conn, err := d.DialContext(raceCtx, network, net.JoinHostPort(ip.IP.String(), port))
			resCh <- indexedResult{result{conn, err}, i}
		}()
	}

	errs := make([]error, len(ips))
	remaining := len(ips)
	for remaining > 0 {
		r := <-resCh
		remaining--
		if r.err == nil {
			cancel()
			// Close any other candidates that win the race after us.
			go func(n int) {
				for i := 0; i < n; i++ {
					if r := <-resCh; r.conn != nil {
						_ = r.conn.Close()
					}
				}
			}(remaining)
			return r.conn, nil
		}
		errs[r.index] = r.err
	}
	// On complete failure, return the first attempt's error (lowest
	// index == highest address-family priority after sorting), not
	// whichever attempt happened to finish last.
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}
