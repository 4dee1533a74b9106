// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package description

// ServerSelector is implemented by types that can filter a Topology's
// servers down to the subset matching some selection criteria.
type ServerSelector interface {
	SelectServer(Topology, []Server) ([]Server, error)
}

// ServerSelectorFunc is a function adapter for ServerSelector.
type ServerSelectorFunc func(Topology, []Server) ([]Server, error)

// SelectServer implements the ServerSelector interface.
func (ssf ServerSelectorFunc) SelectServer(t Topology, srvs []Server) ([]Server, error) {
	return ssf(t, srvs)
}

// ReadPreferenceMode mirrors the standard read-preference modes.
type ReadPreferenceMode uint8

// ReadPreferenceMode constants, matching SelectionCriteria.
const (
	PrimaryMode ReadPreferenceMode = iota
	PrimaryPreferredMode
	SecondaryMode
	SecondaryPreferredMode
	NearestMode
)

// ReadPrefSelector selects servers matching a read preference mode and a tag
// set list. MaxStaleness is carried but not applied: servers are not
// filtered by staleness.
type ReadPrefSelector struct {
	Mode ReadPreferenceMode
	TagSets []TagSet
	MaxStaleness int64 // seconds; 0 means unset
}

// SelectServer implements ServerSelector.
func (rp ReadPrefSelector) SelectServer(topo Topology, candidates []Server) ([]Server, error) {
	switch topo.Kind {
	case Single:
		return candidates, nil
	case Sharded, LoadBalanced:
		return filterDataBearing(candidates), nil
	}

	switch rp.Mode {
	case PrimaryMode:
		return rp.filterTags(filterByKind(candidates, RSPrimary)), nil
	case PrimaryPreferredMode:
		if primaries := filterByKind(candidates, RSPrimary); len(primaries) > 0 {
			return primaries, nil
		}
		return rp.filterTags(filterByKind(candidates, RSSecondary)), nil
	case SecondaryMode:
		return rp.filterTags(filterByKind(candidates, RSSecondary)), nil
	case SecondaryPreferredMode:
		secondaries := rp.filterTags(filterByKind(candidates, RSSecondary))
		if len(secondaries) > 0 {
			return secondaries, nil
		}
		return filterByKind(candidates, RSPrimary), nil
	case NearestMode:
		both := append(filterByKind(candidates, RSPrimary), filterByKind(candidates, RSSecondary)...)
		return rp.filterTags(both), nil
	}
	return candidates, nil
}

func (rp ReadPrefSelector) filterTags(candidates []Server) []Server {
	if len(rp.TagSets) == 0 {
		return candidates
	}
	var out []Server
	for _, s := range candidates {
		for _, ts := range rp.TagSets {
			if s.Tags.ContainsAll(ts) {
				out = append(out, s)
				break
			}
		}
	}
	return out
}

func filterByKind(candidates []Server, kind ServerKind) []Server {
	var out []Server
	for _, s := range candidates {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func filterDataBearing(candidates []Server) []Server {
	var out []Server
	for _, s := range candidates {
		if s.DataBearing() {
			out = append(out, s)
		}
	}
	return out
}

// PredicateSelector wraps an arbitrary predicate over a single server.
type PredicateSelector func(Server) bool

// SelectServer implements ServerSelector.
func (p PredicateSelector) SelectServer(_ Topology, candidates []Server) ([]Server, error) {
	var out []Server
	for _, s := range candidates {
		if p(s) {
			out = append(out, s)
		}
	}
	return out, nil
}

// LatencySelector narrows candidates to those within localThreshold of the
// fastest-RTT candidate ("latency window").
type LatencySelector struct {
	Latency int64 // nanoseconds
}

// SelectServer implements ServerSelector.
func (ls LatencySelector) SelectServer(_ Topology, candidates []Server) ([]Server, error) {
	if ls.Latency < 0 || len(candidates) < 2 {
		return candidates, nil
	}

	min := candidates[0].AverageRTT
	minSet := candidates[0].AverageRTTSet
	for _, s := range candidates[1:] {
		if s.AverageRTTSet && (!minSet || s.AverageRTT < min) {
			min = s.AverageRTT
			minSet = true
		}
	}

	max := min.Nanoseconds() + ls.Latency
	var out []Server
	for _, s := range candidates {
		if s.AverageRTT.Nanoseconds() <= max {
			out = append(out, s)
		}
	}
	return out, nil
}

// CompositeSelector runs a sequence of selectors, piping the output of one
// into the input of the next.
type CompositeSelector struct {
	Selectors []ServerSelector
}

// SelectServer implements ServerSelector.
func (cs *CompositeSelector) SelectServer(topo Topology, candidates []Server) ([]Server, error) {
	var err error
	for _, sel := range cs.Selectors {
		candidates, err = sel.SelectServer(topo, candidates)
		if err != nil {
			return nil, err
		}
	}
	return candidates, nil
}
