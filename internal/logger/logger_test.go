// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu sync.Mutex
	lines []string
}

func (r *recordingSink) Info(level int, msg string, kv ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf("%d:%s:%v", level, msg, kv))
}

func (r *recordingSink) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

type fakeMessage struct {
	component Component
	level Level
	msg string
	kv []interface{}
}

func (m fakeMessage) Component() Component { return m.component }
func (m fakeMessage) Level() Level { return m.level }
func (m fakeMessage) String() string { return m.msg }
func (m fakeMessage) KeysAndValues() []interface{} { return m.kv }

func waitForLines(t *testing.T, sink *recordingSink, n int) []string {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if lines := sink.snapshot(); len(lines) >= n {
			return lines
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d log lines", n)
	return nil
}

func TestLoggerFiltersByComponentLevel(t *testing.T) {
	sink := &recordingSink{}
	l := New(sink, 0, map[Component]Level{
			ComponentCommand: LevelDebug,
			ComponentTopology: LevelOff,
		})
	defer l.Close()

	l.Print(LevelDebug, fakeMessage{component: ComponentCommand, level: LevelDebug, msg: "command started"})
	l.Print(LevelDebug, fakeMessage{component: ComponentTopology, level: LevelDebug, msg: "should not appear"})

	lines := waitForLines(t, sink, 1)
	if len(lines) != 1 {
		t.Fatalf("expected exactly 1 line, got %d: %v", len(lines), lines)
	}
}

func TestTruncateDocuments(t *testing.T) {
	kv := []interface{}{"command", "abcdefghij", "other", "untouched"}
	out := truncateDocuments(kv, 4)
	if out[1] != "abcd"+TruncationSuffix {
		t.Fatalf("expected truncated command, got %v", out[1])
	}
	if out[3] != "untouched" {
		t.Fatalf("non-command value should be left alone, got %v", out[3])
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug": LevelDebug,
		"Debug": LevelDebug,
		"info": LevelInfo,
		"warn": LevelInfo,
		"": LevelOff,
		"bogus": LevelOff,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
