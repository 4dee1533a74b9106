// Copyright (C) MongoDB, Inc. 2022-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package csot

import (
	"context"
	"testing"
	"time"
)

func TestMakeTimeoutContext(t *testing.T) {
	t.Run("zero duration leaves the context without a deadline", func(t *testing.T) {
		ctx, cancel := MakeTimeoutContext(context.Background(), 0)
		defer cancel()
		if _, ok := ctx.Deadline(); ok {
			t.Fatal("expected no deadline for a zero timeout")
		}
		if !IsTimeoutContext(ctx) {
			t.Fatal("expected IsTimeoutContext to report true regardless of duration")
		}
	})

	t.Run("non-zero duration sets a deadline", func(t *testing.T) {
		ctx, cancel := MakeTimeoutContext(context.Background(), 50*time.Millisecond)
		defer cancel()
		if _, ok := ctx.Deadline(); !ok {
			t.Fatal("expected a deadline for a non-zero timeout")
		}
	})

	t.Run("a plain context is not a timeout context", func(t *testing.T) {
		if IsTimeoutContext(context.Background()) {
			t.Fatal("expected a context never passed through MakeTimeoutContext to report false")
		}
	})
}

func TestSkipMaxTimeContext(t *testing.T) {
	ctx := context.Background()
	if IsSkipMaxTimeContext(ctx) {
		t.Fatal("expected a plain context to not skip maxTime")
	}
	ctx = NewSkipMaxTimeContext(ctx)
	if !IsSkipMaxTimeContext(ctx) {
		t.Fatal("expected NewSkipMaxTimeContext to mark the context")
	}
}

func TestWithServerSelectionTimeout(t *testing.T) {
	t.Run("no parent deadline and no configured timeout leaves ctx untouched", func(t *testing.T) {
		parent := context.Background()
		ctx, cancel := WithServerSelectionTimeout(parent, 0)
		defer cancel()
		if ctx != parent {
			t.Fatal("expected the original context to be returned unchanged")
		}
	})

	t.Run("no parent deadline uses the configured timeout", func(t *testing.T) {
		ctx, cancel := WithServerSelectionTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("expected a deadline derived from the configured timeout")
		}
		if d := time.Until(deadline); d <= 0 || d > 30*time.Millisecond {
			t.Fatalf("expected a deadline within 30ms, got %v", d)
		}
	})

	t.Run("takes the smaller of parent deadline and configured timeout", func(t *testing.T) {
		parent, parentCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer parentCancel()
		ctx, cancel := WithServerSelectionTimeout(parent, time.Hour)
		defer cancel()
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("expected a deadline")
		}
		if d := time.Until(deadline); d > 10*time.Millisecond {
			t.Fatalf("expected the shorter parent deadline to win, got %v remaining", d)
		}
	})

	t.Run("ignores a non-positive configured timeout when parent has a deadline", func(t *testing.T) {
		parent, parentCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer parentCancel()
		ctx, cancel := WithServerSelectionTimeout(parent, 0)
		defer cancel()
		deadline, ok := ctx.Deadline()
		if !ok {
			t.Fatal("expected the parent's deadline to carry through")
		}
		if d := time.Until(deadline); d > 10*time.Millisecond {
			t.Fatalf("expected the parent deadline to be preserved, got %v remaining", d)
		}
	})
}

func TestZeroRTTMonitor(t *testing.T) {
	var m ZeroRTTMonitor
	if m.EWMA() != 0 || m.Min() != 0 || m.P90() != 0 {
		t.Fatal("expected every RTT accessor to report zero")
	}
	if m.Stats() != "" {
		t.Fatal("expected empty stats string")
	}
}
