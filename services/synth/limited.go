// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// ErrTimeout indicates a synthesizer call exceeded its deadline.
var ErrTimeout = errors.New("synthesizer call timed out")

var tracer = otel.Tracer("dbtforge.synth")

// Limited wraps a Synthesizer with a token-bucket rate limit, a per-call
// timeout, a call counter, and a trace span per call.
//
// Thread Safety: Safe for concurrent use when the inner synthesizer is.
type Limited struct {
	inner    Synthesizer
	provider string
	limiter  *rate.Limiter
	timeout  time.Duration
	calls    atomic.Int64
}

// NewLimited wraps inner.
//
// Inputs:
//
//	inner - The synthesizer to call.
//	provider - Name recorded on spans.
//	perMinute - Allowed calls per minute. Zero or less disables limiting.
//	timeout - Per-call deadline. Zero or less disables it.
func NewLimited(inner Synthesizer, provider string, perMinute int, timeout time.Duration) *Limited {
	l := &Limited{inner: inner, provider: provider, timeout: timeout}
	if perMinute > 0 {
		l.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return l
}

// Synthesize implements Synthesizer.
func (l *Limited) Synthesize(ctx context.Context, parts []Part) (string, error) {
	ctx, span := tracer.Start(ctx, "synth.Synthesize", trace.WithAttributes(
		attribute.String("synth.provider", l.provider),
		attribute.Int("synth.parts", len(parts)),
	))
	defer span.End()

	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			span.SetStatus(codes.Error, "rate limiter wait")
			return "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	l.calls.Add(1)
	out, err := l.inner.Synthesize(ctx, parts)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", ErrTimeout, l.timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	span.SetAttributes(attribute.Int("synth.response_bytes", len(out)))
	return out, nil
}

// CallCount returns the number of calls issued to the inner synthesizer.
func (l *Limited) CallCount() int64 {
	return l.calls.Load()
}
