/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package trace

import (
	"testing"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/uber/jaeger-client-go"
	"gotest.tools/v3/assert"
)

func TestTraceContextSpanNesting(t *testing.T) {
	tracer := mocktracer.New()
	ctx := &RequestTraceContextImpl{Tracer: tracer, SpanStack: []opentracing.Span{}}

	_, err := ctx.ActiveSpan()
	assert.ErrorContains(t, err, "not found")
	assert.ErrorContains(t, ctx.FinishActiveSpan(), "not found")

	root, err := ctx.StartSpan("[request]dispatch")
	assert.NilError(t, err)
	child, err := ctx.StartSpan("[handler]handle")
	assert.NilError(t, err)

	active, err := ctx.ActiveSpan()
	assert.NilError(t, err)
	assert.Equal(t, active, child)

	assert.NilError(t, ctx.FinishActiveSpan())
	active, err = ctx.ActiveSpan()
	assert.NilError(t, err)
	assert.Equal(t, active, root)
	assert.NilError(t, ctx.FinishActiveSpan())

	finished := tracer.FinishedSpans()
	assert.Equal(t, len(finished), 2)
	assert.Equal(t, finished[0].OperationName, "[handler]handle")
	assert.Equal(t, finished[1].OperationName, "[request]dispatch")
	assert.Equal(t, finished[0].ParentID, finished[1].SpanContext.SpanID)
}

func TestOnDemandForcesSampling(t *testing.T) {
	tracer := mocktracer.New()
	ctx := &RequestTraceContextImpl{Tracer: tracer, SpanStack: []opentracing.Span{}, OnDemandFlag: true}

	_, err := ctx.StartSpan("[request]dispatch")
	assert.NilError(t, err)
	assert.NilError(t, ctx.FinishActiveSpan())

	finished := tracer.FinishedSpans()
	assert.Equal(t, len(finished), 1)
	assert.Equal(t, finished[0].Tag("sampling.priority"), uint16(1))
}

func TestDelaySpanFinishPanics(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected a panic")
		}
	}()
	d := &DelaySpan{}
	d.Finish()
}

func TestDelayContextReportsOnlyMatchedTraces(t *testing.T) {
	reporter := jaeger.NewInMemoryReporter()
	tracer, closer := jaeger.NewTracer("kestrel-core-test", jaeger.NewConstSampler(true), reporter)
	defer closer.Close()

	ctx := &DelayRequestTraceContextImpl{
		Tracer:     tracer,
		SpanStack:  []*DelaySpan{},
		Spans:      []*DelaySpan{},
		FilterTags: map[string]interface{}{StateKey: RejectedState},
	}

	// a trace without the filter tag is dropped
	_, err := ctx.StartSpan("[request]dispatch")
	assert.NilError(t, err)
	assert.NilError(t, ctx.FinishActiveSpan())
	assert.Equal(t, reporter.SpansSubmitted(), 0)

	// a trace carrying the tag on any span is reported in full
	_, err = ctx.StartSpan("[request]dispatch")
	assert.NilError(t, err)
	span, err := ctx.StartSpan("[handler]handle")
	assert.NilError(t, err)
	span.SetTag(StateKey, RejectedState)
	assert.NilError(t, ctx.FinishActiveSpan())
	assert.NilError(t, ctx.FinishActiveSpan())
	assert.Equal(t, reporter.SpansSubmitted(), 2)
}
