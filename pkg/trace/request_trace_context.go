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
	"fmt"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	"github.com/uber/jaeger-client-go"
)

// RequestTraceContext manages the spans of one dispatched request. Spans
// nest strictly, callers start and finish them in pairs on the dispatch
// goroutine.
type RequestTraceContext interface {
	// ActiveSpan returns the latest unfinished span in this context.
	// An error returns when no span is open.
	ActiveSpan() (opentracing.Span, error)

	// StartSpan opens a new span as the child of the active span, or as
	// the root of the trace when none is open yet.
	StartSpan(operationName string) (opentracing.Span, error)

	// FinishActiveSpan finishes the active span and reactivates its
	// parent if one exists.
	FinishActiveSpan() error
}

var _ RequestTraceContext = &RequestTraceContextImpl{}

// RequestTraceContextImpl reports spans to the tracer as they finish. The
// root span's "sampling.priority" tag is forced to 1 when OnDemandFlag is
// set, so every span of the trace gets reported.
type RequestTraceContextImpl struct {
	Tracer       opentracing.Tracer
	SpanStack    []opentracing.Span
	OnDemandFlag bool
}

func (s *RequestTraceContextImpl) ActiveSpan() (opentracing.Span, error) {
	if len(s.SpanStack) == 0 {
		return nil, fmt.Errorf("not found")
	}
	return s.SpanStack[len(s.SpanStack)-1], nil
}

func (s *RequestTraceContextImpl) StartSpan(operationName string) (opentracing.Span, error) {
	var newSpan opentracing.Span
	if span, err := s.ActiveSpan(); err != nil {
		newSpan = s.Tracer.StartSpan(operationName)
		if s.OnDemandFlag {
			ext.SamplingPriority.Set(newSpan, 1)
		}
	} else {
		newSpan = s.Tracer.StartSpan(operationName, opentracing.ChildOf(span.Context()))
	}
	s.SpanStack = append(s.SpanStack, newSpan)
	return newSpan, nil
}

func (s *RequestTraceContextImpl) FinishActiveSpan() error {
	span, err := s.ActiveSpan()
	if err != nil {
		return err
	}
	span.Finish()
	s.SpanStack = s.SpanStack[:len(s.SpanStack)-1]
	return nil
}

var _ opentracing.Span = &DelaySpan{}

// DelaySpan records its finish time and defers reporting until the whole
// trace is collected.
type DelaySpan struct {
	opentracing.Span
	FinishTime time.Time
}

// Finish implements the opentracing.Span interface and panics when calling.
func (d *DelaySpan) Finish() {
	panic("should not call it")
}

// FinishWithOptions implements the opentracing.Span interface and panics when calling.
func (d *DelaySpan) FinishWithOptions(opentracing.FinishOptions) {
	panic("should not call it")
}

var _ RequestTraceContext = &DelayRequestTraceContextImpl{}

// DelayRequestTraceContextImpl holds every span of a trace and reports them
// only when some span matches FilterTags once the trace completes.
type DelayRequestTraceContextImpl struct {
	Tracer     opentracing.Tracer
	SpanStack  []*DelaySpan
	Spans      []*DelaySpan
	FilterTags map[string]interface{}
}

func (d *DelayRequestTraceContextImpl) ActiveSpan() (opentracing.Span, error) {
	if len(d.SpanStack) == 0 {
		return nil, fmt.Errorf("not found")
	}
	return d.SpanStack[len(d.SpanStack)-1], nil
}

func (d *DelayRequestTraceContextImpl) StartSpan(operationName string) (opentracing.Span, error) {
	var newSpan *DelaySpan
	if span, err := d.ActiveSpan(); err != nil {
		newSpan = &DelaySpan{
			Span: d.Tracer.StartSpan(operationName),
		}
		ext.SamplingPriority.Set(newSpan, 1)
	} else {
		newSpan = &DelaySpan{
			Span: d.Tracer.StartSpan(operationName, opentracing.ChildOf(span.Context())),
		}
	}
	d.SpanStack = append(d.SpanStack, newSpan)
	d.Spans = append(d.Spans, newSpan)
	return newSpan, nil
}

// FinishActiveSpan closes the active span by stamping its finish time. When
// the last span closes the collected trace is either reported or dropped.
func (d *DelayRequestTraceContextImpl) FinishActiveSpan() error {
	if _, err := d.ActiveSpan(); err != nil {
		return err
	}
	span := d.SpanStack[len(d.SpanStack)-1]
	span.FinishTime = time.Now()
	d.SpanStack = d.SpanStack[:len(d.SpanStack)-1]

	if len(d.SpanStack) == 0 {
		if d.isMatch() {
			for _, span := range d.Spans {
				span.Span.FinishWithOptions(opentracing.FinishOptions{
					FinishTime: span.FinishTime,
				})
			}
		}
		d.Spans = []*DelaySpan{}
	}

	return nil
}

// isMatch checks whether any span in the trace carries all the FilterTags.
func (d *DelayRequestTraceContextImpl) isMatch() bool {
	if len(d.FilterTags) == 0 {
		return false
	}
	for _, span := range d.Spans {
		tags := span.Span.(*jaeger.Span).Tags()
		matched := true
		for k, v := range d.FilterTags {
			if tag, ok := tags[k]; !ok || tag != v {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}
