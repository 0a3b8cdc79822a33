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
	"io"

	"github.com/opentracing/opentracing-go"

	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
)

// RequestTracer hands out one trace context per dispatched request.
type RequestTracer interface {
	NewTraceContext() RequestTraceContext
	Close()
}

var _ RequestTracer = &RequestTracerImpl{}

const (
	Sampling = "Sampling"
	OnDemand = "OnDemand"
)

type RequestTracerImplParams struct {
	Mode       string
	FilterTags map[string]interface{}
}

var DefaultRequestTracerImplParams = &RequestTracerImplParams{
	Mode:       Sampling,
	FilterTags: nil,
}

type RequestTracerImpl struct {
	Tracer opentracing.Tracer
	Closer io.Closer
	locking.RWMutex
	*RequestTracerImplParams
}

func (s *RequestTracerImpl) NewTraceContext() RequestTraceContext {
	s.RLock()
	defer s.RUnlock()
	switch s.Mode {
	case Sampling:
		return &RequestTraceContextImpl{
			Tracer:       s.Tracer,
			SpanStack:    []opentracing.Span{},
			OnDemandFlag: false,
		}
	case OnDemand:
		if len(s.FilterTags) == 0 {
			return &RequestTraceContextImpl{
				Tracer:       s.Tracer,
				SpanStack:    []opentracing.Span{},
				OnDemandFlag: true,
			}
		}
		return &DelayRequestTraceContextImpl{
			Tracer:     s.Tracer,
			SpanStack:  []*DelaySpan{},
			Spans:      []*DelaySpan{},
			FilterTags: s.FilterTags,
		}
	default:
		return nil
	}
}

func (s *RequestTracerImpl) SetParams(params *RequestTracerImplParams) {
	if params == nil {
		return
	}
	s.Lock()
	defer s.Unlock()
	s.RequestTracerImplParams = params
}

func (s *RequestTracerImpl) Close() {
	if s.Closer != nil {
		s.Closer.Close()
	}
}

func NewRequestTracer(params *RequestTracerImplParams) (RequestTracer, error) {
	if params == nil {
		params = DefaultRequestTracerImplParams
	}

	tracer, closer, err := NewTracerFromEnv("kestrel-core-server")
	if err != nil {
		return nil, err
	}

	return &RequestTracerImpl{
		Tracer:                  tracer,
		Closer:                  closer,
		RequestTracerImplParams: params,
	}, nil
}
