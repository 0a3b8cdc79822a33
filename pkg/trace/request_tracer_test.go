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

	"github.com/opentracing/opentracing-go/mocktracer"
	"gotest.tools/v3/assert"
)

func TestNewTraceContextPerMode(t *testing.T) {
	tracer := &RequestTracerImpl{
		Tracer:                  mocktracer.New(),
		RequestTracerImplParams: DefaultRequestTracerImplParams,
	}
	defer tracer.Close()

	ctx, ok := tracer.NewTraceContext().(*RequestTraceContextImpl)
	assert.Assert(t, ok)
	assert.Assert(t, !ctx.OnDemandFlag)

	tracer.SetParams(&RequestTracerImplParams{Mode: OnDemand})
	ctx, ok = tracer.NewTraceContext().(*RequestTraceContextImpl)
	assert.Assert(t, ok)
	assert.Assert(t, ctx.OnDemandFlag)

	tracer.SetParams(&RequestTracerImplParams{
		Mode:       OnDemand,
		FilterTags: map[string]interface{}{StateKey: RejectedState},
	})
	_, ok = tracer.NewTraceContext().(*DelayRequestTraceContextImpl)
	assert.Assert(t, ok)

	tracer.SetParams(&RequestTracerImplParams{Mode: "unknown"})
	assert.Assert(t, tracer.NewTraceContext() == nil)

	// nil params keep whatever was set before
	tracer.SetParams(nil)
	assert.Assert(t, tracer.NewTraceContext() == nil)
}

func TestNewRequestTracer(t *testing.T) {
	tracer, err := NewRequestTracer(nil)
	assert.NilError(t, err)
	defer tracer.Close()
	assert.Assert(t, tracer.NewTraceContext() != nil)
}
