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

	"github.com/opentracing/opentracing-go"
)

const (
	LevelKey = "level"
	PhaseKey = "phase"
	NameKey  = "name"
	StateKey = "state"
	InfoKey  = "info"

	RequestLevel = "request"
	HandlerLevel = "handler"

	DispatchPhase = "dispatch"
	HandlePhase   = "handle"

	RejectedState = "rejected"
)

// StartSpanWrapper opens a span with the common tags set. The level tag is
// required and names the dispatch layer the span covers (request, handler).
// The phase tag names the processing step, the name tag the request type or
// object the span is about. Irregular tags go on the returned span. Spans
// must be finished in pairs with FinishActiveSpanWrapper, like this:
//
//	span, _ := StartSpanWrapper(ctx, "request", "dispatch", "SignalJob")
//	defer FinishActiveSpanWrapper(ctx, "", "")
func StartSpanWrapper(ctx RequestTraceContext, level, phase, name string) (opentracing.Span, error) {
	if ctx == nil {
		return opentracing.NoopTracer{}.StartSpan(""), nil
	}
	if level == "" {
		return opentracing.NoopTracer{}.StartSpan(""),
			fmt.Errorf("level field cannot be empty")
	}

	span, err := ctx.StartSpan(fmt.Sprintf("[%v]%v", level, phase))
	if err == nil {
		span.SetTag(LevelKey, level)
		if phase != "" {
			span.SetTag(PhaseKey, phase)
		}
		if name != "" {
			span.SetTag(NameKey, name)
		}
	}
	return span, err
}

// FinishActiveSpanWrapper finishes the active span after stamping the
// result tags. The state tag names the outcome, the info tag carries the
// error or hint explaining it. Both are optional, the tags of an earlier
// reject stay in place when state is empty.
func FinishActiveSpanWrapper(ctx RequestTraceContext, state, info string) error {
	if ctx == nil {
		return nil
	}

	span, err := ctx.ActiveSpan()
	if err == nil {
		if state != "" {
			span.SetTag(StateKey, state)
		}
		if info != "" {
			span.SetTag(InfoKey, info)
		}
		return ctx.FinishActiveSpan()
	}
	return err
}
