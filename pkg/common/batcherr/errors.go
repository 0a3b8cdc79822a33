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

// Package batcherr defines the batch protocol error codes and the error type
// carried through the request pipeline. The numeric code travels on the wire
// in the reply envelope; the Go error wraps an optional cause.
package batcherr

import (
	"errors"
	"fmt"
)

// Code is a wire-visible batch error code. Zero means success.
type Code int32

const (
	CodeNone Code = 0
)

// Codes are numbered from a fixed base to stay clear of OS errno space.
const (
	CodeUnknownJob Code = 15001 + iota
	CodeInvalidRequest
	CodeUnsupported
	CodePermission
	CodeBadHost
	CodeSystem
	CodeInternal
	CodeBadState
	CodeUnknownSignal
	CodeBadCredential
	CodeProtocol
	CodeServerDown
	CodeUnknownNode
	CodeNoRouteToPeer
	CodeWrongResume
)

var codeText = map[Code]string{
	CodeNone:           "no error",
	CodeUnknownJob:     "unknown job id",
	CodeInvalidRequest: "invalid request",
	CodeUnsupported:    "unsupported request type",
	CodePermission:     "unauthorized request",
	CodeBadHost:        "access from host not allowed",
	CodeSystem:         "system error",
	CodeInternal:       "internal server error",
	CodeBadState:       "request invalid for job state",
	CodeUnknownSignal:  "unknown signal name",
	CodeBadCredential:  "invalid credential",
	CodeProtocol:       "batch protocol error",
	CodeServerDown:     "server shutting down",
	CodeUnknownNode:    "unknown node",
	CodeNoRouteToPeer:  "no route to execution peer",
	CodeWrongResume:    "wrong resume request for suspend type",
}

func (c Code) String() string {
	if text, ok := codeText[c]; ok {
		return text
	}
	return fmt.Sprintf("error %d", int32(c))
}

// Error carries a batch code, an auxiliary code for the reply envelope and an
// optional wrapped cause.
type Error struct {
	Code Code
	Aux  int32
	Msg  string
	err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	if e.err != nil {
		return fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is makes errors.Is match on the code so call sites can compare against a
// bare New(code, "").
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying cause. A nil cause yields a nil
// error, the interface return keeps that nil usable at call sites.
func Wrap(code Code, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: msg, err: err}
}

// CodeOf extracts the batch code from an error chain. Errors without a code
// map to CodeInternal, nil maps to CodeNone.
func CodeOf(err error) Code {
	if err == nil {
		return CodeNone
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return CodeInternal
}

// AuxOf extracts the auxiliary code, zero when absent.
func AuxOf(err error) int32 {
	var be *Error
	if errors.As(err, &be) {
		return be.Aux
	}
	return 0
}
