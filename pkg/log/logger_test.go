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

package log

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gotest.tools/v3/assert"
)

func TestIsNopLogger(t *testing.T) {
	// reset the global zap logger afterwards
	defer zap.ReplaceGlobals(zap.NewNop())

	testLogger, err := zap.NewDevelopment()
	assert.NilError(t, err, "dev logger init failed")
	assert.Equal(t, false, isNopLogger(testLogger))

	testLogger = zap.NewNop()
	assert.Equal(t, true, isNopLogger(testLogger))

	testLogger, err = zap.NewProduction()
	assert.NilError(t, err, "prod logger init failed")
	zap.ReplaceGlobals(testLogger)
	assert.Equal(t, false, isNopLogger(testLogger))
	assert.Equal(t, false, isNopLogger(zap.L()))
}

func TestParseLevel(t *testing.T) {
	level, err := parseLevel("DEBUG")
	assert.NilError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)

	level, err = parseLevel("warn")
	assert.NilError(t, err)
	assert.Equal(t, zapcore.WarnLevel, level)

	level, err = parseLevel("-1")
	assert.NilError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level)

	level, err = parseLevel("5")
	assert.NilError(t, err)
	assert.Equal(t, zapcore.FatalLevel, level)

	_, err = parseLevel("chatty")
	assert.Assert(t, err != nil, "bogus level must not parse")
	_, err = parseLevel("6")
	assert.Assert(t, err != nil, "out of range level must not parse")

	assert.Equal(t, true, ValidLevel("info"))
	assert.Equal(t, false, ValidLevel("chatty"))
}

// The handle id is the index into the logger slice, the list must stay dense.
func TestHandleDensity(t *testing.T) {
	for i, handle := range handles {
		assert.Equal(t, i, handle.id, "handle %s out of order", handle.name)
	}
}

// This test triggers the once.Do() and will have an impact on other tests in
// this file: the root logger stays initialized.
func TestLogAndUpdate(t *testing.T) {
	first := Log(Test)
	assert.Assert(t, first != nil, "returned logger should have been not nil")
	assert.Equal(t, first, Log(Test), "same handle must yield the same logger")

	UpdateLoggingConfig(map[string]string{
		"log.level":      "warn",
		"log.test.level": "debug",
	})
	assert.Equal(t, true, Log(Test).Core().Enabled(zapcore.DebugLevel))
	assert.Equal(t, false, Log(Wire).Core().Enabled(zapcore.InfoLevel))

	// unparsable levels fall back to the default
	UpdateLoggingConfig(map[string]string{
		"log.level":      "info",
		"log.wire.level": "chatty",
	})
	assert.Equal(t, true, Log(Wire).Core().Enabled(zapcore.InfoLevel))
	assert.Equal(t, false, Log(Wire).Core().Enabled(zapcore.DebugLevel))
}

// A logger derived with With must keep its handle's level.
func TestWithKeepsHandleLevel(t *testing.T) {
	UpdateLoggingConfig(map[string]string{
		"log.level":      "info",
		"log.wire.level": "warn",
	})
	derived := Log(Wire).With(zap.String("conn", "c1"))
	assert.Equal(t, false, derived.Core().Enabled(zapcore.InfoLevel))
	assert.Equal(t, true, derived.Core().Enabled(zapcore.WarnLevel))
}
