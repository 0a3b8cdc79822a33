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

// Package locking wraps the mutexes of the server behind optional deadlock
// tracking. With tracking off the wrappers cost nothing beyond the embedded
// type, with tracking on a held lock that blocks others past the timeout is
// reported on the deadlock log handle.
package locking

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	godeadlock "github.com/sasha-s/go-deadlock"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

const (
	EnvDeadlockDetectionEnabled = "KESTREL_DEADLOCK_DETECTION_ENABLED"
	EnvDeadlockTimeoutSeconds   = "KESTREL_DEADLOCK_TIMEOUT_SECONDS"
	EnvExitOnDeadlock           = "KESTREL_DEADLOCK_EXIT"
	EnvDisableLockOrder         = "KESTREL_DEADLOCK_DISABLE_LOCK_ORDER"
)

const defaultTimeoutSeconds = 60

var (
	once             sync.Once
	trackingEnabled  atomic.Bool
	deadlockDetected atomic.Bool
	testingMode      atomic.Bool
	exitOnDeadlock   atomic.Bool
)

// errorBuf collects the report go-deadlock writes before it calls the
// deadlock callback, the callback forwards it to the logger in one entry.
type errorBuf struct {
	data string
	sync.Mutex
}

func (b *errorBuf) Write(p []byte) (n int, err error) {
	if b == nil {
		return len(p), nil
	}
	b.Lock()
	defer b.Unlock()
	b.data += string(p)
	return len(p), nil
}

func init() {
	once.Do(reInit)
}

func reInit() {
	enabled := envBool(EnvDeadlockDetectionEnabled)
	timeoutSec := envSeconds(EnvDeadlockTimeoutSeconds, defaultTimeoutSeconds)
	disableOrder := envBool(EnvDisableLockOrder)
	exitOnDeadlock.Store(envBool(EnvExitOnDeadlock))
	trackingEnabled.Store(enabled)

	godeadlock.Opts.Disable = !enabled
	godeadlock.Opts.DeadlockTimeout = time.Duration(timeoutSec) * time.Second
	godeadlock.Opts.LogBuf = &errorBuf{}
	godeadlock.Opts.OnPotentialDeadlock = onPotentialDeadlock
	godeadlock.Opts.DisableLockOrderDetection = disableOrder

	if enabled {
		// stderr, the logging package takes locks of its own and may not be up yet
		_, _ = fmt.Fprintf(os.Stderr,
			"=== Deadlock detection enabled (timeout: %d seconds, exit on deadlock: %t, locking order disabled: %t) ===\n",
			timeoutSec, exitOnDeadlock.Load(), disableOrder)
	}
}

func envBool(key string) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	return err == nil && value
}

func envSeconds(key string, fallback int64) int64 {
	value, err := strconv.ParseInt(os.Getenv(key), 10, 32)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func onPotentialDeadlock() {
	deadlockDetected.Store(true)
	reportDeadlock()
	if exitOnDeadlock.Load() && !testingMode.Load() {
		os.Exit(1)
	}
}

func reportDeadlock() {
	buf, ok := godeadlock.Opts.LogBuf.(*errorBuf)
	if !ok {
		log.Log(log.Deadlock).Error("POTENTIAL DEADLOCK: no details available")
		return
	}
	buf.Lock()
	defer buf.Unlock()
	log.Log(log.Deadlock).Error(buf.data)
	buf.data = ""
}

// IsTrackingEnabled reports whether the wrappers run with deadlock tracking.
func IsTrackingEnabled() bool {
	return trackingEnabled.Load()
}

// IsDeadlockDetected reports whether tracking flagged a potential deadlock
// since startup, the health check surfaces it.
func IsDeadlockDetected() bool {
	return deadlockDetected.Load()
}

type Mutex struct {
	godeadlock.Mutex
}

type RWMutex struct {
	godeadlock.RWMutex
}
