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

package accounting

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestRecordFormat(t *testing.T) {
	dir := t.TempDir()
	when := time.Date(2024, 3, 15, 9, 30, 45, 0, time.UTC)
	rec, err := newFileRecorder(dir, 16, func() time.Time { return when })
	assert.NilError(t, err)

	rec.Record(RecordSuspend, "17.svr", "requestor=alice@login1 resources_released=(nodeA:ncpus=4)")
	rec.Record(RecordResume, "17.svr", "requestor=alice@login1")
	rec.Stop()

	content, err := os.ReadFile(filepath.Join(dir, "20240315"))
	assert.NilError(t, err)
	lines := strings.Split(strings.TrimRight(string(content), "\n"), "\n")
	assert.Equal(t, len(lines), 2)
	assert.Equal(t, lines[0], "03/15/2024 09:30:45;z;17.svr;requestor=alice@login1 resources_released=(nodeA:ncpus=4)")
	assert.Equal(t, lines[1], "03/15/2024 09:30:45;r;17.svr;requestor=alice@login1")
}

func TestRecordRollsAtMidnight(t *testing.T) {
	dir := t.TempDir()
	times := []time.Time{
		time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC),
		time.Date(2024, 3, 16, 0, 0, 1, 0, time.UTC),
	}
	idx := 0
	rec, err := newFileRecorder(dir, 16, func() time.Time {
		when := times[idx]
		if idx < len(times)-1 {
			idx++
		}
		return when
	})
	assert.NilError(t, err)

	rec.Record(RecordQueued, "1.svr", "queue=batch")
	rec.Record(RecordStarted, "1.svr", "exec_vnode=(nodeA:ncpus=2)")
	rec.Stop()

	dayOne, err := os.ReadFile(filepath.Join(dir, "20240315"))
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(dayOne), ";Q;1.svr;"))

	dayTwo, err := os.ReadFile(filepath.Join(dir, "20240316"))
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(dayTwo), ";S;1.svr;"))
}

func TestStopDrainsQueue(t *testing.T) {
	dir := t.TempDir()
	when := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	rec, err := newFileRecorder(dir, 64, func() time.Time { return when })
	assert.NilError(t, err)

	for i := 0; i < 50; i++ {
		rec.Record(RecordEnded, "2.svr", "Exit_status=0")
	}
	rec.Stop()

	content, err := os.ReadFile(filepath.Join(dir, "20240315"))
	assert.NilError(t, err)
	assert.Equal(t, strings.Count(string(content), "\n"), 50)
}

func TestNopRecorder(t *testing.T) {
	var r Recorder = NopRecorder{}
	r.Record(RecordDeleted, "3.svr", "requestor=ops@mgmt")
}
