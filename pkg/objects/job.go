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

// Package objects holds the job model the request core mutates: the job
// lifecycle state machine, array subjob bookkeeping, exec_vnode parsing and
// the store interfaces the handlers consume.
package objects

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
)

// JobFlags is the server-side flag bitfield persisted with the job.
type JobFlags uint32

const (
	FlagSuspended JobFlags = 1 << iota
	FlagAdminSuspended
)

// SuspendOrigin records who initiated the suspend that is currently in
// effect, it selects the accounting flavor and the resume permission path.
type SuspendOrigin int

const (
	SuspendNone SuspendOrigin = iota
	SuspendByUser
	SuspendByServer
)

func (so SuspendOrigin) String() string {
	return [...]string{"None", "User", "Server"}[so]
}

// StateLogEntry records one lifecycle transition.
type StateLogEntry struct {
	Time     time.Time
	JobState string
}

// arrayInfo is the subjob table of an array parent. The table has a fixed
// length, slots are never reused once filled.
type arrayInfo struct {
	indices []int
	slots   map[int]int
	table   []*Job
}

// Job is one batch job as seen by the request core. Mutation happens on the
// dispatcher goroutine, the lock covers concurrent reads from the REST view.
// State events must be fired without holding the lock.
type Job struct {
	ID    string
	Owner string
	Queue string

	stateMachine *fsm.FSM
	stateLog     []*StateLogEntry

	flags         JobFlags
	suspendOrigin SuspendOrigin
	execVnode     string
	releasedVnode string
	releasedList  map[string]int64
	comment       string

	array         *arrayInfo
	preemptNotify func(err error)

	locking.RWMutex
}

func NewJob(id, owner string) *Job {
	job := &Job{
		ID:    id,
		Owner: owner,
	}
	job.stateMachine = NewJobState()
	return job
}

// NewArrayJob creates an array parent with the given subjob index set. The
// parent id carries the empty bracket pair by convention ("17[].svr").
func NewArrayJob(id, owner string, indices []int) *Job {
	job := NewJob(id, owner)
	info := &arrayInfo{
		indices: append([]int(nil), indices...),
		slots:   make(map[int]int, len(indices)),
		table:   make([]*Job, len(indices)),
	}
	for offset, index := range info.indices {
		info.slots[index] = offset
	}
	job.array = info
	return job
}

// HandleJobEvent fires one lifecycle event. A same-state transition is not
// an error.
func (j *Job) HandleJobEvent(event jobEvent) error {
	err := j.stateMachine.Event(context.Background(), event.String(), j)
	if err != nil && err.Error() == noTransition {
		return nil
	}
	return err
}

func (j *Job) CurrentState() string {
	return j.stateMachine.Current()
}

func (j *Job) Is(state JobState) bool {
	return j.stateMachine.Is(state.String())
}

func (j *Job) onStateChange(dst string) {
	j.Lock()
	defer j.Unlock()
	j.stateLog = append(j.stateLog, &StateLogEntry{Time: time.Now(), JobState: dst})
}

// StateLog returns a copy of the transition history.
func (j *Job) StateLog() []*StateLogEntry {
	j.RLock()
	defer j.RUnlock()
	return append([]*StateLogEntry(nil), j.stateLog...)
}

func (j *Job) SetFlag(flag JobFlags) {
	j.Lock()
	defer j.Unlock()
	j.flags |= flag
}

func (j *Job) ClearFlag(flag JobFlags) {
	j.Lock()
	defer j.Unlock()
	j.flags &^= flag
}

func (j *Job) HasFlag(flag JobFlags) bool {
	j.RLock()
	defer j.RUnlock()
	return j.flags&flag != 0
}

func (j *Job) SetSuspendOrigin(origin SuspendOrigin) {
	j.Lock()
	defer j.Unlock()
	j.suspendOrigin = origin
}

func (j *Job) SuspendOrigin() SuspendOrigin {
	j.RLock()
	defer j.RUnlock()
	return j.suspendOrigin
}

func (j *Job) SetExecVnode(execVnode string) {
	j.Lock()
	defer j.Unlock()
	j.execVnode = execVnode
}

func (j *Job) ExecVnode() string {
	j.RLock()
	defer j.RUnlock()
	return j.execVnode
}

// SetReleasedResources stores the released exec_vnode string and the summed
// per-resource amounts computed on suspend.
func (j *Job) SetReleasedResources(vnode string, list map[string]int64) {
	j.Lock()
	defer j.Unlock()
	j.releasedVnode = vnode
	j.releasedList = list
}

func (j *Job) ReleasedResources() (string, map[string]int64) {
	j.RLock()
	defer j.RUnlock()
	return j.releasedVnode, j.releasedList
}

func (j *Job) ClearReleasedResources() {
	j.Lock()
	defer j.Unlock()
	j.releasedVnode = ""
	j.releasedList = nil
}

func (j *Job) SetComment(comment string) {
	j.Lock()
	defer j.Unlock()
	j.comment = comment
}

func (j *Job) Comment() string {
	j.RLock()
	defer j.RUnlock()
	return j.comment
}

// SetPreemptionPending arms the preemption callback fired when the in-flight
// suspend settles. The dispatcher sets it on scheduler-driven suspends.
func (j *Job) SetPreemptionPending(notify func(err error)) {
	j.Lock()
	defer j.Unlock()
	j.preemptNotify = notify
}

// NotifyPreemption fires and clears the pending preemption callback. Returns
// false when none was armed. The callback runs without holding the job lock.
func (j *Job) NotifyPreemption(err error) bool {
	j.Lock()
	notify := j.preemptNotify
	j.preemptNotify = nil
	j.Unlock()
	if notify == nil {
		return false
	}
	notify(err)
	return true
}

func (j *Job) IsArray() bool {
	return j.array != nil
}

// Indices returns the declared subjob index set of an array parent.
func (j *Job) Indices() []int {
	if j.array == nil {
		return nil
	}
	return append([]int(nil), j.array.indices...)
}

func (j *Job) HasIndex(index int) bool {
	if j.array == nil {
		return false
	}
	_, ok := j.array.slots[index]
	return ok
}

// SubjobID derives the id of one subjob from the parent id.
func (j *Job) SubjobID(index int) string {
	if pos := strings.Index(j.ID, "[]"); pos >= 0 {
		return fmt.Sprintf("%s[%d]%s", j.ID[:pos], index, j.ID[pos+2:])
	}
	return fmt.Sprintf("%s[%d]", j.ID, index)
}

// AddSubjob fills the slot for one declared index. Slots are write-once.
func (j *Job) AddSubjob(index int, sub *Job) error {
	if j.array == nil {
		return fmt.Errorf("job %s is not an array", j.ID)
	}
	j.Lock()
	defer j.Unlock()
	offset, ok := j.array.slots[index]
	if !ok {
		return fmt.Errorf("index %d not declared on array %s", index, j.ID)
	}
	if j.array.table[offset] != nil {
		return fmt.Errorf("subjob slot %d of %s already filled", index, j.ID)
	}
	j.array.table[offset] = sub
	return nil
}

// Subjob returns the instantiated subjob for a declared index.
func (j *Job) Subjob(index int) (*Job, bool) {
	if j.array == nil {
		return nil, false
	}
	j.RLock()
	defer j.RUnlock()
	offset, ok := j.array.slots[index]
	if !ok || j.array.table[offset] == nil {
		return nil, false
	}
	return j.array.table[offset], true
}

// Subjobs returns the instantiated subjobs in table order.
func (j *Job) Subjobs() []*Job {
	if j.array == nil {
		return nil
	}
	j.RLock()
	defer j.RUnlock()
	subs := make([]*Job, 0, len(j.array.table))
	for _, sub := range j.array.table {
		if sub != nil {
			subs = append(subs, sub)
		}
	}
	return subs
}
