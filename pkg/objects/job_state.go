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

package objects

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

const noTransition = "no transition"

// ----------------------------------
// job events
// ----------------------------------
type jobEvent int

const (
	EnqueueJob jobEvent = iota
	ProvisionJob
	RunJob
	SuspendJob
	RequestResume
	ResumeJob
	ExitJob
	FinishJob
)

func (je jobEvent) String() string {
	return [...]string{"enqueueJob", "provisionJob", "runJob", "suspendJob", "requestResume", "resumeJob", "exitJob", "finishJob"}[je]
}

// ----------------------------------
// job states
// ----------------------------------
type JobState int

const (
	New JobState = iota
	Queued
	Provisioning
	Running
	Suspended
	ResumePending
	Exiting
	Finished
)

func (js JobState) String() string {
	return [...]string{"New", "Queued", "Provisioning", "Running", "Suspended", "ResumePending", "Exiting", "Finished"}[js]
}

// NewJobState builds the lifecycle machine. ResumePending marks a suspended
// job whose owner asked for a resume that only the scheduler may confirm.
func NewJobState() *fsm.FSM {
	return fsm.NewFSM(
		New.String(), fsm.Events{
			{
				Name: EnqueueJob.String(),
				Src:  []string{New.String()},
				Dst:  Queued.String(),
			}, {
				Name: ProvisionJob.String(),
				Src:  []string{Queued.String()},
				Dst:  Provisioning.String(),
			}, {
				Name: RunJob.String(),
				Src:  []string{Queued.String(), Provisioning.String()},
				Dst:  Running.String(),
			}, {
				Name: SuspendJob.String(),
				Src:  []string{Running.String()},
				Dst:  Suspended.String(),
			}, {
				Name: RequestResume.String(),
				Src:  []string{Suspended.String()},
				Dst:  ResumePending.String(),
			}, {
				Name: ResumeJob.String(),
				Src:  []string{Suspended.String(), ResumePending.String()},
				Dst:  Running.String(),
			}, {
				Name: ExitJob.String(),
				Src:  []string{Running.String(), Suspended.String(), ResumePending.String()},
				Dst:  Exiting.String(),
			}, {
				Name: FinishJob.String(),
				Src:  []string{Exiting.String()},
				Dst:  Finished.String(),
			},
		},
		fsm.Callbacks{
			// The first event argument must always be a *Job.
			"enter_state": func(_ context.Context, event *fsm.Event) {
				job := event.Args[0].(*Job) //nolint:errcheck
				log.Log(log.Objects).Info("job state transition",
					zap.String("jobID", job.ID),
					zap.String("source", event.Src),
					zap.String("destination", event.Dst),
					zap.String("event", event.Event))
				job.onStateChange(event.Dst)
			},
		},
	)
}
