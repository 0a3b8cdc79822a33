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

package dao

import "time"

type JobDAOInfo struct {
	JobID             string                    `json:"jobID"` // no omitempty, job id should not be empty
	Owner             string                    `json:"owner,omitempty"`
	Queue             string                    `json:"queue,omitempty"`
	State             string                    `json:"state,omitempty"`
	Suspended         bool                      `json:"suspended"` // no omitempty, a quick way to spot a parked job
	AdminSuspended    bool                      `json:"adminSuspended"`
	SuspendOrigin     string                    `json:"suspendOrigin,omitempty"`
	ExecVnode         string                    `json:"execVnode,omitempty"`
	ReleasedResources string                    `json:"releasedResources,omitempty"`
	Comment           string                    `json:"comment,omitempty"`
	IsArray           bool                      `json:"isArray"`
	Subjobs           []*JobDAOInfo             `json:"subjobs,omitempty"`
	StateLog          []*StateTransitionDAOInfo `json:"stateLog,omitempty"`
}

type StateTransitionDAOInfo struct {
	Time  time.Time `json:"time"`
	State string    `json:"state"`
}
