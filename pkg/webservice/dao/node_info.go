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

type NodeDAOInfo struct {
	NodeID          string           `json:"nodeID"` // no omitempty, node id should not be empty
	State           string           `json:"state,omitempty"`
	Capacity        map[string]int64 `json:"capacity,omitempty"`
	Assigned        map[string]int64 `json:"assigned,omitempty"`
	InMaintenance   bool             `json:"inMaintenance"` // no omitempty, a false value shows the node is usable
	MaintenanceJobs []string         `json:"maintenanceJobs,omitempty"`
}
