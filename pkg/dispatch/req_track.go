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

package dispatch

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// TrackRecord is one job-location breadcrumb. Servers exchange these as
// jobs route through the complex; locate requests for jobs that moved
// away are answered from this table.
type TrackRecord struct {
	JobID    string    `json:"jobID"`
	Hopcount uint64    `json:"hopcount"`
	Location string    `json:"location"`
	State    string    `json:"state"`
	Updated  time.Time `json:"updated"`
}

// reqTrackJob updates the tracking table. A record only advances, a stale
// hop count is acknowledged and dropped.
func (d *Dispatcher) reqTrackJob(_ *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.TrackBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "track request carries no body"))
		return
	}
	if body.JobID == "" {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "track request names no job"))
		return
	}
	d.Lock()
	existing, found := d.tracked[body.JobID]
	fresh := !found || body.Hopcount >= existing.Hopcount
	if fresh {
		d.tracked[body.JobID] = &TrackRecord{
			JobID:    body.JobID,
			Hopcount: body.Hopcount,
			Location: body.Location,
			State:    body.State,
			Updated:  time.Now(),
		}
	}
	d.Unlock()
	if fresh {
		log.Log(log.Dispatch).Debug("job tracked",
			zap.String("jobID", body.JobID),
			zap.String("location", body.Location),
			zap.Uint64("hopcount", body.Hopcount))
	}
	d.finish(rq, wire.NullReply())
}

func (d *Dispatcher) trackedLocation(jobID string) (string, bool) {
	d.RLock()
	defer d.RUnlock()
	if rec, ok := d.tracked[jobID]; ok && rec.Location != "" {
		return rec.Location, true
	}
	return "", false
}

// TrackInfos snapshots the tracking table for the REST view.
func (d *Dispatcher) TrackInfos() []TrackRecord {
	d.RLock()
	defer d.RUnlock()
	records := make([]TrackRecord, 0, len(d.tracked))
	for _, rec := range d.tracked {
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].JobID < records[j].JobID })
	return records
}
