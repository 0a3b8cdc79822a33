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

package webservice

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/configs"
	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics/history"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/webservice/dao"
	"github.com/kestrel-hpc/kestrel-core/pkg/webservice/healthcheck"
)

func writeHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Allow-Methods", "GET,POST,HEAD,OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "X-Requested-With,Content-Type,Accept,Origin")
}

func buildJSONErrorResponse(w http.ResponseWriter, detail string, code int) {
	w.WriteHeader(code)
	errorInfo := dao.NewAPIError(code, detail)
	if jsonErr := json.NewEncoder(w).Encode(errorInfo); jsonErr != nil {
		log.Log(log.Webservice).Error(fmt.Sprintf("Problem in sending error response in JSON format. Error response: %s", detail))
	}
}

func getServerHealth(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	healthInfo := healthcheck.GetServerHealthStatus(
		metrics.GetRelayMetrics(), coreContext.Nodes, coreContext.Dispatcher.Draining())
	if !healthInfo.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(healthInfo); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getServerInfo(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	serverInfo := getServerDAO()
	if err := json.NewEncoder(w).Encode(serverInfo); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getConnections(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	if err := json.NewEncoder(w).Encode(coreContext.Registry.ConnectionInfos()); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getRequests(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	if err := json.NewEncoder(w).Encode(coreContext.Registry.RequestInfos()); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getJobs(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	queueName := r.URL.Query().Get("queue")
	var jobsDao []*dao.JobDAOInfo
	for _, job := range coreContext.Jobs.Jobs() {
		if queueName != "" && job.Queue != queueName {
			continue
		}
		jobsDao = append(jobsDao, getJobDAO(job))
	}
	if err := json.NewEncoder(w).Encode(jobsDao); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getNodes(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	var nodesDao []*dao.NodeDAOInfo
	for _, node := range coreContext.Nodes.Nodes() {
		nodesDao = append(nodesDao, getNodeDAO(node))
	}
	if err := json.NewEncoder(w).Encode(nodesDao); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getRelays(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	if err := json.NewEncoder(w).Encode(coreContext.Dispatcher.Engine().PendingInfos()); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getTracking(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	if err := json.NewEncoder(w).Encode(coreContext.Dispatcher.TrackInfos()); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getHistory(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	lock.RLock()
	defer lock.RUnlock()
	if imHistory == nil {
		buildJSONErrorResponse(w, "Internal metrics collection is not enabled.", http.StatusInternalServerError)
		return
	}
	if err := json.NewEncoder(w).Encode(getHistoryDAO(imHistory.GetRecords())); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getServerConfig(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	if err := json.NewEncoder(w).Encode(configs.GetConfigMap()); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getStackInfo(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	var stack = func() []byte {
		buf := make([]byte, 1024)
		for {
			n := runtime.Stack(buf, true)
			if n < len(buf) {
				return buf[:n]
			}
			buf = make([]byte, 2*len(buf))
		}
	}
	if _, err := w.Write(stack()); err != nil {
		log.Log(log.Webservice).Error("GetStackInfo error", zap.Error(err))
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func getServerDAO() *dao.ServerDAOInfo {
	state := "Active"
	if coreContext.Dispatcher.Draining() {
		state = "Terminating"
	}
	return &dao.ServerDAOInfo{
		ServerHost:    coreContext.ServerHost,
		State:         state,
		StartTime:     coreContext.StartTime,
		Connections:   coreContext.Registry.ConnectionCount(),
		Requests:      coreContext.Registry.RequestCount(),
		Jobs:          len(coreContext.Jobs.Jobs()),
		PendingRelays: coreContext.Dispatcher.Engine().PendingCount(),
		TrackedJobs:   len(coreContext.Dispatcher.TrackInfos()),
		LockTracking:  locking.IsTrackingEnabled(),
	}
}

func getJobDAO(job *objects.Job) *dao.JobDAOInfo {
	releasedVnode, _ := job.ReleasedResources()
	jobDao := &dao.JobDAOInfo{
		JobID:             job.ID,
		Owner:             job.Owner,
		Queue:             job.Queue,
		State:             job.CurrentState(),
		Suspended:         job.HasFlag(objects.FlagSuspended),
		AdminSuspended:    job.HasFlag(objects.FlagAdminSuspended),
		ExecVnode:         job.ExecVnode(),
		ReleasedResources: releasedVnode,
		Comment:           job.Comment(),
		IsArray:           job.IsArray(),
		StateLog:          getStateLogDAO(job),
	}
	if origin := job.SuspendOrigin(); origin != objects.SuspendNone {
		jobDao.SuspendOrigin = origin.String()
	}
	for _, idx := range job.Indices() {
		if sub, ok := job.Subjob(idx); ok {
			jobDao.Subjobs = append(jobDao.Subjobs, getJobDAO(sub))
		}
	}
	return jobDao
}

func getStateLogDAO(job *objects.Job) []*dao.StateTransitionDAOInfo {
	entries := job.StateLog()
	stateLog := make([]*dao.StateTransitionDAOInfo, 0, len(entries))
	for _, entry := range entries {
		stateLog = append(stateLog, &dao.StateTransitionDAOInfo{
			Time:  entry.Time,
			State: entry.JobState,
		})
	}
	return stateLog
}

func getNodeDAO(node *objects.Node) *dao.NodeDAOInfo {
	assigned := node.AssignedSnapshot()
	state := "free"
	for _, amount := range assigned {
		if amount != 0 {
			state = "job-busy"
			break
		}
	}
	if node.InMaintenance() {
		state = "maintenance"
	}
	return &dao.NodeDAOInfo{
		NodeID:          node.Name,
		State:           state,
		Capacity:        node.Capacity,
		Assigned:        assigned,
		InMaintenance:   node.InMaintenance(),
		MaintenanceJobs: node.MaintenanceJobs(),
	}
}

func getHistoryDAO(records []*history.MetricsRecord) []*dao.HistoryDAOInfo {
	result := make([]*dao.HistoryDAOInfo, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		result = append(result, &dao.HistoryDAOInfo{
			Timestamp:        record.Timestamp.UnixNano(),
			TotalConnections: record.TotalConnections,
			TotalRequests:    record.TotalRequests,
		})
	}
	return result
}
