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
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/configs"
	"github.com/kestrel-hpc/kestrel-core/pkg/deferred"
	"github.com/kestrel-hpc/kestrel-core/pkg/dispatch"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/webservice/dao"
)

const (
	stateLogCallDepth = 2
)

var stateDump sync.Mutex // ensures only one state dump can be handled at a time

type AggregatedStateInfo struct {
	Timestamp   int64                     `json:"timestamp,omitempty"`
	Server      *dao.ServerDAOInfo        `json:"server,omitempty"`
	Connections []registry.ConnectionInfo `json:"connections,omitempty"`
	Requests    []registry.RequestInfo    `json:"requests,omitempty"`
	Jobs        []*dao.JobDAOInfo         `json:"jobs,omitempty"`
	Nodes       []*dao.NodeDAOInfo        `json:"nodes,omitempty"`
	Relays      []deferred.RelayInfo      `json:"relays,omitempty"`
	Tracking    []dispatch.TrackRecord    `json:"tracking,omitempty"`
	History     []*dao.HistoryDAOInfo     `json:"history,omitempty"`
	Config      map[string]string         `json:"config,omitempty"`
}

func getFullStateDump(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	if err := doStateDump(w); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func doStateDump(w io.Writer) error {
	stateDump.Lock()
	defer stateDump.Unlock()

	var jobsDao []*dao.JobDAOInfo
	for _, job := range coreContext.Jobs.Jobs() {
		jobsDao = append(jobsDao, getJobDAO(job))
	}
	var nodesDao []*dao.NodeDAOInfo
	for _, node := range coreContext.Nodes.Nodes() {
		nodesDao = append(nodesDao, getNodeDAO(node))
	}
	var historyDao []*dao.HistoryDAOInfo
	lock.RLock()
	if imHistory != nil {
		historyDao = getHistoryDAO(imHistory.GetRecords())
	}
	lock.RUnlock()

	var aggregated = AggregatedStateInfo{
		Timestamp:   time.Now().UnixNano(),
		Server:      getServerDAO(),
		Connections: coreContext.Registry.ConnectionInfos(),
		Requests:    coreContext.Registry.RequestInfos(),
		Jobs:        jobsDao,
		Nodes:       nodesDao,
		Relays:      coreContext.Dispatcher.Engine().PendingInfos(),
		Tracking:    coreContext.Dispatcher.TrackInfos(),
		History:     historyDao,
		Config:      configs.GetConfigMap(),
	}

	var prettyJSON []byte
	var err error
	prettyJSON, err = json.MarshalIndent(aggregated, "", "  ")
	if err != nil {
		return err
	}

	stateLog := log.New(w, "", 0)
	if err = stateLog.Output(stateLogCallDepth, string(prettyJSON)); err != nil {
		return err
	}

	return nil
}
