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

package healthcheck

import (
	"fmt"

	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
	"github.com/kestrel-hpc/kestrel-core/pkg/metrics"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/webservice/dao"
)

// GetServerHealthStatus runs the internal consistency checks and bundles
// the outcome for the REST health endpoint.
func GetServerHealthStatus(relayMetrics *metrics.RelayMetrics, nodes objects.NodeStore, draining bool) dao.ServerHealthDAOInfo {
	var healthInfos []dao.HealthCheckInfo
	healthInfos = append(healthInfos, checkDeadlocks())
	healthInfos = append(healthInfos, checkFailedRelays(relayMetrics))
	healthInfos = append(healthInfos, checkNodeConsistency(nodes)...)
	healthInfos = append(healthInfos, checkDraining(draining))
	healthy := true
	for _, h := range healthInfos {
		if !h.Succeeded {
			healthy = false
			break
		}
	}
	return dao.ServerHealthDAOInfo{
		Healthy:      healthy,
		HealthChecks: healthInfos,
	}
}

func CreateCheckInfo(succeeded bool, name, description, message string) dao.HealthCheckInfo {
	return dao.HealthCheckInfo{
		Name:             name,
		Succeeded:        succeeded,
		Description:      description,
		DiagnosisMessage: message,
	}
}

func checkDeadlocks() dao.HealthCheckInfo {
	detected := locking.IsDeadlockDetected()
	diagnosisMsg := "No deadlock reported by the lock tracker"
	if detected {
		diagnosisMsg = "The lock tracker reported a potential deadlock, check the diagnostics log"
	}
	return CreateCheckInfo(!detected, "Deadlocks", "Check for deadlocks reported by the lock tracker", diagnosisMsg)
}

func checkFailedRelays(relayMetrics *metrics.RelayMetrics) dao.HealthCheckInfo {
	failedRelays, err := relayMetrics.GetFailedRelays()
	if err != nil {
		return CreateCheckInfo(false, "Failed relays", "Check for failed relay entries in metrics", err.Error())
	}
	diagnosisMsg := fmt.Sprintf("There were %v failed relays logged in the metrics", failedRelays)
	return CreateCheckInfo(failedRelays == 0, "Failed relays", "Check for failed relay entries in metrics", diagnosisMsg)
}

func checkNodeConsistency(nodes objects.NodeStore) []dao.HealthCheckInfo {
	// 1. no negative assigned amounts
	var nodesWithNegAssigned []string
	// 2. assigned <= capacity per resource
	var nodesOverCapacity []string
	// 3. assigned resources the node never declared
	var nodesWithUnknownResources []string

	for _, node := range nodes.Nodes() {
		assigned := node.AssignedSnapshot()
		for _, amount := range assigned {
			if amount < 0 {
				nodesWithNegAssigned = append(nodesWithNegAssigned, node.Name)
				break
			}
		}
		for res, amount := range assigned {
			capacity, known := node.Capacity[res]
			if !known && amount != 0 {
				nodesWithUnknownResources = append(nodesWithUnknownResources, node.Name)
				break
			}
			if amount > capacity {
				nodesOverCapacity = append(nodesOverCapacity, node.Name)
				break
			}
		}
	}
	var infos = make([]dao.HealthCheckInfo, 3)
	infos[0] = CreateCheckInfo(len(nodesWithNegAssigned) == 0, "Negative resources",
		"Check for negative assigned resources on the nodes",
		fmt.Sprintf("Nodes with negative assigned resources: %q", nodesWithNegAssigned))
	infos[1] = CreateCheckInfo(len(nodesOverCapacity) == 0, "Consistency of data",
		"Check if a node's assigned resources <= capacity of the node",
		fmt.Sprintf("Nodes with inconsistent data: %q", nodesOverCapacity))
	infos[2] = CreateCheckInfo(len(nodesWithUnknownResources) == 0, "Consistency of data",
		"Check if every assigned resource is declared in the node capacity",
		fmt.Sprintf("Nodes with inconsistent data: %q", nodesWithUnknownResources))
	return infos
}

func checkDraining(draining bool) dao.HealthCheckInfo {
	diagnosisMsg := "The server is accepting job-changing requests"
	if draining {
		diagnosisMsg = "The server is draining and refuses job-changing requests"
	}
	return CreateCheckInfo(!draining, "Server state", "Check if the server is draining", diagnosisMsg)
}
