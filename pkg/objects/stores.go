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
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/locking"
	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

// JobStore is the job persistence surface the request core consumes. The
// wider system owns durable storage, this core only needs lookup and save.
type JobStore interface {
	FindJob(id string) (*Job, bool)
	Save(job *Job) error
	Jobs() []*Job
}

// NodeStore is the node-side surface of suspend and resume: resource
// accounting against exec_vnode chunks, the maintenance flag for
// admin-suspended jobs and re-notification of nodes that fall back into use.
type NodeStore interface {
	FindNode(name string) (*Node, bool)
	Nodes() []*Node
	// AssignChunks re-acquires the chunk resources, all or nothing. It
	// returns the nodes that were fully idle before the assignment so the
	// caller can re-notify them.
	AssignChunks(chunks []Chunk) ([]string, error)
	ReleaseChunks(chunks []Chunk) error
	AddMaintenance(jobID string, chunks []Chunk) error
	RemoveMaintenance(jobID string, chunks []Chunk) error
	Renotify(nodes []string)
}

// SchedulerLiaison reaches the placement daemon associated with a job.
type SchedulerLiaison interface {
	FindAssociatedScheduler(jobID string) (string, bool)
	RequestReschedule(sched string) error
}

// Node is one execution node as tracked by the request core.
type Node struct {
	Name     string
	Capacity map[string]int64

	assigned        map[string]int64
	maintenanceJobs []string
	saves           int

	locking.RWMutex
}

func NewNode(name string, capacity map[string]int64) *Node {
	return &Node{
		Name:     name,
		Capacity: capacity,
		assigned: make(map[string]int64),
	}
}

func (n *Node) AssignedOf(resource string) int64 {
	n.RLock()
	defer n.RUnlock()
	return n.assigned[resource]
}

// AssignedSnapshot copies the in-use amounts, for comparisons in tests and
// the REST view.
func (n *Node) AssignedSnapshot() map[string]int64 {
	n.RLock()
	defer n.RUnlock()
	snapshot := make(map[string]int64, len(n.assigned))
	for name, amount := range n.assigned {
		snapshot[name] = amount
	}
	return snapshot
}

func (n *Node) idle() bool {
	for _, amount := range n.assigned {
		if amount != 0 {
			return false
		}
	}
	return true
}

// MaintenanceJobs lists the admin-suspended jobs holding this node in
// maintenance.
func (n *Node) MaintenanceJobs() []string {
	n.RLock()
	defer n.RUnlock()
	return append([]string(nil), n.maintenanceJobs...)
}

func (n *Node) InMaintenance() bool {
	n.RLock()
	defer n.RUnlock()
	return len(n.maintenanceJobs) > 0
}

// Saves counts the persisted writes of this node.
func (n *Node) Saves() int {
	n.RLock()
	defer n.RUnlock()
	return n.saves
}

// JobTable is the in-process JobStore.
type JobTable struct {
	jobs  map[string]*Job
	saves map[string]int

	locking.RWMutex
}

func NewJobTable() *JobTable {
	return &JobTable{
		jobs:  make(map[string]*Job),
		saves: make(map[string]int),
	}
}

func (t *JobTable) AddJob(job *Job) error {
	t.Lock()
	defer t.Unlock()
	if _, ok := t.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	t.jobs[job.ID] = job
	return nil
}

func (t *JobTable) RemoveJob(id string) {
	t.Lock()
	defer t.Unlock()
	delete(t.jobs, id)
}

func (t *JobTable) FindJob(id string) (*Job, bool) {
	t.RLock()
	defer t.RUnlock()
	job, ok := t.jobs[id]
	return job, ok
}

func (t *JobTable) Save(job *Job) error {
	t.Lock()
	defer t.Unlock()
	t.saves[job.ID]++
	return nil
}

// SaveCount reports how often a job was persisted.
func (t *JobTable) SaveCount(id string) int {
	t.RLock()
	defer t.RUnlock()
	return t.saves[id]
}

func (t *JobTable) Jobs() []*Job {
	t.RLock()
	defer t.RUnlock()
	jobs := make([]*Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs
}

// NodeTable is the in-process NodeStore.
type NodeTable struct {
	nodes      map[string]*Node
	renotified []string

	locking.RWMutex
}

func NewNodeTable() *NodeTable {
	return &NodeTable{nodes: make(map[string]*Node)}
}

func (t *NodeTable) AddNode(node *Node) error {
	t.Lock()
	defer t.Unlock()
	if _, ok := t.nodes[node.Name]; ok {
		return fmt.Errorf("node %s already exists", node.Name)
	}
	t.nodes[node.Name] = node
	return nil
}

func (t *NodeTable) FindNode(name string) (*Node, bool) {
	t.RLock()
	defer t.RUnlock()
	node, ok := t.nodes[name]
	return node, ok
}

func (t *NodeTable) Nodes() []*Node {
	t.RLock()
	defer t.RUnlock()
	nodes := make([]*Node, 0, len(t.nodes))
	for _, node := range t.nodes {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	return nodes
}

// AssignChunks checks capacity across every chunk before applying anything,
// a failing chunk leaves all counters untouched.
func (t *NodeTable) AssignChunks(chunks []Chunk) ([]string, error) {
	t.Lock()
	defer t.Unlock()
	type delta struct {
		node     *Node
		resource string
		amount   int64
	}
	var deltas []delta
	pending := make(map[*Node]map[string]int64)
	for _, chunk := range chunks {
		node, ok := t.nodes[chunk.Node]
		if !ok {
			return nil, fmt.Errorf("unknown node %s in exec_vnode", chunk.Node)
		}
		for _, res := range chunk.Resources {
			amount, err := ParseQuantity(res.Value)
			if err != nil || amount == 0 {
				continue
			}
			if pending[node] == nil {
				pending[node] = make(map[string]int64)
			}
			pending[node][res.Name] += amount
			deltas = append(deltas, delta{node: node, resource: res.Name, amount: amount})
		}
	}
	for node, resources := range pending {
		node.RLock()
		for resource, amount := range resources {
			capacity, capped := node.Capacity[resource]
			if capped && node.assigned[resource]+amount > capacity {
				node.RUnlock()
				return nil, fmt.Errorf("node %s over capacity on %s", node.Name, resource)
			}
		}
		node.RUnlock()
	}
	var wasIdle []string
	seen := make(map[*Node]bool)
	for _, d := range deltas {
		if !seen[d.node] {
			seen[d.node] = true
			d.node.Lock()
			if d.node.idle() {
				wasIdle = append(wasIdle, d.node.Name)
			}
			d.node.Unlock()
		}
	}
	for _, d := range deltas {
		d.node.Lock()
		d.node.assigned[d.resource] += d.amount
		d.node.saves++
		d.node.Unlock()
	}
	sort.Strings(wasIdle)
	return wasIdle, nil
}

func (t *NodeTable) ReleaseChunks(chunks []Chunk) error {
	t.Lock()
	defer t.Unlock()
	for _, chunk := range chunks {
		node, ok := t.nodes[chunk.Node]
		if !ok {
			return fmt.Errorf("unknown node %s in exec_vnode", chunk.Node)
		}
		node.Lock()
		for _, res := range chunk.Resources {
			amount, err := ParseQuantity(res.Value)
			if err != nil || amount == 0 {
				continue
			}
			if node.assigned[res.Name] < amount {
				log.Log(log.Objects).Warn("resource release below zero, clamping",
					zap.String("node", node.Name),
					zap.String("resource", res.Name),
					zap.Int64("assigned", node.assigned[res.Name]),
					zap.Int64("release", amount))
				node.assigned[res.Name] = 0
				continue
			}
			node.assigned[res.Name] -= amount
		}
		node.saves++
		node.Unlock()
	}
	return nil
}

func (t *NodeTable) AddMaintenance(jobID string, chunks []Chunk) error {
	return t.editMaintenance(jobID, chunks, true)
}

func (t *NodeTable) RemoveMaintenance(jobID string, chunks []Chunk) error {
	return t.editMaintenance(jobID, chunks, false)
}

func (t *NodeTable) editMaintenance(jobID string, chunks []Chunk, add bool) error {
	t.Lock()
	defer t.Unlock()
	touched := make(map[*Node]bool)
	for _, chunk := range chunks {
		node, ok := t.nodes[chunk.Node]
		if !ok {
			log.Log(log.Objects).Warn("maintenance edit for unknown node",
				zap.String("node", chunk.Node),
				zap.String("jobID", jobID))
			continue
		}
		touched[node] = true
	}
	for node := range touched {
		node.Lock()
		if add {
			node.maintenanceJobs = appendUnique(node.maintenanceJobs, jobID)
		} else {
			node.maintenanceJobs = removeString(node.maintenanceJobs, jobID)
		}
		node.saves++
		node.Unlock()
	}
	return nil
}

// Renotify records nodes that must be told they are back in use. The wider
// system turns this into a cluster update to the execution daemons.
func (t *NodeTable) Renotify(nodes []string) {
	if len(nodes) == 0 {
		return
	}
	t.Lock()
	defer t.Unlock()
	t.renotified = append(t.renotified, nodes...)
	log.Log(log.Objects).Info("nodes re-notified after resume",
		zap.Strings("nodes", nodes))
}

// Renotified lists the recorded re-notifications.
func (t *NodeTable) Renotified() []string {
	t.RLock()
	defer t.RUnlock()
	return append([]string(nil), t.renotified...)
}

func appendUnique(list []string, value string) []string {
	for _, existing := range list {
		if existing == value {
			return list
		}
	}
	return append(list, value)
}

func removeString(list []string, value string) []string {
	kept := list[:0]
	for _, existing := range list {
		if existing != value {
			kept = append(kept, existing)
		}
	}
	return kept
}

// SchedulerDirectory is the in-process SchedulerLiaison: a job→scheduler
// association map and a reschedule ping recorder with an optional hook.
type SchedulerDirectory struct {
	defaultSched string
	byJob        map[string]string
	pings        []string
	pingHook     func(sched string) error

	locking.Mutex
}

func NewSchedulerDirectory(defaultSched string) *SchedulerDirectory {
	return &SchedulerDirectory{
		defaultSched: defaultSched,
		byJob:        make(map[string]string),
	}
}

func (d *SchedulerDirectory) Associate(jobID, sched string) {
	d.Lock()
	defer d.Unlock()
	d.byJob[jobID] = sched
}

// SetPingHook installs the transport used to reach a scheduler. Without a
// hook pings are only recorded.
func (d *SchedulerDirectory) SetPingHook(hook func(sched string) error) {
	d.Lock()
	defer d.Unlock()
	d.pingHook = hook
}

func (d *SchedulerDirectory) FindAssociatedScheduler(jobID string) (string, bool) {
	d.Lock()
	defer d.Unlock()
	if sched, ok := d.byJob[jobID]; ok {
		return sched, true
	}
	if d.defaultSched != "" {
		return d.defaultSched, true
	}
	return "", false
}

func (d *SchedulerDirectory) RequestReschedule(sched string) error {
	d.Lock()
	d.pings = append(d.pings, sched)
	hook := d.pingHook
	d.Unlock()
	if hook != nil {
		return hook(sched)
	}
	log.Log(log.Objects).Debug("scheduler reschedule requested",
		zap.String("scheduler", sched))
	return nil
}

// Pings lists the recorded reschedule requests.
func (d *SchedulerDirectory) Pings() []string {
	d.Lock()
	defer d.Unlock()
	return append([]string(nil), d.pings...)
}
