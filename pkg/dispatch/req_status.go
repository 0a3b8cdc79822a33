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
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
	"github.com/kestrel-hpc/kestrel-core/pkg/objects"
	"github.com/kestrel-hpc/kestrel-core/pkg/registry"
	"github.com/kestrel-hpc/kestrel-core/pkg/wire"
)

// stateLetters maps lifecycle states to the single-letter job_state
// clients display. Provisioning shows as running, a pending resume still
// shows as suspended.
var stateLetters = map[string]string{
	objects.New.String():           "T",
	objects.Queued.String():        "Q",
	objects.Provisioning.String():  "R",
	objects.Running.String():       "R",
	objects.Suspended.String():     "S",
	objects.ResumePending.String(): "S",
	objects.Exiting.String():       "E",
	objects.Finished.String():      "F",
}

func stateLetter(job *objects.Job) string {
	if letter, ok := stateLetters[job.CurrentState()]; ok {
		return letter
	}
	return "T"
}

// attrFilter narrows a status entry to the attribute names the client
// asked for. An empty request list keeps everything.
type attrFilter map[string]bool

func newAttrFilter(attrs []wire.Attr) attrFilter {
	if len(attrs) == 0 {
		return nil
	}
	f := make(attrFilter, len(attrs))
	for _, a := range attrs {
		f[a.Name] = true
	}
	return f
}

func (f attrFilter) keep(name string) bool {
	return f == nil || f[name]
}

func (f attrFilter) apply(attrs []wire.Attr) []wire.Attr {
	if f == nil {
		return attrs
	}
	kept := make([]wire.Attr, 0, len(attrs))
	for _, a := range attrs {
		if f.keep(a.Name) {
			kept = append(kept, a)
		}
	}
	return kept
}

func buildJobEntry(job *objects.Job, filter attrFilter) wire.StatusEntry {
	attrs := []wire.Attr{
		{Name: "job_state", Value: stateLetter(job), Op: wire.OpSet},
		{Name: "Job_Owner", Value: job.Owner, Op: wire.OpSet},
	}
	if job.Queue != "" {
		attrs = append(attrs, wire.Attr{Name: "queue", Value: job.Queue, Op: wire.OpSet})
	}
	if vnode := job.ExecVnode(); vnode != "" {
		attrs = append(attrs, wire.Attr{Name: "exec_vnode", Value: vnode, Op: wire.OpSet})
	}
	if releasedVnode, _ := job.ReleasedResources(); releasedVnode != "" {
		attrs = append(attrs, wire.Attr{Name: "resources_released", Value: releasedVnode, Op: wire.OpSet})
	}
	if comment := job.Comment(); comment != "" {
		attrs = append(attrs, wire.Attr{Name: "comment", Value: comment, Op: wire.OpSet})
	}
	if job.IsArray() {
		attrs = append(attrs, wire.Attr{Name: "array", Value: "True", Op: wire.OpSet})
	}
	return wire.StatusEntry{
		ObjType: wire.ObjectJob,
		Name:    job.ID,
		Attrs:   filter.apply(attrs),
	}
}

// reqStatusJob answers job status for one job, one subjob, an array with
// its subjobs, a subjob range, or every job the server knows.
func (d *Dispatcher) reqStatusJob(_ *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.StatusBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "status request carries no body"))
		return
	}
	filter := newAttrFilter(body.Attrs)
	entries := make([]wire.StatusEntry, 0, 8)

	if body.ID == "" {
		for _, job := range d.jobs.Jobs() {
			entries = append(entries, buildJobEntry(job, filter))
			entries = append(entries, subjobEntries(job, job.Indices(), filter)...)
		}
		d.finish(rq, wire.StatusReply(entries))
		return
	}

	ref, err := objects.ParseJobRef(body.ID)
	if err != nil {
		d.reject(rq, err)
		return
	}
	if ref.Kind == objects.RefPlain {
		job, found := d.jobs.FindJob(ref.Raw)
		if !found {
			d.reject(rq, batcherr.Newf(batcherr.CodeUnknownJob, "unknown job %s", ref.Raw))
			return
		}
		d.finish(rq, wire.StatusReply([]wire.StatusEntry{buildJobEntry(job, filter)}))
		return
	}

	parent, found := d.jobs.FindJob(ref.ArrayID)
	if !found {
		d.reject(rq, batcherr.Newf(batcherr.CodeUnknownJob, "unknown job %s", ref.ArrayID))
		return
	}
	if !parent.IsArray() {
		d.reject(rq, batcherr.Newf(batcherr.CodeInvalidRequest,
			"job %s is not an array job", parent.ID))
		return
	}
	switch ref.Kind {
	case objects.RefArray:
		entries = append(entries, buildJobEntry(parent, filter))
		entries = append(entries, subjobEntries(parent, parent.Indices(), filter)...)
	case objects.RefSubjob:
		sub, found := parent.Subjob(ref.Index)
		if !found {
			d.reject(rq, batcherr.Newf(batcherr.CodeUnknownJob, "unknown subjob %s", ref.Raw))
			return
		}
		entries = append(entries, buildJobEntry(sub, filter))
	case objects.RefRange:
		entries = append(entries, subjobEntries(parent, ref.Indices, filter)...)
	}
	d.finish(rq, wire.StatusReply(entries))
}

func subjobEntries(job *objects.Job, indices []int, filter attrFilter) []wire.StatusEntry {
	if !job.IsArray() {
		return nil
	}
	entries := make([]wire.StatusEntry, 0, len(indices))
	for _, idx := range indices {
		if sub, ok := job.Subjob(idx); ok {
			entries = append(entries, buildJobEntry(sub, filter))
		}
	}
	return entries
}

// reqStatusQueue reports the queues jobs currently reference. Queues have
// no standalone object in this core, their view is derived from the jobs.
func (d *Dispatcher) reqStatusQueue(_ *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.StatusBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "status request carries no body"))
		return
	}
	filter := newAttrFilter(body.Attrs)
	byQueue := make(map[string][]*objects.Job)
	for _, job := range d.jobs.Jobs() {
		if job.Queue != "" {
			byQueue[job.Queue] = append(byQueue[job.Queue], job)
		}
	}
	names := make([]string, 0, len(byQueue))
	if body.ID != "" {
		if _, ok := byQueue[body.ID]; !ok {
			d.reject(rq, batcherr.Newf(batcherr.CodeInvalidRequest, "unknown queue %q", body.ID))
			return
		}
		names = append(names, body.ID)
	} else {
		for name := range byQueue {
			names = append(names, name)
		}
		sort.Strings(names)
	}
	entries := make([]wire.StatusEntry, 0, len(names))
	for _, name := range names {
		jobs := byQueue[name]
		attrs := []wire.Attr{
			{Name: "total_jobs", Value: strconv.Itoa(len(jobs)), Op: wire.OpSet},
			{Name: "state_count", Value: stateCount(jobs), Op: wire.OpSet},
		}
		entries = append(entries, wire.StatusEntry{
			ObjType: wire.ObjectQueue,
			Name:    name,
			Attrs:   filter.apply(attrs),
		})
	}
	d.finish(rq, wire.StatusReply(entries))
}

// reqStatusServer reports the server's own state.
func (d *Dispatcher) reqStatusServer(_ *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.StatusBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "status request carries no body"))
		return
	}
	filter := newAttrFilter(body.Attrs)
	state := "Active"
	if d.Draining() {
		state = "Terminating"
	}
	jobs := d.jobs.Jobs()
	attrs := []wire.Attr{
		{Name: "server_state", Value: state, Op: wire.OpSet},
		{Name: "total_jobs", Value: strconv.Itoa(len(jobs)), Op: wire.OpSet},
		{Name: "state_count", Value: stateCount(jobs), Op: wire.OpSet},
		{Name: "connections", Value: strconv.Itoa(d.registry.ConnectionCount()), Op: wire.OpSet},
	}
	entry := wire.StatusEntry{
		ObjType: wire.ObjectServer,
		Name:    d.serverHost,
		Attrs:   filter.apply(attrs),
	}
	d.finish(rq, wire.StatusReply([]wire.StatusEntry{entry}))
}

func stateCount(jobs []*objects.Job) string {
	counts := map[string]int{}
	for _, job := range jobs {
		counts[stateLetter(job)]++
	}
	return fmt.Sprintf("Transit:%d Queued:%d Running:%d Suspended:%d Exiting:%d Finished:%d",
		counts["T"], counts["Q"], counts["R"], counts["S"], counts["E"], counts["F"])
}

// reqStatusNode reports one node or all of them, with per-resource
// capacity and usage.
func (d *Dispatcher) reqStatusNode(_ *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.StatusBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "status request carries no body"))
		return
	}
	filter := newAttrFilter(body.Attrs)
	var nodes []*objects.Node
	if body.ID != "" {
		node, found := d.nodes.FindNode(body.ID)
		if !found {
			d.reject(rq, batcherr.Newf(batcherr.CodeUnknownNode, "unknown node %q", body.ID))
			return
		}
		nodes = []*objects.Node{node}
	} else {
		nodes = d.nodes.Nodes()
	}
	entries := make([]wire.StatusEntry, 0, len(nodes))
	for _, node := range nodes {
		entries = append(entries, buildNodeEntry(node, filter))
	}
	d.finish(rq, wire.StatusReply(entries))
}

func buildNodeEntry(node *objects.Node, filter attrFilter) wire.StatusEntry {
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
	attrs := []wire.Attr{{Name: "state", Value: state, Op: wire.OpSet}}
	for _, res := range sortedKeys(node.Capacity) {
		attrs = append(attrs, wire.Attr{
			Name:     "resources_available",
			Resource: res,
			Value:    strconv.FormatInt(node.Capacity[res], 10),
			Op:       wire.OpSet,
		})
	}
	for _, res := range sortedKeys(assigned) {
		attrs = append(attrs, wire.Attr{
			Name:     "resources_assigned",
			Resource: res,
			Value:    strconv.FormatInt(assigned[res], 10),
			Op:       wire.OpSet,
		})
	}
	if maint := node.MaintenanceJobs(); len(maint) > 0 {
		attrs = append(attrs, wire.Attr{
			Name:  "maintenance_jobs",
			Value: strings.Join(maint, ","),
			Op:    wire.OpSet,
		})
	}
	return wire.StatusEntry{
		ObjType: wire.ObjectNode,
		Name:    node.Name,
		Attrs:   filter.apply(attrs),
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// reqSelectJobs filters jobs on the criteria attributes and answers with
// the matching ids, or with status entries for a select-status request.
func (d *Dispatcher) reqSelectJobs(_ *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.SelectBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "select request carries no body"))
		return
	}
	var matched []*objects.Job
	for _, job := range d.jobs.Jobs() {
		okMatch, err := selectMatch(job, body.Attrs)
		if err != nil {
			d.reject(rq, err)
			return
		}
		if okMatch {
			matched = append(matched, job)
		}
	}
	if rq.Type == wire.TypeSelectStatus {
		filter := newAttrFilter(body.ReturnAttrs)
		entries := make([]wire.StatusEntry, 0, len(matched))
		for _, job := range matched {
			entries = append(entries, buildJobEntry(job, filter))
		}
		d.finish(rq, wire.StatusReply(entries))
		return
	}
	ids := make([]string, 0, len(matched))
	for _, job := range matched {
		ids = append(ids, job.ID)
	}
	d.finish(rq, wire.SelectReply(ids))
}

func selectMatch(job *objects.Job, criteria []wire.Attr) (bool, error) {
	for _, attr := range criteria {
		var have string
		switch attr.Name {
		case "job_state":
			have = stateLetter(job)
		case "queue":
			have = job.Queue
		case "Job_Owner":
			have = job.Owner
		default:
			return false, batcherr.Newf(batcherr.CodeInvalidRequest,
				"cannot select on attribute %q", attr.Name)
		}
		equal := have == attr.Value
		switch attr.Op {
		case wire.OpNe:
			if equal {
				return false, nil
			}
		case wire.OpEq, wire.OpDefault, 0:
			if !equal {
				return false, nil
			}
		default:
			return false, batcherr.Newf(batcherr.CodeInvalidRequest,
				"unsupported select operator on %q", attr.Name)
		}
	}
	return true, nil
}

// reqLocateJob names the server a job lives on. Jobs that moved away are
// answered from the tracking table.
func (d *Dispatcher) reqLocateJob(_ *registry.Connection, rq *registry.Request) {
	body, ok := rq.Body.(*wire.JobIDBody)
	if !ok {
		d.reject(rq, batcherr.New(batcherr.CodeInvalidRequest, "locate request carries no body"))
		return
	}
	if _, found := d.jobs.FindJob(body.JobID); found {
		d.finish(rq, wire.LocateReply(d.serverHost))
		return
	}
	if location, found := d.trackedLocation(body.JobID); found {
		d.finish(rq, wire.LocateReply(location))
		return
	}
	d.reject(rq, batcherr.Newf(batcherr.CodeUnknownJob, "unknown job %s", body.JobID))
}
