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

package wire

import "fmt"

// RequestType identifies one batch request on the wire.
type RequestType int

const (
	TypeConnect RequestType = iota
	TypeQueueJob
	TypeJobCred
	TypeJobScript
	TypeReadyToCommit
	TypeCommit
	TypeDeleteJob
	TypeHoldJob
	TypeLocateJob
	TypeManager
	TypeMessageJob
	TypeModifyJob
	TypeMoveJob
	TypeReleaseJob
	TypeRerunJob
	TypeRunJob
	TypeSelectJobs
	TypeShutdown
	TypeSignalJob
	TypeStatusJob
	TypeStatusQueue
	TypeStatusServer
	TypeTrackJob
	TypeAsyncRunJob
	TypeStatusNode
	TypeDisconnect
	TypeStageIn
	TypeOrderJob
	TypeSelectStatus
	TypeUserCred
	TypeMoveJobFile
	TypeAuthenticate

	typeSentinel // keep last
)

var requestTypeNames = [...]string{
	"Connect", "QueueJob", "JobCred", "JobScript", "ReadyToCommit",
	"Commit", "DeleteJob", "HoldJob", "LocateJob", "Manager",
	"MessageJob", "ModifyJob", "MoveJob", "ReleaseJob", "RerunJob",
	"RunJob", "SelectJobs", "Shutdown", "SignalJob", "StatusJob",
	"StatusQueue", "StatusServer", "TrackJob", "AsyncRunJob", "StatusNode",
	"Disconnect", "StageIn", "OrderJob", "SelectStatus", "UserCred",
	"MoveJobFile", "Authenticate",
}

func (t RequestType) String() string {
	if t < 0 || t >= typeSentinel {
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
	return requestTypeNames[t]
}

// Known reports whether t maps to a decodable body shape.
func (t RequestType) Known() bool {
	return t >= 0 && t < typeSentinel
}

// ObjectType identifies what kind of object a status or manager request
// addresses.
type ObjectType int

const (
	ObjectNone ObjectType = iota
	ObjectJob
	ObjectQueue
	ObjectServer
	ObjectNode
)

func (o ObjectType) String() string {
	if o < ObjectNone || o > ObjectNode {
		return fmt.Sprintf("Unknown(%d)", int(o))
	}
	return [...]string{"None", "Job", "Queue", "Server", "Node"}[o]
}

// AttrOp is the operation carried with one attribute entry.
type AttrOp int

const (
	OpSet AttrOp = iota + 1
	OpUnset
	OpIncr
	OpDecr
	OpEq
	OpNe
	OpGe
	OpGt
	OpLe
	OpLt
	OpDefault
)

func (op AttrOp) String() string {
	if op < OpSet || op > OpDefault {
		return fmt.Sprintf("Unknown(%d)", int(op))
	}
	return [...]string{"Set", "Unset", "Incr", "Decr", "Eq", "Ne", "Ge", "Gt", "Le", "Lt", "Default"}[op-1]
}

// Attr is one attribute entry as carried on the wire. Resource qualifies
// Name for indexed attributes (resource lists), empty otherwise.
type Attr struct {
	Name     string
	Resource string
	Value    string
	Op       AttrOp
}

// Body is one decoded request body. The concrete type is determined by the
// request type, several request types share a shape.
type Body interface {
	bodyMarker()
}

// EmptyBody covers requests that carry nothing beyond the header
// (Connect, Disconnect).
type EmptyBody struct{}

// QueueJobBody submits a new job.
type QueueJobBody struct {
	JobID       string
	Destination string
	Attrs       []Attr
}

// JobCredBody carries an opaque credential blob for a job being queued.
type JobCredBody struct {
	CredType uint64
	Data     []byte
}

// UserCredBody carries a per-user credential blob.
type UserCredBody struct {
	User     string
	CredType uint64
	Data     []byte
}

// JobFileBody carries one chunk of a job file (script or checkpoint),
// shared by JobScript and MoveJobFile.
type JobFileBody struct {
	Sequence uint64
	FileType uint64
	JobID    string
	Data     []byte
}

// JobIDBody covers requests whose body is a bare job id
// (ReadyToCommit, Commit, RerunJob, LocateJob).
type JobIDBody struct {
	JobID string
}

// ManageBody is the manager shape shared by DeleteJob, HoldJob, ModifyJob,
// ReleaseJob and Manager.
type ManageBody struct {
	Cmd     uint64
	ObjType ObjectType
	ObjName string
	Attrs   []Attr
}

// MessageBody writes text to a job's output files.
type MessageBody struct {
	JobID   string
	FileOpt uint64
	Text    string
}

// ShutdownBody asks the server to quiesce in the given manner.
type ShutdownBody struct {
	Manner uint64
}

// SignalBody delivers a named signal to a job.
type SignalBody struct {
	JobID  string
	Signal string
}

// StatusBody queries one object class, shared by StatusJob, StatusQueue,
// StatusServer and StatusNode. An empty ID selects all objects.
type StatusBody struct {
	ID    string
	Attrs []Attr
}

// MoveBody moves or reorders a job, shared by MoveJob and OrderJob.
type MoveBody struct {
	JobID       string
	Destination string
}

// RunBody starts a job on a destination, shared by RunJob, AsyncRunJob and
// StageIn. ResourceHandle is an opaque scheduler token echoed back on run.
type RunBody struct {
	JobID          string
	Destination    string
	ResourceHandle uint64
}

// SelectBody queries jobs matching the given criteria. ReturnAttrs limits
// the attributes reported when the requester asked for status output.
type SelectBody struct {
	Attrs       []Attr
	ReturnAttrs []Attr
}

// TrackBody records a job's current location while it moves between servers.
type TrackBody struct {
	Hopcount uint64
	JobID    string
	Location string
	State    string
}

// AuthenBody negotiates the authentication and encryption methods for a
// connection. Port identifies the client connection being vouched for when
// an external authenticator connects on a separate socket.
type AuthenBody struct {
	AuthMethod    string
	EncryptMethod string
	Port          uint64
}

func (*EmptyBody) bodyMarker()    {}
func (*QueueJobBody) bodyMarker() {}
func (*JobCredBody) bodyMarker()  {}
func (*UserCredBody) bodyMarker() {}
func (*JobFileBody) bodyMarker()  {}
func (*JobIDBody) bodyMarker()    {}
func (*ManageBody) bodyMarker()   {}
func (*MessageBody) bodyMarker()  {}
func (*ShutdownBody) bodyMarker() {}
func (*SignalBody) bodyMarker()   {}
func (*StatusBody) bodyMarker()   {}
func (*MoveBody) bodyMarker()     {}
func (*RunBody) bodyMarker()      {}
func (*SelectBody) bodyMarker()   {}
func (*TrackBody) bodyMarker()    {}
func (*AuthenBody) bodyMarker()   {}
