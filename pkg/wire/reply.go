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

import (
	"fmt"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
)

// ReplyChoice discriminates the payload of a reply envelope.
type ReplyChoice int

const (
	ChoiceNull ReplyChoice = iota + 1
	ChoiceJobID
	ChoiceSelect
	ChoiceStatus
	ChoiceText
	ChoiceLocate
)

func (c ReplyChoice) String() string {
	if c < ChoiceNull || c > ChoiceLocate {
		return fmt.Sprintf("Unknown(%d)", int(c))
	}
	return [...]string{"Null", "JobID", "Select", "Status", "Text", "Locate"}[c-1]
}

// StatusEntry is one object in a status reply.
type StatusEntry struct {
	ObjType ObjectType
	Name    string
	Attrs   []Attr
}

// Reply is one reply envelope. Code zero means success. Exactly the payload
// field selected by Choice is meaningful, the others stay zero.
type Reply struct {
	Code   batcherr.Code
	Aux    int32
	Choice ReplyChoice

	JobID       string        // ChoiceJobID
	JobIDs      []string      // ChoiceSelect
	Status      []StatusEntry // ChoiceStatus
	Text        string        // ChoiceText
	Destination string        // ChoiceLocate
}

func (rep *Reply) OK() bool {
	return rep.Code == batcherr.CodeNone
}

// NullReply acknowledges success with no payload.
func NullReply() *Reply {
	return &Reply{Choice: ChoiceNull}
}

// ErrorReply builds a rejection from an error chain, mapping uncoded errors
// to an internal failure.
func ErrorReply(err error) *Reply {
	return &Reply{
		Code:   batcherr.CodeOf(err),
		Aux:    batcherr.AuxOf(err),
		Choice: ChoiceNull,
	}
}

func JobIDReply(jobID string) *Reply {
	return &Reply{Choice: ChoiceJobID, JobID: jobID}
}

func SelectReply(jobIDs []string) *Reply {
	return &Reply{Choice: ChoiceSelect, JobIDs: jobIDs}
}

func StatusReply(entries []StatusEntry) *Reply {
	return &Reply{Choice: ChoiceStatus, Status: entries}
}

func TextReply(text string) *Reply {
	return &Reply{Choice: ChoiceText, Text: text}
}

func LocateReply(destination string) *Reply {
	return &Reply{Choice: ChoiceLocate, Destination: destination}
}

// EncodeReply writes one reply envelope and flushes it.
func EncodeReply(w *Writer, rep *Reply) error {
	if err := w.WriteUint(ProtType); err != nil {
		return err
	}
	if err := w.WriteUint(ProtVer); err != nil {
		return err
	}
	if err := w.WriteInt(int64(rep.Code)); err != nil {
		return err
	}
	if err := w.WriteInt(int64(rep.Aux)); err != nil {
		return err
	}
	if err := w.WriteUint(uint64(rep.Choice)); err != nil {
		return err
	}
	switch rep.Choice {
	case ChoiceNull:
	case ChoiceJobID:
		if err := w.WriteString(rep.JobID); err != nil {
			return err
		}
	case ChoiceSelect:
		if err := w.WriteUint(uint64(len(rep.JobIDs))); err != nil {
			return err
		}
		for _, id := range rep.JobIDs {
			if err := w.WriteString(id); err != nil {
				return err
			}
		}
	case ChoiceStatus:
		if err := w.WriteUint(uint64(len(rep.Status))); err != nil {
			return err
		}
		for _, entry := range rep.Status {
			if err := w.WriteUint(uint64(entry.ObjType)); err != nil {
				return err
			}
			if err := w.WriteString(entry.Name); err != nil {
				return err
			}
			if err := writeAttrs(w, entry.Attrs); err != nil {
				return err
			}
		}
	case ChoiceText:
		if err := w.WriteString(rep.Text); err != nil {
			return err
		}
	case ChoiceLocate:
		if err := w.WriteString(rep.Destination); err != nil {
			return err
		}
	default:
		return fmt.Errorf("no encoder for reply choice %d", rep.Choice)
	}
	return w.Flush()
}

// DecodeReply reads one reply envelope. Used when waiting on an execution
// peer and by client tooling.
func DecodeReply(r *Reader) (*Reply, error) {
	proto, err := r.ReadUint()
	if err != nil {
		return nil, err
	}
	ver, err := r.ReadUint()
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeProtocol, "read reply version", err)
	}
	if proto != ProtType || ver != ProtVer {
		return nil, batcherr.Newf(batcherr.CodeProtocol, "unsupported reply protocol %d.%d", proto, ver)
	}
	code, err := r.ReadInt()
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeProtocol, "read reply code", err)
	}
	aux, err := r.ReadInt()
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeProtocol, "read reply aux code", err)
	}
	choice, err := r.ReadUint()
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeProtocol, "read reply choice", err)
	}
	rep := &Reply{
		Code:   batcherr.Code(code),
		Aux:    int32(aux),
		Choice: ReplyChoice(choice),
	}
	switch rep.Choice {
	case ChoiceNull:
	case ChoiceJobID:
		if rep.JobID, err = r.ReadString(); err != nil {
			return nil, batcherr.Wrap(batcherr.CodeProtocol, "read reply job id", err)
		}
	case ChoiceSelect:
		count, err := r.ReadUint()
		if err != nil {
			return nil, batcherr.Wrap(batcherr.CodeProtocol, "read reply id count", err)
		}
		if count > maxListCount {
			return nil, batcherr.Newf(batcherr.CodeProtocol, "reply id count %d exceeds limit", count)
		}
		if count > 0 {
			rep.JobIDs = make([]string, 0, count)
		}
		for i := uint64(0); i < count; i++ {
			id, err := r.ReadString()
			if err != nil {
				return nil, batcherr.Wrap(batcherr.CodeProtocol, fmt.Sprintf("read reply id[%d]", i), err)
			}
			rep.JobIDs = append(rep.JobIDs, id)
		}
	case ChoiceStatus:
		count, err := r.ReadUint()
		if err != nil {
			return nil, batcherr.Wrap(batcherr.CodeProtocol, "read status count", err)
		}
		if count > maxListCount {
			return nil, batcherr.Newf(batcherr.CodeProtocol, "status count %d exceeds limit", count)
		}
		if count > 0 {
			rep.Status = make([]StatusEntry, 0, count)
		}
		for i := uint64(0); i < count; i++ {
			var entry StatusEntry
			objType, err := r.ReadUint()
			if err != nil {
				return nil, batcherr.Wrap(batcherr.CodeProtocol, fmt.Sprintf("read status[%d] type", i), err)
			}
			entry.ObjType = ObjectType(objType)
			if entry.Name, err = r.ReadString(); err != nil {
				return nil, batcherr.Wrap(batcherr.CodeProtocol, fmt.Sprintf("read status[%d] name", i), err)
			}
			if entry.Attrs, err = readAttrs(r); err != nil {
				return nil, batcherr.Wrap(batcherr.CodeProtocol, fmt.Sprintf("read status[%d] attrs", i), err)
			}
			rep.Status = append(rep.Status, entry)
		}
	case ChoiceText:
		if rep.Text, err = r.ReadString(); err != nil {
			return nil, batcherr.Wrap(batcherr.CodeProtocol, "read reply text", err)
		}
	case ChoiceLocate:
		if rep.Destination, err = r.ReadString(); err != nil {
			return nil, batcherr.Wrap(batcherr.CodeProtocol, "read reply destination", err)
		}
	default:
		return nil, batcherr.Newf(batcherr.CodeProtocol, "unknown reply choice %d", choice)
	}
	return rep, nil
}

// Err converts an error reply into a Go error, nil for success. The wire
// code survives the round trip so callers can match on it.
func (rep *Reply) Err() error {
	if rep.Code == batcherr.CodeNone {
		return nil
	}
	return &batcherr.Error{Code: rep.Code, Aux: rep.Aux}
}
