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

// maxListCount bounds attribute and status lists, a larger count on the wire
// is hostile input.
const maxListCount = 1 << 20

// Request is one batch request envelope: the header fields plus the decoded
// body and the optional extension string.
type Request struct {
	Type      RequestType
	User      string
	Body      Body
	Extension string
}

func (req *Request) String() string {
	return fmt.Sprintf("%s from %q", req.Type, req.User)
}

// DecodeRequest reads one request from the stream.
//
// An error on the very first field is returned unwrapped so the caller can
// tell a clean end of stream from a damaged one. Any later failure carries
// CodeProtocol, except an unknown request type which carries CodeUnsupported.
// On a body or extension failure the returned request still holds the header
// fields for logging, the caller must not dispatch it.
func DecodeRequest(r *Reader) (*Request, error) {
	proto, err := r.ReadUint()
	if err != nil {
		return nil, err
	}
	ver, err := r.ReadUint()
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeProtocol, "read protocol version", err)
	}
	if proto != ProtType || ver != ProtVer {
		return nil, batcherr.Newf(batcherr.CodeProtocol, "unsupported protocol %d.%d", proto, ver)
	}
	reqType, err := r.ReadUint()
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeProtocol, "read request type", err)
	}
	user, err := r.ReadString()
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeProtocol, "read request user", err)
	}
	req := &Request{Type: RequestType(reqType), User: user}
	if !req.Type.Known() {
		return req, batcherr.Newf(batcherr.CodeUnsupported, "unknown request type %d", reqType)
	}
	if req.Body, err = decodeBody(r, req.Type); err != nil {
		return req, batcherr.Wrap(batcherr.CodeProtocol, fmt.Sprintf("decode %s body", req.Type), err)
	}
	if req.Extension, err = readExtension(r); err != nil {
		return req, batcherr.Wrap(batcherr.CodeProtocol, fmt.Sprintf("decode %s extension", req.Type), err)
	}
	return req, nil
}

// EncodeRequest writes one request to the stream and flushes it. Used by the
// relay when forwarding to execution peers and by client tooling.
func EncodeRequest(w *Writer, req *Request) error {
	if err := w.WriteUint(ProtType); err != nil {
		return err
	}
	if err := w.WriteUint(ProtVer); err != nil {
		return err
	}
	if err := w.WriteUint(uint64(req.Type)); err != nil {
		return err
	}
	if err := w.WriteString(req.User); err != nil {
		return err
	}
	if err := encodeBody(w, req.Body); err != nil {
		return fmt.Errorf("encode %s body: %w", req.Type, err)
	}
	if err := writeExtension(w, req.Extension); err != nil {
		return err
	}
	return w.Flush()
}

func decodeBody(r *Reader, t RequestType) (Body, error) {
	switch t {
	case TypeConnect, TypeDisconnect:
		return &EmptyBody{}, nil

	case TypeQueueJob:
		body := &QueueJobBody{}
		var err error
		if body.JobID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Destination, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Attrs, err = readAttrs(r); err != nil {
			return nil, err
		}
		return body, nil

	case TypeJobCred:
		body := &JobCredBody{}
		var err error
		if body.CredType, err = r.ReadUint(); err != nil {
			return nil, err
		}
		if body.Data, err = r.ReadBytes(); err != nil {
			return nil, err
		}
		return body, nil

	case TypeUserCred:
		body := &UserCredBody{}
		var err error
		if body.User, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.CredType, err = r.ReadUint(); err != nil {
			return nil, err
		}
		if body.Data, err = r.ReadBytes(); err != nil {
			return nil, err
		}
		return body, nil

	case TypeJobScript, TypeMoveJobFile:
		body := &JobFileBody{}
		var err error
		if body.Sequence, err = r.ReadUint(); err != nil {
			return nil, err
		}
		if body.FileType, err = r.ReadUint(); err != nil {
			return nil, err
		}
		// declared size, the counted blob carries the real length
		if _, err = r.ReadUint(); err != nil {
			return nil, err
		}
		if body.JobID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Data, err = r.ReadBytes(); err != nil {
			return nil, err
		}
		return body, nil

	case TypeReadyToCommit, TypeCommit, TypeRerunJob, TypeLocateJob:
		jobID, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		return &JobIDBody{JobID: jobID}, nil

	case TypeDeleteJob, TypeHoldJob, TypeModifyJob, TypeReleaseJob, TypeManager:
		body := &ManageBody{}
		var err error
		if body.Cmd, err = r.ReadUint(); err != nil {
			return nil, err
		}
		objType, err := r.ReadUint()
		if err != nil {
			return nil, err
		}
		body.ObjType = ObjectType(objType)
		if body.ObjName, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Attrs, err = readAttrs(r); err != nil {
			return nil, err
		}
		return body, nil

	case TypeMessageJob:
		body := &MessageBody{}
		var err error
		if body.JobID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.FileOpt, err = r.ReadUint(); err != nil {
			return nil, err
		}
		if body.Text, err = r.ReadString(); err != nil {
			return nil, err
		}
		return body, nil

	case TypeShutdown:
		manner, err := r.ReadUint()
		if err != nil {
			return nil, err
		}
		return &ShutdownBody{Manner: manner}, nil

	case TypeSignalJob:
		body := &SignalBody{}
		var err error
		if body.JobID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Signal, err = r.ReadString(); err != nil {
			return nil, err
		}
		return body, nil

	case TypeStatusJob, TypeStatusQueue, TypeStatusServer, TypeStatusNode:
		body := &StatusBody{}
		var err error
		if body.ID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Attrs, err = readAttrs(r); err != nil {
			return nil, err
		}
		return body, nil

	case TypeMoveJob, TypeOrderJob:
		body := &MoveBody{}
		var err error
		if body.JobID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Destination, err = r.ReadString(); err != nil {
			return nil, err
		}
		return body, nil

	case TypeRunJob, TypeAsyncRunJob, TypeStageIn:
		body := &RunBody{}
		var err error
		if body.JobID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Destination, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.ResourceHandle, err = r.ReadUint(); err != nil {
			return nil, err
		}
		return body, nil

	case TypeSelectJobs, TypeSelectStatus:
		body := &SelectBody{}
		var err error
		if body.Attrs, err = readAttrs(r); err != nil {
			return nil, err
		}
		if body.ReturnAttrs, err = readAttrs(r); err != nil {
			return nil, err
		}
		return body, nil

	case TypeTrackJob:
		body := &TrackBody{}
		var err error
		if body.Hopcount, err = r.ReadUint(); err != nil {
			return nil, err
		}
		if body.JobID, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Location, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.State, err = r.ReadString(); err != nil {
			return nil, err
		}
		return body, nil

	case TypeAuthenticate:
		body := &AuthenBody{}
		var err error
		if body.AuthMethod, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.EncryptMethod, err = r.ReadString(); err != nil {
			return nil, err
		}
		if body.Port, err = r.ReadUint(); err != nil {
			return nil, err
		}
		return body, nil

	default:
		return nil, fmt.Errorf("no decoder for request type %d", t)
	}
}

func encodeBody(w *Writer, body Body) error {
	switch b := body.(type) {
	case nil, *EmptyBody:
		return nil

	case *QueueJobBody:
		if err := w.WriteString(b.JobID); err != nil {
			return err
		}
		if err := w.WriteString(b.Destination); err != nil {
			return err
		}
		return writeAttrs(w, b.Attrs)

	case *JobCredBody:
		if err := w.WriteUint(b.CredType); err != nil {
			return err
		}
		return w.WriteBytes(b.Data)

	case *UserCredBody:
		if err := w.WriteString(b.User); err != nil {
			return err
		}
		if err := w.WriteUint(b.CredType); err != nil {
			return err
		}
		return w.WriteBytes(b.Data)

	case *JobFileBody:
		if err := w.WriteUint(b.Sequence); err != nil {
			return err
		}
		if err := w.WriteUint(b.FileType); err != nil {
			return err
		}
		if err := w.WriteUint(uint64(len(b.Data))); err != nil {
			return err
		}
		if err := w.WriteString(b.JobID); err != nil {
			return err
		}
		return w.WriteBytes(b.Data)

	case *JobIDBody:
		return w.WriteString(b.JobID)

	case *ManageBody:
		if err := w.WriteUint(b.Cmd); err != nil {
			return err
		}
		if err := w.WriteUint(uint64(b.ObjType)); err != nil {
			return err
		}
		if err := w.WriteString(b.ObjName); err != nil {
			return err
		}
		return writeAttrs(w, b.Attrs)

	case *MessageBody:
		if err := w.WriteString(b.JobID); err != nil {
			return err
		}
		if err := w.WriteUint(b.FileOpt); err != nil {
			return err
		}
		return w.WriteString(b.Text)

	case *ShutdownBody:
		return w.WriteUint(b.Manner)

	case *SignalBody:
		if err := w.WriteString(b.JobID); err != nil {
			return err
		}
		return w.WriteString(b.Signal)

	case *StatusBody:
		if err := w.WriteString(b.ID); err != nil {
			return err
		}
		return writeAttrs(w, b.Attrs)

	case *MoveBody:
		if err := w.WriteString(b.JobID); err != nil {
			return err
		}
		return w.WriteString(b.Destination)

	case *RunBody:
		if err := w.WriteString(b.JobID); err != nil {
			return err
		}
		if err := w.WriteString(b.Destination); err != nil {
			return err
		}
		return w.WriteUint(b.ResourceHandle)

	case *SelectBody:
		if err := writeAttrs(w, b.Attrs); err != nil {
			return err
		}
		return writeAttrs(w, b.ReturnAttrs)

	case *TrackBody:
		if err := w.WriteUint(b.Hopcount); err != nil {
			return err
		}
		if err := w.WriteString(b.JobID); err != nil {
			return err
		}
		if err := w.WriteString(b.Location); err != nil {
			return err
		}
		return w.WriteString(b.State)

	case *AuthenBody:
		if err := w.WriteString(b.AuthMethod); err != nil {
			return err
		}
		if err := w.WriteString(b.EncryptMethod); err != nil {
			return err
		}
		return w.WriteUint(b.Port)

	default:
		return fmt.Errorf("no encoder for body type %T", body)
	}
}

// readAttrs reads one attribute list: a count followed by entries of
// {size, name, resource flag, [resource], value, op}. The size field is
// carried for compatibility and not trusted.
func readAttrs(r *Reader) ([]Attr, error) {
	count, err := r.ReadUint()
	if err != nil {
		return nil, fmt.Errorf("read attr count: %w", err)
	}
	if count > maxListCount {
		return nil, fmt.Errorf("attr count %d exceeds limit", count)
	}
	if count == 0 {
		return nil, nil
	}
	attrs := make([]Attr, 0, count)
	for i := uint64(0); i < count; i++ {
		if _, err = r.ReadUint(); err != nil {
			return nil, fmt.Errorf("read attr[%d] size: %w", i, err)
		}
		var attr Attr
		if attr.Name, err = r.ReadString(); err != nil {
			return nil, fmt.Errorf("read attr[%d] name: %w", i, err)
		}
		hasResc, err := r.ReadUint()
		if err != nil {
			return nil, fmt.Errorf("read attr[%d] resource flag: %w", i, err)
		}
		if hasResc != 0 {
			if attr.Resource, err = r.ReadString(); err != nil {
				return nil, fmt.Errorf("read attr[%d] resource: %w", i, err)
			}
		}
		if attr.Value, err = r.ReadString(); err != nil {
			return nil, fmt.Errorf("read attr[%d] value: %w", i, err)
		}
		op, err := r.ReadUint()
		if err != nil {
			return nil, fmt.Errorf("read attr[%d] op: %w", i, err)
		}
		attr.Op = AttrOp(op)
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func writeAttrs(w *Writer, attrs []Attr) error {
	if err := w.WriteUint(uint64(len(attrs))); err != nil {
		return err
	}
	for _, attr := range attrs {
		size := len(attr.Name) + len(attr.Value) + 2
		if attr.Resource != "" {
			size += len(attr.Resource) + 1
		}
		if err := w.WriteUint(uint64(size)); err != nil {
			return err
		}
		if err := w.WriteString(attr.Name); err != nil {
			return err
		}
		if attr.Resource != "" {
			if err := w.WriteUint(1); err != nil {
				return err
			}
			if err := w.WriteString(attr.Resource); err != nil {
				return err
			}
		} else {
			if err := w.WriteUint(0); err != nil {
				return err
			}
		}
		if err := w.WriteString(attr.Value); err != nil {
			return err
		}
		if err := w.WriteUint(uint64(attr.Op)); err != nil {
			return err
		}
	}
	return nil
}

// readExtension reads the trailing extension field: a presence flag followed
// by the string when present.
func readExtension(r *Reader) (string, error) {
	present, err := r.ReadUint()
	if err != nil {
		return "", err
	}
	if present == 0 {
		return "", nil
	}
	return r.ReadString()
}

func writeExtension(w *Writer, ext string) error {
	if ext == "" {
		return w.WriteUint(0)
	}
	if err := w.WriteUint(1); err != nil {
		return err
	}
	return w.WriteString(ext)
}
