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

// Package accounting appends batch accounting records to dated files. Each
// line is
//
//	MM/DD/YYYY HH:MM:SS;TYPE;ID;key=value key=value ...
//
// in a YYYYMMDD-named file under the accounting directory. Records are
// queued on a buffered channel and written by a background goroutine so the
// dispatch loop never blocks on disk.
package accounting

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrel-hpc/kestrel-core/pkg/log"
)

// RecordType tags one accounting line.
type RecordType byte

const (
	RecordQueued  RecordType = 'Q'
	RecordStarted RecordType = 'S'
	RecordEnded   RecordType = 'E'
	RecordDeleted RecordType = 'D'
	RecordAborted RecordType = 'A'
	RecordRerun   RecordType = 'R'
	RecordSuspend RecordType = 'z'
	RecordResume  RecordType = 'r'
)

// Recorder appends structured accounting records.
type Recorder interface {
	Record(recType RecordType, id string, message string)
}

// NopRecorder discards records, used when accounting is disabled.
type NopRecorder struct{}

func (NopRecorder) Record(recType RecordType, id string, message string) {}

type record struct {
	when    time.Time
	recType RecordType
	id      string
	message string
}

// FileRecorder writes dated accounting files.
type FileRecorder struct {
	dir      string
	writerID string
	clock    func() time.Time

	records  chan record
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	file    *os.File
	fileDay string
}

const defaultQueueDepth = 1024

// NewFileRecorder creates the accounting directory if needed and starts the
// writer goroutine.
func NewFileRecorder(dir string) (*FileRecorder, error) {
	return newFileRecorder(dir, defaultQueueDepth, time.Now)
}

func newFileRecorder(dir string, depth int, clock func() time.Time) (*FileRecorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("accounting directory: %w", err)
	}
	r := &FileRecorder{
		dir:      dir,
		writerID: uuid.NewString(),
		clock:    clock,
		records:  make(chan record, depth),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	log.Log(log.Accounting).Info("accounting recorder started",
		zap.String("directory", dir),
		zap.String("writerID", r.writerID))
	go r.run()
	return r, nil
}

// Record queues one line. A full queue drops the record with a warning
// rather than stalling the caller.
func (r *FileRecorder) Record(recType RecordType, id string, message string) {
	rec := record{when: r.clock(), recType: recType, id: id, message: message}
	select {
	case r.records <- rec:
	default:
		log.Log(log.Accounting).Warn("accounting queue full, record dropped",
			zap.String("recordType", string(recType)),
			zap.String("id", id))
	}
}

// Stop drains queued records and closes the current file.
func (r *FileRecorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
	<-r.done
}

func (r *FileRecorder) run() {
	defer close(r.done)
	defer r.closeFile()
	for {
		select {
		case rec := <-r.records:
			r.write(rec)
		case <-r.quit:
			for {
				select {
				case rec := <-r.records:
					r.write(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *FileRecorder) write(rec record) {
	day := rec.when.Format("20060102")
	if r.file == nil || day != r.fileDay {
		r.closeFile()
		path := filepath.Join(r.dir, day)
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Log(log.Accounting).Error("accounting file open failed",
				zap.String("path", path),
				zap.Error(err))
			return
		}
		r.file = file
		r.fileDay = day
	}
	line := fmt.Sprintf("%s;%c;%s;%s\n",
		rec.when.Format("01/02/2006 15:04:05"), rec.recType, rec.id, rec.message)
	if _, err := r.file.WriteString(line); err != nil {
		log.Log(log.Accounting).Error("accounting record write failed",
			zap.String("id", rec.id),
			zap.Error(err))
	}
}

func (r *FileRecorder) closeFile() {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			log.Log(log.Accounting).Warn("accounting file close failed",
				zap.Error(err))
		}
		r.file = nil
		r.fileDay = ""
	}
}
