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
	"sort"
	"strconv"
	"strings"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
)

// maxRangeCount bounds the expanded size of an index range expression.
const maxRangeCount = 100000

// RefKind classifies how a request addresses a job.
type RefKind int

const (
	RefPlain RefKind = iota
	RefArray
	RefSubjob
	RefRange
)

func (rk RefKind) String() string {
	return [...]string{"Plain", "Array", "Subjob", "Range"}[rk]
}

// JobRef is one parsed job reference. ArrayID is the parent id with the
// empty bracket pair for the array forms.
type JobRef struct {
	Raw     string
	Kind    RefKind
	ArrayID string
	Index   int
	Indices []int
}

// ParseJobRef parses the job id of a request: "17.svr", "17[].svr",
// "17[3].svr" or "17[1-5,7].svr".
func ParseJobRef(id string) (*JobRef, error) {
	open := strings.Index(id, "[")
	if open < 0 {
		if strings.Contains(id, "]") {
			return nil, batcherr.Newf(batcherr.CodeInvalidRequest, "malformed job id %q", id)
		}
		return &JobRef{Raw: id, Kind: RefPlain}, nil
	}
	end := strings.Index(id, "]")
	if end < open {
		return nil, batcherr.Newf(batcherr.CodeInvalidRequest, "malformed job id %q", id)
	}
	inner := id[open+1 : end]
	ref := &JobRef{
		Raw:     id,
		ArrayID: id[:open+1] + id[end:],
	}
	if inner == "" {
		ref.Kind = RefArray
		return ref, nil
	}
	if index, err := strconv.Atoi(inner); err == nil {
		if index < 0 {
			return nil, batcherr.Newf(batcherr.CodeInvalidRequest, "negative subjob index in %q", id)
		}
		ref.Kind = RefSubjob
		ref.Index = index
		return ref, nil
	}
	indices, err := ParseIndexRange(inner)
	if err != nil {
		return nil, batcherr.Wrap(batcherr.CodeInvalidRequest, "bad index range in "+strconv.Quote(id), err)
	}
	ref.Kind = RefRange
	ref.Indices = indices
	return ref, nil
}

// ParseIndexRange expands an index range expression ("1-5,7") into a sorted,
// deduplicated index list.
func ParseIndexRange(expr string) ([]int, error) {
	seen := make(map[int]bool)
	var indices []int
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, batcherr.Newf(batcherr.CodeInvalidRequest, "empty range element in %q", expr)
		}
		lo, hi, err := parseRangeBounds(part)
		if err != nil {
			return nil, err
		}
		if hi-lo+1 > maxRangeCount || len(indices)+(hi-lo+1) > maxRangeCount {
			return nil, batcherr.Newf(batcherr.CodeInvalidRequest, "index range %q too large", expr)
		}
		for i := lo; i <= hi; i++ {
			if !seen[i] {
				seen[i] = true
				indices = append(indices, i)
			}
		}
	}
	sort.Ints(indices)
	return indices, nil
}

func parseRangeBounds(part string) (int, int, error) {
	if dash := strings.Index(part, "-"); dash > 0 {
		lo, err := strconv.Atoi(part[:dash])
		if err != nil {
			return 0, 0, batcherr.Newf(batcherr.CodeInvalidRequest, "bad range start %q", part)
		}
		hi, err := strconv.Atoi(part[dash+1:])
		if err != nil {
			return 0, 0, batcherr.Newf(batcherr.CodeInvalidRequest, "bad range end %q", part)
		}
		if lo < 0 || hi < lo {
			return 0, 0, batcherr.Newf(batcherr.CodeInvalidRequest, "inverted range %q", part)
		}
		return lo, hi, nil
	}
	index, err := strconv.Atoi(part)
	if err != nil || index < 0 {
		return 0, 0, batcherr.Newf(batcherr.CodeInvalidRequest, "bad index %q", part)
	}
	return index, index, nil
}
