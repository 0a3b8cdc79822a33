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
	"testing"

	"gotest.tools/v3/assert"

	"github.com/kestrel-hpc/kestrel-core/pkg/common/batcherr"
)

func TestParseJobRef(t *testing.T) {
	tests := []struct {
		id   string
		want JobRef
	}{
		{"17.svr", JobRef{Raw: "17.svr", Kind: RefPlain}},
		{"17[].svr", JobRef{Raw: "17[].svr", Kind: RefArray, ArrayID: "17[].svr"}},
		{"17[3].svr", JobRef{Raw: "17[3].svr", Kind: RefSubjob, ArrayID: "17[].svr", Index: 3}},
		{"17[1-3].svr", JobRef{Raw: "17[1-3].svr", Kind: RefRange, ArrayID: "17[].svr", Indices: []int{1, 2, 3}}},
		{"17[1-3,7].svr", JobRef{Raw: "17[1-3,7].svr", Kind: RefRange, ArrayID: "17[].svr", Indices: []int{1, 2, 3, 7}}},
		{"17[7,1-2]", JobRef{Raw: "17[7,1-2]", Kind: RefRange, ArrayID: "17[]", Indices: []int{1, 2, 7}}},
	}
	for _, tc := range tests {
		t.Run(tc.id, func(t *testing.T) {
			got, err := ParseJobRef(tc.id)
			assert.NilError(t, err)
			assert.DeepEqual(t, &tc.want, got)
		})
	}
}

func TestParseJobRefRejects(t *testing.T) {
	for _, id := range []string{
		"17].svr",
		"17[3",
		"17[-1].svr",
		"17[3-1].svr",
		"17[a-b].svr",
		"17[1,,3].svr",
		"17[0-9999999].svr",
	} {
		t.Run(id, func(t *testing.T) {
			_, err := ParseJobRef(id)
			assert.Equal(t, batcherr.CodeInvalidRequest, batcherr.CodeOf(err), "id %q", id)
		})
	}
}

func TestParseIndexRangeDeduplicates(t *testing.T) {
	indices, err := ParseIndexRange("3,1-4,2")
	assert.NilError(t, err)
	assert.DeepEqual(t, []int{1, 2, 3, 4}, indices)
}
