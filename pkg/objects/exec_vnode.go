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
	"strconv"
	"strings"
)

// ResourceEntry is one resource=value pair of an exec_vnode chunk. The value
// stays verbatim, quantities are normalized on demand.
type ResourceEntry struct {
	Name  string
	Value string
}

// Chunk is one vnode share of an exec_vnode assignment.
type Chunk struct {
	Node      string
	Resources []ResourceEntry
}

// ParseExecVnode parses an assignment like
// "(nodeA:ncpus=4:mem=2gb)+(nodeB:ncpus=2)" into its chunks. Parentheses
// only group, the chunk list is the flat vnode sequence.
func ParseExecVnode(execVnode string) ([]Chunk, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '(' || r == ')' {
			return -1
		}
		return r
	}, execVnode)
	if strings.TrimSpace(cleaned) == "" {
		return nil, fmt.Errorf("empty exec_vnode")
	}
	var chunks []Chunk
	for _, token := range strings.Split(cleaned, "+") {
		token = strings.TrimSpace(token)
		if token == "" {
			return nil, fmt.Errorf("empty chunk in exec_vnode %q", execVnode)
		}
		parts := strings.Split(token, ":")
		if parts[0] == "" {
			return nil, fmt.Errorf("missing vnode name in chunk %q", token)
		}
		chunk := Chunk{Node: parts[0]}
		for _, res := range parts[1:] {
			eq := strings.Index(res, "=")
			if eq <= 0 {
				return nil, fmt.Errorf("malformed resource %q in chunk %q", res, token)
			}
			chunk.Resources = append(chunk.Resources, ResourceEntry{
				Name:  res[:eq],
				Value: res[eq+1:],
			})
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// FormatExecVnode renders chunks back to the wire form, one parenthesized
// chunk per vnode.
func FormatExecVnode(chunks []Chunk) string {
	rendered := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		var sb strings.Builder
		sb.WriteString("(")
		sb.WriteString(chunk.Node)
		for _, res := range chunk.Resources {
			sb.WriteString(":")
			sb.WriteString(res.Name)
			sb.WriteString("=")
			sb.WriteString(res.Value)
		}
		sb.WriteString(")")
		rendered = append(rendered, sb.String())
	}
	return strings.Join(rendered, "+")
}

// ReleasedChunks derives the resources a suspend releases. With a non-empty
// allow list only the listed resources are released, a chunk left with
// nothing carries the ncpus=0 placeholder so every vnode stays represented.
// An empty allow list releases everything.
func ReleasedChunks(chunks []Chunk, allowList []string) []Chunk {
	allowed := make(map[string]bool, len(allowList))
	for _, name := range allowList {
		allowed[name] = true
	}
	released := make([]Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		kept := Chunk{Node: chunk.Node}
		for _, res := range chunk.Resources {
			if len(allowed) == 0 || allowed[res.Name] {
				kept.Resources = append(kept.Resources, res)
			}
		}
		if len(kept.Resources) == 0 {
			kept.Resources = []ResourceEntry{{Name: "ncpus", Value: "0"}}
		}
		released = append(released, kept)
	}
	return released
}

// SumResources totals the numeric resource amounts across chunks. Values
// that do not parse as quantities are skipped, they are not consumable.
func SumResources(chunks []Chunk) map[string]int64 {
	totals := make(map[string]int64)
	for _, chunk := range chunks {
		for _, res := range chunk.Resources {
			amount, err := ParseQuantity(res.Value)
			if err != nil {
				continue
			}
			totals[res.Name] += amount
		}
	}
	return totals
}

// ParseQuantity parses a resource amount: a plain integer or an integer with
// a size suffix (kb, mb, gb, tb, pb; binary multiples), normalized to the
// base unit.
func ParseQuantity(value string) (int64, error) {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return 0, fmt.Errorf("empty quantity")
	}
	digits := trimmed
	var multiplier int64 = 1
	if cut := strings.IndexFunc(trimmed, func(r rune) bool { return r < '0' || r > '9' }); cut > 0 {
		suffix := strings.TrimSuffix(trimmed[cut:], "b")
		digits = trimmed[:cut]
		switch suffix {
		case "":
			multiplier = 1
		case "k":
			multiplier = 1 << 10
		case "m":
			multiplier = 1 << 20
		case "g":
			multiplier = 1 << 30
		case "t":
			multiplier = 1 << 40
		case "p":
			multiplier = 1 << 50
		default:
			return 0, fmt.Errorf("unknown quantity suffix in %q", value)
		}
	}
	amount, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad quantity %q: %w", value, err)
	}
	return amount * multiplier, nil
}
