// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package trinoclient is the typed HTTP client against a Trino coordinator's
// statement protocol: submit, follow, cancel, explain.
package trinoclient

import "encoding/json"

// StatementResponse mirrors Trino's own statement-protocol response body
// closely enough that stock Trino clients parse it unmodified, and closely
// enough that trino-lb can synthesize one itself for virtual queued queries.
type StatementResponse struct {
	ID               string          `json:"id"`
	NextURI          string          `json:"nextUri,omitempty"`
	InfoURI          string          `json:"infoUri"`
	PartialCancelURI string          `json:"partialCancelUri,omitempty"`
	Columns          json.RawMessage `json:"columns,omitempty"`
	Data             json.RawMessage `json:"data,omitempty"`
	Error            json.RawMessage `json:"error,omitempty"`
	Warnings         json.RawMessage `json:"warnings,omitempty"`
	Stats            Stats           `json:"stats"`
	UpdateType       string          `json:"updateType,omitempty"`
	UpdateCount      *uint64         `json:"updateCount,omitempty"`
}

// Stats is copied field-for-field from Trino's own stats object (see
// trino_api.rs's Stat) so a virtual QUEUED response and a proxied real
// response are indistinguishable to the client beyond the values.
type Stats struct {
	State              string  `json:"state"`
	Queued             bool    `json:"queued"`
	Scheduled          bool    `json:"scheduled"`
	Nodes              uint32  `json:"nodes"`
	TotalSplits        uint32  `json:"totalSplits"`
	QueuedSplits       uint32  `json:"queuedSplits"`
	RunningSplits      uint32  `json:"runningSplits"`
	CompletedSplits    uint32  `json:"completedSplits"`
	CPUTimeMillis      uint64  `json:"cpuTimeMillis"`
	WallTimeMillis     uint64  `json:"wallTimeMillis"`
	QueuedTimeMillis   uint64  `json:"queuedTimeMillis"`
	ElapsedTimeMillis  uint64  `json:"elapsedTimeMillis"`
	ProcessedRows      uint64  `json:"processedRows"`
	ProcessedBytes     uint64  `json:"processedBytes"`
	PhysicalInputBytes uint64  `json:"physicalInputBytes"`
	PeakMemoryBytes    uint64  `json:"peakMemoryBytes"`
	SpilledBytes       uint64  `json:"spilledBytes"`
	RootStage          json.RawMessage `json:"rootStage,omitempty"`
	ProgressPercentage *float32 `json:"progressPercentage,omitempty"`
	RunningPercentage  *float32 `json:"runningPercentage,omitempty"`
}

// IsTerminal reports whether state marks the end of a query's life, the
// trigger for the decrement protocol (§4.D) to release its admission slot.
func (s Stats) IsTerminal() bool {
	switch s.State {
	case "FINISHED", "FAILED", "CANCELED":
		return true
	default:
		return false
	}
}

// CostEstimate is the sum of a plan's child-stage cost estimates, produced by
// walking an EXPLAIN (FORMAT JSON) plan. Summed over every stage, not just
// the root's immediate children, per original_source's cost model.
type CostEstimate struct {
	CPUCost     float64
	MemoryCost  float64
	NetworkCost float64
	OutputRows  float64
	OutputBytes float64
}

func (c *CostEstimate) add(other CostEstimate) {
	c.CPUCost += other.CPUCost
	c.MemoryCost += other.MemoryCost
	c.NetworkCost += other.NetworkCost
	c.OutputRows += other.OutputRows
	c.OutputBytes += other.OutputBytes
}

// planNode is the subset of a Trino EXPLAIN (FORMAT JSON) plan node this
// client reads to accumulate cost estimates. Unknown fields are ignored.
type planNode struct {
	Estimates []struct {
		OutputRowCount  float64 `json:"outputRowCount"`
		OutputSizeBytes float64 `json:"outputSizeInBytes"`
		CPUCost         float64 `json:"cpuCost"`
		MemoryCost      float64 `json:"memoryCost"`
		NetworkCost     float64 `json:"networkCost"`
	} `json:"estimates"`
	Children []planNode `json:"children"`
}

func sumPlanCosts(n planNode) CostEstimate {
	var total CostEstimate
	for _, e := range n.Estimates {
		total.add(CostEstimate{
			CPUCost:     e.CPUCost,
			MemoryCost:  e.MemoryCost,
			NetworkCost: e.NetworkCost,
			OutputRows:  e.OutputRowCount,
			OutputBytes: e.OutputSizeBytes,
		})
	}
	for _, c := range n.Children {
		total.add(sumPlanCosts(c))
	}
	return total
}
