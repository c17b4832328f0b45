// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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

package consumer

// Classification buckets a consumer by how it must be released.
type Classification string

const (
	// ClassCompute consumers are workloads. Safe to terminate outright.
	ClassCompute Classification = "compute"
	// ClassDisplayServer consumers own the graphical session. Never killed
	// directly; released only by stopping their managing service, which
	// performs a clean shutdown instead of orphaning virtual terminals.
	ClassDisplayServer Classification = "display-server"
	// ClassUnknown consumers could not be attributed. Treated
	// conservatively: reported but never auto-killed.
	ClassUnknown Classification = "unknown"
)

// Record describes one process holding the target GPU. Records live for a
// single run and are never persisted.
type Record struct {
	PID        int            `json:"pid" yaml:"pid"`
	Name       string         `json:"name" yaml:"name"`
	AccessPath string         `json:"accessPath" yaml:"accessPath"`
	Class      Classification `json:"class" yaml:"class"`
}
