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

// Package ledger records what a run has changed.
//
// A Ledger is the only source of truth for the reverse phase: restoration
// and rollback replay exactly what was recorded, in reverse, and never
// re-derive state by probing the system. Entries are appended only after
// the corresponding forward action succeeded; a failed stop or unload is
// never recorded.
package ledger

import "slices"

// Ledger is an append-only, insertion-ordered record of identifiers.
// It is owned by a single run and is not safe for concurrent use; the
// orchestration that writes it is strictly sequential.
type Ledger struct {
	name    string
	entries []string
}

// New creates an empty ledger. The name appears in logs and reports
// ("services", "modules").
func New(name string) *Ledger {
	return &Ledger{name: name}
}

// Name returns the ledger's name.
func (l *Ledger) Name() string {
	return l.name
}

// Append records an identifier. Forward order only; there is no removal.
func (l *Ledger) Append(id string) {
	l.entries = append(l.entries, id)
}

// Entries returns the recorded identifiers in insertion order.
// The returned slice is a copy.
func (l *Ledger) Entries() []string {
	return slices.Clone(l.entries)
}

// Reversed returns the recorded identifiers in reverse insertion order,
// which is the required order for restoration and rollback.
func (l *Ledger) Reversed() []string {
	out := slices.Clone(l.entries)
	slices.Reverse(out)
	return out
}

// Contains reports whether id was recorded.
func (l *Ledger) Contains(id string) bool {
	return slices.Contains(l.entries, id)
}

// Len returns the number of recorded identifiers.
func (l *Ledger) Len() int {
	return len(l.entries)
}
