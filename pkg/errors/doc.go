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

// Package errors provides structured error types for the reload orchestrator.
//
// Errors carry a classification code so callers can branch on failure class
// rather than string matching:
//
//	err := errors.Wrap(errors.ErrCodeReleaseFailed, "unload nvidia_drm", cause)
//	if errors.CodeOf(err) == errors.ErrCodeReleaseFailed {
//	    // roll back modules released so far
//	}
//
// The codes mirror the orchestrator's failure taxonomy: detection problems
// are degraded (non-fatal), stop/restore problems are warnings, and
// release/reacquire problems are fatal to their phase.
package errors
