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

package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStructuredError_Error(t *testing.T) {
	t.Parallel()

	err := New(ErrCodeStopFailed, "stop gdm.service")
	assert.Equal(t, "[STOP_FAILED] stop gdm.service", err.Error())

	wrapped := Wrap(ErrCodeReleaseFailed, "unload nvidia_drm", stderrors.New("module in use"))
	assert.Equal(t, "[RELEASE_FAILED] unload nvidia_drm: module in use", wrapped.Error())
}

func TestStructuredError_Unwrap(t *testing.T) {
	t.Parallel()

	cause := stderrors.New("rmmod exit 1")
	err := Wrap(ErrCodeReleaseFailed, "unload nvidia", cause)

	assert.True(t, stderrors.Is(err, cause))

	var se *StructuredError
	assert.True(t, stderrors.As(fmt.Errorf("run failed: %w", err), &se))
	assert.Equal(t, ErrCodeReleaseFailed, se.Code)
}

func TestCodeOf(t *testing.T) {
	t.Parallel()

	assert.Equal(t, ErrCodeReacquireFailed,
		CodeOf(fmt.Errorf("outer: %w", New(ErrCodeReacquireFailed, "modprobe nvidia"))))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("plain")))
}

func TestNewWithContext(t *testing.T) {
	t.Parallel()

	err := NewWithContext(ErrCodeDetectionDegraded, "nvidia-smi unavailable",
		map[string]any{"gpu": "0000:01:00.0"})
	assert.Equal(t, "0000:01:00.0", err.Context["gpu"])
}
