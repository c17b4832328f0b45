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

package cli

import (
	"context"
	"strings"
	"testing"

	"github.com/NVIDIA/gpu-reloader/pkg/serializer"
)

func TestRootCommandWiring(t *testing.T) {
	root := rootCmd()

	want := []string{"reload", "detect", "status", "version"}
	for _, name := range want {
		found := false
		for _, c := range root.Commands {
			if c.Name == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}

// status reports the configured module plan, so it must accept --config.
func TestStatusCommandAcceptsConfig(t *testing.T) {
	cmd := statusCmd()

	for _, f := range cmd.Flags {
		for _, name := range f.Names() {
			if name == "config" {
				return
			}
		}
	}
	t.Error("status command is missing the config flag")
}

func TestFormatValidation(t *testing.T) {
	tests := []struct {
		name    string
		format  string
		wantErr bool
	}{
		{name: "valid yaml format", format: "yaml", wantErr: false},
		{name: "valid json format", format: "json", wantErr: false},
		{name: "valid table format", format: "table", wantErr: false},
		{name: "invalid format xml", format: "xml", wantErr: true},
		{name: "invalid format csv", format: "csv", wantErr: true},
		{name: "empty format", format: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := serializer.Format(tt.format).IsUnknown()
			if got != tt.wantErr {
				t.Errorf("Format(%q).IsUnknown() = %v, want %v", tt.format, got, tt.wantErr)
			}
		})
	}
}

// An unknown format must fail before any system access.
func TestReloadRejectsUnknownFormat(t *testing.T) {
	root := rootCmd()

	err := root.Run(context.TODO(), []string{"nvreload", "reload", "--format", "csv"})
	if err == nil {
		t.Fatal("expected an error for unknown format")
	}
	if !strings.Contains(err.Error(), "unknown output format") {
		t.Errorf("unexpected error: %v", err)
	}
}
