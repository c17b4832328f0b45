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

// Package k8s marks the hosting Kubernetes node unschedulable around a
// reload, so the scheduler stops placing GPU pods on a node whose driver
// is about to disappear. Everything here is optional and best-effort: a
// node that is not part of a cluster simply skips it.
package k8s

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	typedcorev1 "k8s.io/client-go/kubernetes/typed/core/v1"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"
)

const envNodeName = "NODE_NAME"

// Cordoner toggles the schedulable state of one node.
type Cordoner struct {
	nodes    typedcorev1.NodeInterface
	nodeName string
}

// NewCordoner builds a client from the given kubeconfig (falling back to
// KUBECONFIG and ~/.kube/config) and resolves the node this host maps to:
// NODE_NAME when set, hostname otherwise.
func NewCordoner(kubeconfig string) (*Cordoner, error) {
	if kubeconfig == "" {
		kubeconfig = os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			candidate := filepath.Join(homedir.HomeDir(), ".kube", "config")
			if _, err := os.Stat(candidate); err == nil {
				kubeconfig = candidate
			}
		}
	}

	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build kube config: %w", err)
	}

	client, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	nodeName := os.Getenv(envNodeName)
	if nodeName == "" {
		nodeName, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve node name: %w", err)
		}
	}

	return &Cordoner{
		nodes:    client.CoreV1().Nodes(),
		nodeName: nodeName,
	}, nil
}

// NodeName returns the resolved node name.
func (c *Cordoner) NodeName() string {
	return c.nodeName
}

// Cordon marks the node unschedulable.
func (c *Cordoner) Cordon(ctx context.Context) error {
	return c.setUnschedulable(ctx, true)
}

// Uncordon marks the node schedulable again.
func (c *Cordoner) Uncordon(ctx context.Context) error {
	return c.setUnschedulable(ctx, false)
}

func (c *Cordoner) setUnschedulable(ctx context.Context, unschedulable bool) error {
	// Verify the node exists before patching so a bad NODE_NAME surfaces
	// as a clear error.
	if _, err := c.nodes.Get(ctx, c.nodeName, metav1.GetOptions{}); err != nil {
		return fmt.Errorf("failed to get node %s: %w", c.nodeName, err)
	}

	patch := fmt.Sprintf(`{"spec":{"unschedulable":%t}}`, unschedulable)
	_, err := c.nodes.Patch(ctx, c.nodeName, types.StrategicMergePatchType,
		[]byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to patch node %s: %w", c.nodeName, err)
	}
	return nil
}
