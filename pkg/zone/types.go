// Copyright (c) 2026 The zoned Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package zone holds the declarative and observed state of a guest zone,
// its on-disk persistence, and the bidirectional uuid<->domid lookup the
// rest of the daemon shares. It follows the Spec/Status split the
// teacher's persist API draws between immutable sandbox configuration and
// observed runtime state.
package zone

import (
	"github.com/google/uuid"
)

// State is a zone's lifecycle state.
type State string

const (
	StateCreating   State = "Creating"
	StateCreated    State = "Created"
	StateExited     State = "Exited"
	StateDestroying State = "Destroying"
	StateDestroyed  State = "Destroyed"
	StateFailed     State = "Failed"
)

// NoDomid is the zero value of a domid field meaning "no live domain", the
// Go equivalent of the original's MAX-value sentinel.
const NoDomid uint32 = 0

// DeviceSpec is one declared device claim (block, network, or passthrough
// PCI), named by the collaborator's device manager.
type DeviceSpec struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Path string `json:"path,omitempty"`
}

// NetworkSpec is a zone's declared network attachment.
type NetworkSpec struct {
	Bridge string `json:"bridge"`
}

// Spec is a zone's declarative, immutable-after-creation intent.
type Spec struct {
	UUID      uuid.UUID    `json:"uuid"`
	Name      string       `json:"name"`
	Image     string       `json:"image"`
	VCPUs     uint32       `json:"vcpus"`
	MemoryMB  uint64       `json:"memory_mb"`
	Env       []string     `json:"env,omitempty"`
	Command   []string     `json:"command,omitempty"`
	Devices   []DeviceSpec `json:"devices,omitempty"`
	Network   *NetworkSpec `json:"network,omitempty"`
}

// NetworkStatus records a zone's committed IP reservation.
type NetworkStatus struct {
	IPv4        string `json:"ipv4,omitempty"`
	IPv6        string `json:"ipv6,omitempty"`
	GatewayIPv4 string `json:"gateway_ipv4,omitempty"`
	GatewayIPv6 string `json:"gateway_ipv6,omitempty"`
}

// Status is a zone's observed runtime state.
type Status struct {
	State         State          `json:"state"`
	Domid         uint32         `json:"domid"`
	HostUUID      uuid.UUID      `json:"host_uuid"`
	NetworkStatus *NetworkStatus `json:"network_status,omitempty"`
	ExitStatus    *int           `json:"exit_status,omitempty"`
	ErrorStatus   string         `json:"error_status,omitempty"`
}

// Record is the persisted {spec, status} pair keyed by the spec's UUID.
type Record struct {
	Spec   Spec   `json:"spec"`
	Status Status `json:"status"`
}

// HasLiveDomain reports whether the record's state requires a resolvable
// live domain per the data model's invariant (a zone in Created has a
// non-zero domid that resolves in the hypervisor's live list).
func (r *Record) HasLiveDomain() bool {
	return r.Status.State == StateCreated && r.Status.Domid != NoDomid
}

// Fail transitions the record to Failed, recording msg and preventing any
// further dispatch per the reconciler's "Failed prevents rerun" rule.
func (r *Record) Fail(msg string) {
	r.Status.State = StateFailed
	r.Status.ErrorStatus = msg
}
