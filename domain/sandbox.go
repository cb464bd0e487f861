//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package domain

import (
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
)

// Capability is a named permission token required by a syscall variant.
// Capabilities form a plain set; profiles compose by union, never by
// inheritance.
type Capability string

const (
	CapReadFile       Capability = "read_file"
	CapWriteFile      Capability = "write_file"
	CapCreateFile     Capability = "create_file"
	CapDeleteFile     Capability = "delete_file"
	CapListDirectory  Capability = "list_directory"
	CapSpawnProcess   Capability = "spawn_process"
	CapKillProcess    Capability = "kill_process"
	CapNetworkAccess  Capability = "network_access"
	CapBindPort       Capability = "bind_port"
	CapSystemInfo     Capability = "system_info"
	CapTimeAccess     Capability = "time_access"
	CapSendMessage    Capability = "send_message"
	CapReceiveMessage Capability = "receive_message"
	CapManageMemory   Capability = "manage_memory"
)

// SandboxProfile names one of the predefined capability bundles.
type SandboxProfile uint8

const (
	ProfileMinimal SandboxProfile = iota
	ProfileStandard
	ProfilePrivileged
)

func (p SandboxProfile) String() string {
	switch p {
	case ProfileMinimal:
		return "MINIMAL"
	case ProfileStandard:
		return "STANDARD"
	case ProfilePrivileged:
		return "PRIVILEGED"
	}
	return fmt.Sprintf("profile(%d)", uint8(p))
}

// ParseSandboxProfile maps the wire-level profile names onto the enum.
// Unknown names fall back to STANDARD, matching the original client behavior.
func ParseSandboxProfile(s string) SandboxProfile {
	switch s {
	case "MINIMAL", "minimal":
		return ProfileMinimal
	case "PRIVILEGED", "privileged":
		return ProfilePrivileged
	default:
		return ProfileStandard
	}
}

// ResourceLimits bounds the numeric resources a sandboxed process may hold.
// A zero field means unlimited.
type ResourceLimits struct {
	MaxMemoryBytes  uint64
	MaxCPUTimeMs    uint64
	MaxFds          int
	MaxChildren     int
	MaxNetworkConns int
}

// SandboxPolicy bundles the capabilities, path rules and resource limits
// applied to one process. Policies are copied at spawn; mutating a profile
// template never affects live processes.
type SandboxPolicy struct {
	Profile    SandboxProfile
	Caps       mapset.Set[Capability]
	AllowPaths []string
	DenyPaths  []string
	Limits     ResourceLimits
}

// Has reports whether the policy grants the given capability.
func (p *SandboxPolicy) Has(c Capability) bool {
	return p.Caps != nil && p.Caps.Contains(c)
}

// Clone deep-copies the policy so per-process overrides can't leak back into
// the profile templates.
func (p *SandboxPolicy) Clone() *SandboxPolicy {
	clone := &SandboxPolicy{
		Profile:    p.Profile,
		Caps:       p.Caps.Clone(),
		AllowPaths: append([]string(nil), p.AllowPaths...),
		DenyPaths:  append([]string(nil), p.DenyPaths...),
		Limits:     p.Limits,
	}
	return clone
}

// SandboxServiceIface is the capability/sandbox enforcement engine consulted
// by the syscall gate.
type SandboxServiceIface interface {
	Setup(evs ObservabilityIface)

	// PolicyFor returns a fresh policy copy for the given profile.
	PolicyFor(profile SandboxProfile) *SandboxPolicy

	// RequiredCaps derives the capability set a syscall variant demands.
	RequiredCaps(sc Syscall) []Capability

	// CheckSyscall runs the full gate: capability check plus path rules for
	// path-bearing variants. A nil error means the syscall may proceed; the
	// returned syscall has had its paths canonicalized in place.
	CheckSyscall(pid Pid, policy *SandboxPolicy, sc Syscall) (Syscall, error)

	// CanonicalizePath resolves the path without consulting any policy.
	// needName demands a final file-name component (create-style calls).
	CanonicalizePath(path string, needName bool) (string, error)

	// CheckPath applies the allow/deny lists to an already-canonical path.
	CheckPath(policy *SandboxPolicy, path string) error
}
