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

package sandbox

import (
	"io/ioutil"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"

	"github.com/nestybox/microvisor/domain"
	"github.com/nestybox/microvisor/mocks"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

func newTestService() *sandboxService {
	evs := &mocks.ObservabilityIface{}
	evs.On("Emit", mock.Anything).Return()

	ss := NewSandboxService().(*sandboxService)
	ss.Setup(evs)
	return ss
}

func TestProfileComposition(t *testing.T) {
	ss := newTestService()

	minimal := ss.PolicyFor(domain.ProfileMinimal)
	if minimal.Has(domain.CapReadFile) {
		t.Errorf("minimal profile must not grant %s", domain.CapReadFile)
	}
	if !minimal.Has(domain.CapTimeAccess) {
		t.Errorf("minimal profile must grant %s", domain.CapTimeAccess)
	}

	std := ss.PolicyFor(domain.ProfileStandard)
	if !std.Has(domain.CapReadFile) || !std.Has(domain.CapWriteFile) {
		t.Errorf("standard profile must grant file caps")
	}
	if std.Has(domain.CapSpawnProcess) {
		t.Errorf("standard profile must not grant %s", domain.CapSpawnProcess)
	}

	priv := ss.PolicyFor(domain.ProfilePrivileged)
	if !priv.Has(domain.CapSpawnProcess) || !priv.Has(domain.CapNetworkAccess) {
		t.Errorf("privileged profile must grant all caps")
	}
}

func TestPolicyCloneIsolation(t *testing.T) {
	ss := newTestService()

	p1 := ss.PolicyFor(domain.ProfileStandard)
	p2 := p1.Clone()

	p2.Caps.Add(domain.CapSpawnProcess)
	if p1.Has(domain.CapSpawnProcess) {
		t.Errorf("mutating a clone leaked into the source policy")
	}
}

func TestCheckSyscallMissingCap(t *testing.T) {
	ss := newTestService()
	policy := ss.PolicyFor(domain.ProfileMinimal)

	_, err := ss.CheckSyscall(1, policy, domain.ReadFile{Path: "/tmp/x"})
	if err == nil {
		t.Fatalf("minimal profile must not pass a read_file gate")
	}
}

func TestCheckSyscallTraversalEscape(t *testing.T) {
	ss := newTestService()
	policy := ss.PolicyFor(domain.ProfileStandard)

	// "/tmp/../etc/passwd" canonicalizes to "/etc/passwd", which the deny
	// list rejects; the traversal must not slip past the lists.
	_, err := ss.CheckSyscall(1, policy, domain.ReadFile{Path: "/tmp/../etc/passwd"})
	if err == nil {
		t.Fatalf("path traversal into a denied prefix must be rejected")
	}
	if domain.IsInvalid(err) {
		t.Fatalf("denial expected, not invalid-argument: %v", err)
	}
}

func TestCheckSyscallCanonicalSubstitution(t *testing.T) {
	ss := newTestService()
	policy := ss.PolicyFor(domain.ProfileStandard)

	gated, err := ss.CheckSyscall(1, policy, domain.ReadFile{Path: "/tmp/a/./../b"})
	if err != nil {
		t.Fatalf("CheckSyscall() failed: %v", err)
	}
	if got := gated.(domain.ReadFile).Path; got != "/tmp/b" {
		t.Errorf("canonical path = %q, want /tmp/b", got)
	}
}

func TestCheckSyscallNoPathsRequired(t *testing.T) {
	ss := newTestService()
	policy := ss.PolicyFor(domain.ProfileStandard)

	if _, err := ss.CheckSyscall(1, policy, domain.GetCurrentTime{}); err != nil {
		t.Errorf("time syscall under standard profile failed: %v", err)
	}
}
