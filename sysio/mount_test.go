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

package sysio

import (
	"io/ioutil"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

func TestMain(m *testing.M) {

	// Disable log generation during UT.
	logrus.SetOutput(ioutil.Discard)

	m.Run()
}

func TestMountResolution(t *testing.T) {
	svc := NewIOService().(*ioService)

	if err := svc.Mount("/data", domain.IOMemBackend, ""); err != nil {
		t.Fatalf("Mount() failed: %v", err)
	}

	node, err := svc.Resolve("/data/file.txt")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if node.(*ioNode).mp.prefix != "/data" {
		t.Errorf("resolved mount = %q, want /data", node.(*ioNode).mp.prefix)
	}

	// Mid-component prefix overlap lands on the root mount, not on /data.
	node, err = svc.Resolve("/database/x")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if node.(*ioNode).mp.prefix != "/" {
		t.Errorf("resolved mount = %q, want /", node.(*ioNode).mp.prefix)
	}
}

func TestMountTableOperations(t *testing.T) {
	svc := NewIOService().(*ioService)

	if err := svc.Mount("/data", domain.IOMemBackend, ""); err != nil {
		t.Fatalf("Mount() failed: %v", err)
	}
	if err := svc.Mount("/data", domain.IOMemBackend, ""); err == nil {
		t.Errorf("duplicate mount accepted")
	}
	if err := svc.Unmount("/"); err == nil {
		t.Errorf("root unmount accepted")
	}

	if len(svc.Mounts()) != 2 {
		t.Errorf("mounts = %d, want 2", len(svc.Mounts()))
	}

	if err := svc.Unmount("/data"); err != nil {
		t.Fatalf("Unmount() failed: %v", err)
	}
	if err := svc.Unmount("/data"); err == nil {
		t.Errorf("double unmount accepted")
	}
}

func TestNodeRoundTripAcrossMounts(t *testing.T) {
	svc := NewIOService().(*ioService)
	svc.Mount("/data", domain.IOMemBackend, "")

	node, _ := svc.Resolve("/data/dir/f.txt")
	if err := node.WriteAll([]byte("hello")); err != nil {
		t.Fatalf("WriteAll() failed: %v", err)
	}

	// Same path resolves to the same backing bytes.
	node2, _ := svc.Resolve("/data/dir/f.txt")
	out, err := node2.ReadAll()
	if err != nil || string(out) != "hello" {
		t.Fatalf("ReadAll() = %q, %v", out, err)
	}

	// The root mount must not see the other mount's namespace.
	rootNode, _ := svc.Resolve("/dir/f.txt")
	if rootNode.Exists() {
		t.Errorf("mount namespaces leaked")
	}
}

func TestNodeRenameWithinMount(t *testing.T) {
	svc := NewIOService().(*ioService)

	node, _ := svc.Resolve("/a.txt")
	node.WriteAll([]byte("x"))

	if err := node.Rename("/b.txt"); err != nil {
		t.Fatalf("Rename() failed: %v", err)
	}

	moved, _ := svc.Resolve("/b.txt")
	if !moved.Exists() {
		t.Errorf("rename target missing")
	}
}

func TestNodeRenameAcrossMountsRejected(t *testing.T) {
	svc := NewIOService().(*ioService)
	svc.Mount("/data", domain.IOMemBackend, "")

	node, _ := svc.Resolve("/a.txt")
	node.WriteAll([]byte("x"))

	if err := node.Rename("/data/a.txt"); !domain.IsInvalid(err) {
		t.Errorf("cross-mount rename = %v, want invalid-argument", err)
	}
}

func TestFdTableMinimumSlot(t *testing.T) {
	svc := NewIOService().(*ioService)
	tbl := svc.NewFdTable(0)

	n0, _ := svc.Resolve("/f0")
	n1, _ := svc.Resolve("/f1")
	n2, _ := svc.Resolve("/f2")

	fd0, _ := tbl.Open(n0)
	fd1, _ := tbl.Open(n1)
	if fd0 != 0 || fd1 != 1 {
		t.Fatalf("fds = %d, %d, want 0, 1", fd0, fd1)
	}

	// Closing the low slot makes it the next allocation again.
	tbl.Close(fd0)
	fd2, _ := tbl.Open(n2)
	if fd2 != 0 {
		t.Errorf("reopened fd = %d, want the minimum unused slot 0", fd2)
	}
}

func TestFdTableLimit(t *testing.T) {
	svc := NewIOService().(*ioService)
	tbl := svc.NewFdTable(2)

	n, _ := svc.Resolve("/f")
	tbl.Open(n)
	tbl.Open(n)

	if _, err := tbl.Open(n); !domain.IsExhausted(err) {
		t.Errorf("open past the limit = %v, want resource-exhausted", err)
	}

	tbl.CloseAll()
	if tbl.Count() != 0 {
		t.Errorf("CloseAll() left %d descriptors", tbl.Count())
	}
}
