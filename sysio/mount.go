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
	"fmt"
	"os"
	"strings"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.IOServiceIface = (*ioService)(nil)

// mountPoint binds a virtual path prefix to a backing afero file-system.
type mountPoint struct {
	prefix   string
	backend  domain.IOBackendType
	hostRoot string
	fs       afero.Fs
}

// ioService is the VFS. The mount table is an immutable radix tree swapped
// atomically on the rare mount/unmount, so path resolution on the syscall
// path never takes a lock (same read-mostly trade as the process table).
type ioService struct {
	writeMu sync.Mutex
	mounts  *iradix.Tree // guarded by writeMu for writes; reads via snapshot()

	snapMu sync.RWMutex // cheap pointer swap guard

	defaultFs afero.Fs

	evs domain.ObservabilityIface
}

// NewIOService builds the VFS with a mem-backed root mount.
func NewIOService() domain.IOServiceIface {
	svc := &ioService{
		mounts:    iradix.New(),
		defaultFs: afero.NewMemMapFs(),
	}

	if err := svc.Mount("/", domain.IOMemBackend, ""); err != nil {
		logrus.Fatalf("Unable to initialize VFS root mount: %v", err)
	}
	return svc
}

func (svc *ioService) Setup(evs domain.ObservabilityIface) {
	svc.evs = evs
}

func (svc *ioService) snapshot() *iradix.Tree {
	svc.snapMu.RLock()
	t := svc.mounts
	svc.snapMu.RUnlock()
	return t
}

func (svc *ioService) Mount(prefix string, backend domain.IOBackendType, hostRoot string) error {
	if !strings.HasPrefix(prefix, "/") {
		return fmt.Errorf("mount prefix %q is not absolute: %w", prefix, domain.ErrInvalid)
	}

	var fs afero.Fs
	switch backend {
	case domain.IOMemBackend:
		if prefix == "/" {
			fs = svc.defaultFs
		} else {
			fs = afero.NewMemMapFs()
		}
	case domain.IOHostBackend:
		if hostRoot == "" {
			return fmt.Errorf("host mount %q needs a host root: %w",
				prefix, domain.ErrInvalid)
		}
		if err := os.MkdirAll(hostRoot, 0700); err != nil {
			return fmt.Errorf("unable to create host root %s: %v", hostRoot, err)
		}
		fs = afero.NewBasePathFs(afero.NewOsFs(), hostRoot)
	default:
		return fmt.Errorf("mount backend %d unknown: %w", backend, domain.ErrInvalid)
	}

	mp := &mountPoint{
		prefix:   prefix,
		backend:  backend,
		hostRoot: hostRoot,
		fs:       fs,
	}

	svc.writeMu.Lock()
	defer svc.writeMu.Unlock()

	if _, ok := svc.mounts.Get([]byte(prefix)); ok {
		return fmt.Errorf("prefix %q already mounted: %w", prefix, domain.ErrInvalid)
	}

	next, _, _ := svc.mounts.Insert([]byte(prefix), mp)

	svc.snapMu.Lock()
	svc.mounts = next
	svc.snapMu.Unlock()

	logrus.Infof("VFS mount added: %s (backend %d)", prefix, backend)
	return nil
}

func (svc *ioService) Unmount(prefix string) error {
	if prefix == "/" {
		return fmt.Errorf("root mount cannot be removed: %w", domain.ErrInvalid)
	}

	svc.writeMu.Lock()
	defer svc.writeMu.Unlock()

	next, _, ok := svc.mounts.Delete([]byte(prefix))
	if !ok {
		return fmt.Errorf("mount %q: %w", prefix, domain.ErrNotFound)
	}

	svc.snapMu.Lock()
	svc.mounts = next
	svc.snapMu.Unlock()

	logrus.Infof("VFS mount removed: %s", prefix)
	return nil
}

func (svc *ioService) Mounts() []domain.MountInfo {
	var out []domain.MountInfo
	svc.snapshot().Root().Walk(func(k []byte, v interface{}) bool {
		mp := v.(*mountPoint)
		out = append(out, domain.MountInfo{
			Prefix:   mp.prefix,
			Backend:  mp.backend,
			HostRoot: mp.hostRoot,
		})
		return false
	})
	return out
}

// Resolve maps a canonical virtual path onto an io-node of its
// longest-prefix mount.
func (svc *ioService) Resolve(path string) (domain.IOnodeIface, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path %q is not absolute: %w", path, domain.ErrInvalid)
	}

	mp := svc.lookupMount(path)
	if mp == nil {
		return nil, fmt.Errorf("no mount serves %q: %w", path, domain.ErrNotFound)
	}

	rel := strings.TrimPrefix(path, mp.prefix)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}

	return newIOnode(svc, mp, path, rel), nil
}

// lookupMount walks prefixes longest-first, respecting path component
// boundaries so "/tmpfoo" never lands on the "/tmp" mount.
func (svc *ioService) lookupMount(path string) *mountPoint {
	tree := svc.snapshot()

	probe := path
	for {
		if _, v, ok := tree.Root().LongestPrefix([]byte(probe)); ok {
			mp := v.(*mountPoint)
			if mp.prefix == "/" || mp.prefix == path ||
				strings.HasPrefix(path, mp.prefix+"/") {
				return mp
			}
			// Prefix matched mid-component; retry above it.
			if idx := strings.LastIndex(mp.prefix, "/"); idx > 0 {
				probe = mp.prefix[:idx]
				continue
			}
			probe = "/"
			continue
		}
		return nil
	}
}

func (svc *ioService) NewIOnode(name, path string, mode os.FileMode) domain.IOnodeIface {
	node := newIOnode(svc, &mountPoint{prefix: "/", fs: svc.defaultFs}, path, path)
	node.name = name
	node.mode = mode
	return node
}

// RemoveAllIOnodes clears every mem-backed mount; unit-test hygiene, same
// purpose as the mem-fs reset of the original io service.
func (svc *ioService) RemoveAllIOnodes() error {
	var failed error
	svc.snapshot().Root().Walk(func(k []byte, v interface{}) bool {
		mp := v.(*mountPoint)
		if mp.backend == domain.IOMemBackend {
			if err := mp.fs.RemoveAll("/"); err != nil {
				failed = err
			}
		}
		return false
	})
	return failed
}
