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
	gopath "path"
	"strings"

	"github.com/spf13/afero"

	"github.com/nestybox/microvisor/domain"
)

var _ domain.IOnodeIface = (*ioNode)(nil)

// ioNode is a VFS node bound to the afero fs of its mount. The virtual path
// is what the caller named; rel is the path inside the mount's backend.
type ioNode struct {
	name  string
	path  string // virtual path
	rel   string // path within the mount's fs
	flags int
	mode  os.FileMode
	file  afero.File

	svc *ioService
	mp  *mountPoint
}

func newIOnode(svc *ioService, mp *mountPoint, path, rel string) *ioNode {
	return &ioNode{
		name: gopath.Base(path),
		path: path,
		rel:  rel,
		mode: 0644,
		svc:  svc,
		mp:   mp,
	}
}

func (i *ioNode) Name() string { return i.name }
func (i *ioNode) Path() string { return i.path }

func (i *ioNode) OpenFlags() int { return i.flags }
func (i *ioNode) SetOpenFlags(flags int) { i.flags = flags }
func (i *ioNode) OpenMode() os.FileMode { return i.mode }
func (i *ioNode) SetOpenMode(m os.FileMode) { i.mode = m }

func (i *ioNode) Open() error {
	file, err := i.mp.fs.OpenFile(i.rel, i.flags, i.mode)
	if err != nil {
		return err
	}
	i.file = file
	return nil
}

func (i *ioNode) Read(p []byte) (int, error) {
	if i.file == nil {
		return 0, fmt.Errorf("node %s not currently opened", i.path)
	}
	return i.file.Read(p)
}

func (i *ioNode) Write(p []byte) (int, error) {
	if i.file == nil {
		return 0, fmt.Errorf("node %s not currently opened", i.path)
	}
	return i.file.Write(p)
}

func (i *ioNode) Close() error {
	if i.file == nil {
		return fmt.Errorf("node %s not currently opened", i.path)
	}
	err := i.file.Close()
	i.file = nil
	return err
}

func (i *ioNode) ReadAll() ([]byte, error) {
	data, err := afero.ReadFile(i.mp.fs, i.rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", i.path, domain.ErrNotFound)
		}
		return nil, err
	}
	return data, nil
}

func (i *ioNode) WriteAll(p []byte) error {
	if dir := gopath.Dir(i.rel); dir != "/" {
		if err := i.mp.fs.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return afero.WriteFile(i.mp.fs, i.rel, p, i.mode)
}

func (i *ioNode) Mkdir() error {
	return i.mp.fs.Mkdir(i.rel, 0755)
}

func (i *ioNode) MkdirAll() error {
	return i.mp.fs.MkdirAll(i.rel, 0755)
}

func (i *ioNode) Remove() error {
	if err := i.mp.fs.Remove(i.rel); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", i.path, domain.ErrNotFound)
		}
		return err
	}
	return nil
}

func (i *ioNode) RemoveAll() error {
	return i.mp.fs.RemoveAll(i.rel)
}

func (i *ioNode) Truncate(size int64) error {
	file, err := i.mp.fs.OpenFile(i.rel, os.O_WRONLY, i.mode)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", i.path, domain.ErrNotFound)
		}
		return err
	}
	defer file.Close()
	return file.Truncate(size)
}

// Rename moves the node within its own mount. Cross-mount moves degrade to a
// copy at the caller's layer.
func (i *ioNode) Rename(newPath string) error {
	target, err := i.svc.Resolve(newPath)
	if err != nil {
		return err
	}
	tn := target.(*ioNode)
	if tn.mp != i.mp {
		return fmt.Errorf("rename across mounts (%s -> %s): %w",
			i.mp.prefix, tn.mp.prefix, domain.ErrInvalid)
	}
	if dir := gopath.Dir(tn.rel); dir != "/" {
		if err := i.mp.fs.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return i.mp.fs.Rename(i.rel, tn.rel)
}

func (i *ioNode) Exists() bool {
	ok, err := afero.Exists(i.mp.fs, i.rel)
	return err == nil && ok
}

func (i *ioNode) Stat() (os.FileInfo, error) {
	fi, err := i.mp.fs.Stat(i.rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", i.path, domain.ErrNotFound)
		}
		return nil, err
	}
	return fi, nil
}

func (i *ioNode) ReadDirAll() ([]os.FileInfo, error) {
	entries, err := afero.ReadDir(i.mp.fs, i.rel)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", i.path, domain.ErrNotFound)
		}
		return nil, err
	}

	// MemMapFs lists the mount root itself when asked for "/"; drop it.
	out := entries[:0]
	for _, fi := range entries {
		if strings.TrimPrefix(fi.Name(), "/") == "" {
			continue
		}
		out = append(out, fi)
	}
	return out, nil
}
