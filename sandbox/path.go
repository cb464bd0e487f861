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
	"fmt"
	gopath "path"
	"strings"

	"github.com/nestybox/microvisor/domain"
)

// CanonicalizePath cleans a virtual path, resolving "." and ".." segments.
// Paths are virtual (always slash-separated, always absolute); a relative
// path or one whose traversal escapes the root is rejected. With needName
// set, the result must carry a final file-name component — "..", a bare
// separator and the root have none, and those are invalid arguments rather
// than panics.
func (ss *sandboxService) CanonicalizePath(path string, needName bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path: %w", domain.ErrInvalid)
	}
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("path %q is not absolute: %w", path, domain.ErrInvalid)
	}

	clean := gopath.Clean(path)

	// Clean anchors ".." at the root, so "/../x" becomes "/x". Treat an
	// attempted escape as a traversal violation rather than silently
	// accepting the re-anchored path.
	if escapesRoot(path) {
		return "", fmt.Errorf("path %q escapes the virtual root", path)
	}

	if needName {
		base := gopath.Base(clean)
		if clean == "/" || base == "/" || base == "." || base == ".." ||
			strings.HasSuffix(path, "/") {
			return "", fmt.Errorf("path %q has no file-name component: %w",
				path, domain.ErrInvalid)
		}
	}

	return clean, nil
}

// escapesRoot walks the raw segments counting depth; a ".." taking the walk
// above the root is an escape attempt.
func escapesRoot(path string) bool {
	depth := 0
	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
		case "..":
			depth--
			if depth < 0 {
				return true
			}
		default:
			depth++
		}
	}
	return false
}

// CheckPath applies the policy's path lists to an already-canonical path.
// Deny entries win over allow entries; an empty allow list admits everything
// not denied.
func (ss *sandboxService) CheckPath(policy *domain.SandboxPolicy, path string) error {
	for _, deny := range policy.DenyPaths {
		if pathHasPrefix(path, deny) {
			return fmt.Errorf("path %q is denied by sandbox policy", path)
		}
	}

	if len(policy.AllowPaths) == 0 {
		return nil
	}
	for _, allow := range policy.AllowPaths {
		if pathHasPrefix(path, allow) {
			return nil
		}
	}

	return fmt.Errorf("path %q is outside the sandbox allow-list", path)
}

// pathHasPrefix matches on whole path components, so "/tmpfoo" doesn't match
// an allowance for "/tmp".
func pathHasPrefix(path, prefix string) bool {
	if prefix == "/" || path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// checkPaths canonicalizes and vets the paths carried by a syscall variant,
// returning a copy of the variant with the canonical paths substituted.
func (ss *sandboxService) checkPaths(
	policy *domain.SandboxPolicy, sc domain.Syscall) (domain.Syscall, error) {

	canon := func(p string, needName bool) (string, error) {
		clean, err := ss.CanonicalizePath(p, needName)
		if err != nil {
			return "", err
		}
		if err := ss.CheckPath(policy, clean); err != nil {
			return "", err
		}
		return clean, nil
	}

	switch v := sc.(type) {
	case domain.ReadFile:
		p, err := canon(v.Path, false)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.WriteFile:
		p, err := canon(v.Path, true)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.CreateFile:
		p, err := canon(v.Path, true)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.DeleteFile:
		p, err := canon(v.Path, true)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.ListDirectory:
		p, err := canon(v.Path, false)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.FileExists:
		p, err := canon(v.Path, false)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.FileStat:
		p, err := canon(v.Path, false)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.MoveFile:
		src, err := canon(v.Source, false)
		if err != nil {
			return sc, err
		}
		dst, err := canon(v.Dest, true)
		if err != nil {
			return sc, err
		}
		v.Source, v.Dest = src, dst
		return v, nil
	case domain.CopyFile:
		src, err := canon(v.Source, false)
		if err != nil {
			return sc, err
		}
		dst, err := canon(v.Dest, true)
		if err != nil {
			return sc, err
		}
		v.Source, v.Dest = src, dst
		return v, nil
	case domain.CreateDirectory:
		p, err := canon(v.Path, true)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.RemoveDirectory:
		p, err := canon(v.Path, true)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.SetWorkingDirectory:
		p, err := canon(v.Path, false)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	case domain.TruncateFile:
		p, err := canon(v.Path, true)
		if err != nil {
			return sc, err
		}
		v.Path = p
		return v, nil
	}

	return sc, nil
}
