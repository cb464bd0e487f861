
package implementations

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/nestybox/microvisor/domain"
)

//
// File-system syscall handler. Paths arriving here are canonical: the
// sandbox gate resolved traversal and vetted the allow/deny lists before
// dispatch.
//
type FsHandlerType struct {
	Name    string
	Enabled bool
	Service domain.HandlerServiceIface
}

var Fs_Handler = &FsHandlerType{
	Name:    "fs",
	Enabled: true,
}

func (h *FsHandlerType) Kinds() []domain.SyscallKind {
	return []domain.SyscallKind{
		domain.KindReadFile,
		domain.KindWriteFile,
		domain.KindCreateFile,
		domain.KindDeleteFile,
		domain.KindListDirectory,
		domain.KindFileExists,
		domain.KindFileStat,
		domain.KindMoveFile,
		domain.KindCopyFile,
		domain.KindCreateDirectory,
		domain.KindRemoveDirectory,
		domain.KindGetWorkingDirectory,
		domain.KindSetWorkingDirectory,
		domain.KindTruncateFile,
	}
}

func (h *FsHandlerType) Handle(req *domain.HandlerRequest) domain.SyscallResult {
	logrus.Debugf("Executing %v handler for %v", h.Name, req.Syscall.Kind())

	ios := h.Service.IOService()

	switch sc := req.Syscall.(type) {

	case domain.ReadFile:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		data, err := node.ReadAll()
		if err != nil {
			return errResult(err)
		}
		return domain.OkResult(data)

	case domain.WriteFile:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		if err := node.WriteAll(sc.Data); err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]int{"written": len(sc.Data)})

	case domain.CreateFile:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		if node.Exists() {
			return domain.InvalidArgResult(
				fmt.Sprintf("path %s already exists", sc.Path))
		}
		if err := node.WriteAll(nil); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.DeleteFile:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		if err := node.Remove(); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.ListDirectory:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		entries, err := node.ReadDirAll()
		if err != nil {
			return errResult(err)
		}
		return jsonResult(fileInfos(entries))

	case domain.FileExists:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		return jsonResult(map[string]bool{"exists": node.Exists()})

	case domain.FileStat:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		fi, err := node.Stat()
		if err != nil {
			return errResult(err)
		}
		return jsonResult(fileInfo(fi))

	case domain.MoveFile:
		return h.move(req, sc)

	case domain.CopyFile:
		return h.copy(sc)

	case domain.CreateDirectory:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		if err := node.MkdirAll(); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.RemoveDirectory:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		if sc.Recursive {
			err = node.RemoveAll()
		} else {
			err = node.Remove()
		}
		if err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()

	case domain.GetWorkingDirectory:
		return jsonResult(map[string]string{"cwd": req.Process.Cwd()})

	case domain.SetWorkingDirectory:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		fi, err := node.Stat()
		if err != nil {
			return errResult(err)
		}
		if !fi.IsDir() {
			return domain.InvalidArgResult(
				fmt.Sprintf("path %s is not a directory", sc.Path))
		}
		req.Process.SetCwd(sc.Path)
		return domain.OkEmpty()

	case domain.TruncateFile:
		node, err := ios.Resolve(sc.Path)
		if err != nil {
			return errResult(err)
		}
		if err := node.Truncate(int64(sc.Size)); err != nil {
			return errResult(err)
		}
		return domain.OkEmpty()
	}

	return mismatch(req)
}

// move renames within a mount and degrades to copy+delete across mounts.
func (h *FsHandlerType) move(req *domain.HandlerRequest, sc domain.MoveFile) domain.SyscallResult {
	ios := h.Service.IOService()

	node, err := ios.Resolve(sc.Source)
	if err != nil {
		return errResult(err)
	}
	if !node.Exists() {
		return domain.NotFoundResult(sc.Source)
	}

	if err := node.Rename(sc.Dest); err != nil {
		if !domain.IsInvalid(err) {
			return errResult(err)
		}
		if res := h.copy(domain.CopyFile{Source: sc.Source, Dest: sc.Dest}); !res.Ok() {
			return res
		}
		if err := node.Remove(); err != nil {
			return errResult(err)
		}
	}
	return domain.OkEmpty()
}

func (h *FsHandlerType) copy(sc domain.CopyFile) domain.SyscallResult {
	ios := h.Service.IOService()

	src, err := ios.Resolve(sc.Source)
	if err != nil {
		return errResult(err)
	}
	data, err := src.ReadAll()
	if err != nil {
		return errResult(err)
	}

	dst, err := ios.Resolve(sc.Dest)
	if err != nil {
		return errResult(err)
	}
	if err := dst.WriteAll(data); err != nil {
		return errResult(err)
	}
	return jsonResult(map[string]int{"copied": len(data)})
}

func fileInfo(fi os.FileInfo) domain.FileInfo {
	return domain.FileInfo{
		Name:    fi.Name(),
		Size:    fi.Size(),
		Mode:    uint32(fi.Mode()),
		ModTime: fi.ModTime().UnixNano(),
		IsDir:   fi.IsDir(),
	}
}

func fileInfos(fis []os.FileInfo) []domain.FileInfo {
	out := make([]domain.FileInfo, 0, len(fis))
	for _, fi := range fis {
		out = append(out, fileInfo(fi))
	}
	return out
}

func (h *FsHandlerType) GetName() string { return h.Name }
func (h *FsHandlerType) GetEnabled() bool { return h.Enabled }
func (h *FsHandlerType) SetEnabled(val bool) { h.Enabled = val }
func (h *FsHandlerType) GetService() domain.HandlerServiceIface { return h.Service }
func (h *FsHandlerType) SetService(hs domain.HandlerServiceIface) { h.Service = hs }
