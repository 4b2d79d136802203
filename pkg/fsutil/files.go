package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"

	defs "persistd/definitions"
)

// FileExist reports whether a node exists at path without following a final
// symlink, so a dangling symlink still counts. An unreadable path (a stat
// error other than not-exist) counts as absent: the caller cannot do
// anything with it either way.
func FileExist(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func IsRegular(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return stat.Mode().IsRegular()
}

func IsDir(path string) bool {
	stat, err := os.Stat(path)
	if err != nil {
		return false
	}
	return stat.IsDir()
}

func IsSymlink(path string) bool {
	stat, err := os.Lstat(path)
	if err != nil {
		return false
	}
	return stat.Mode()&os.ModeSymlink != 0
}

// SameNode reports whether two paths resolve to the same inode on the same
// device. This is how an already-established bind mount is recognized: the
// mount target and its source share (dev, ino).
func SameNode(a, b string) (bool, error) {
	sa, err := os.Stat(a)
	if err != nil {
		return false, err
	}
	sb, err := os.Stat(b)
	if err != nil {
		return false, err
	}
	return os.SameFile(sa, sb), nil
}

// MountPoint consults the kernel mount table and reports whether path is
// the root of an active mount. Bind mounts show up as ordinary entries, so
// a same-device bind is recognized too.
func MountPoint(path string) (bool, error) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return false, err
	}

	clean := filepath.Clean(path)
	for _, p := range parts {
		if filepath.Clean(p.Mountpoint) == clean {
			return true, nil
		}
	}
	return false, nil
}

// SymlinkTarget returns the literal target of a symlink, or an empty string
// if path is not a symlink.
func SymlinkTarget(path string) string {
	if !IsSymlink(path) {
		return ""
	}
	target, err := os.Readlink(path)
	if err != nil {
		return ""
	}
	return target
}

// EnsureDir checks if a directory exists, if not then creates it.
func EnsureDir(path string, mode os.FileMode) error {
	if !filepath.IsAbs(path) {
		return fmt.Errorf("not an absolute path: %s", path)
	}

	if fi, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			if err = os.MkdirAll(path, mode); err != nil {
				return err
			}
		} else {
			return err
		}
	} else if !fi.IsDir() {
		return fmt.Errorf("not a directory: %s", path)
	}

	return nil
}

// allParentPaths returns all the parent directories of a path, including
// itself but excluding the root directory "/".
// For example, "/foo/bar/biz" returns {"/foo", "/foo/bar", "/foo/bar/biz"}.
func allParentPaths(path string) []string {
	if path == "/" || path == "." {
		return []string{}
	}

	paths := []string{filepath.Clean(path)}
	cur := path
	var parent string
	for cur != "/" && cur != "." {
		parent = filepath.Dir(cur)
		paths = append([]string{parent}, paths...)
		cur = parent
	}
	return paths[1:]
}

// MkdirAllWithInheritedOwner creates a directory named path, along with any
// necessary parents. Missing directories are created with the ownership of
// the last existing parent, so a service home created under /var/lib ends up
// owned like /var/lib rather than like the process. The path needs to be
// absolute and the method doesn't handle symlinks.
func MkdirAllWithInheritedOwner(path string, perm os.FileMode) error {
	if len(path) == 0 {
		return fmt.Errorf("path cannot be empty")
	}

	var uid = os.Getuid()
	var gid = os.Getgid()

	for _, curPath := range allParentPaths(path) {
		info, err := os.Stat(curPath)

		if err != nil {
			if err = os.MkdirAll(curPath, perm); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err = syscall.Chown(curPath, uid, gid); err != nil {
				return fmt.Errorf("failed to change ownership: %w", err)
			}
			continue
		}

		if !info.IsDir() {
			return &os.PathError{Op: "mkdir", Path: curPath, Err: syscall.ENOTDIR}
		}
		if stat, ok := info.Sys().(*syscall.Stat_t); ok {
			uid = int(stat.Uid)
			gid = int(stat.Gid)
		} else {
			return fmt.Errorf("failed to retrieve UID and GID for path: %s", curPath)
		}
	}
	return nil
}

func SaveJSON(file string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize struct: %w", err)
	}
	return os.WriteFile(file, data, defs.FileMode)
}

func LoadJSON(file string, v any) error {
	content, err := os.ReadFile(file)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := json.Unmarshal(content, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}
	return nil
}
