package components

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// joinUnder places an absolute path p beneath root
func joinUnder(root, p string) string {
	return filepath.Join(root, strings.TrimPrefix(filepath.Clean(p), string(filepath.Separator)))
}

// archivedName is the staging-relative name of a captured source path
func archivedName(source string) string {
	name := strings.TrimPrefix(filepath.ToSlash(filepath.Clean(source)), "/")
	if name == "" || name == "." {
		return "root"
	}
	return name
}

func matchesAny(patterns []string, rel, base string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
		if strings.HasSuffix(p, "/") && (rel == strings.TrimSuffix(p, "/") || strings.HasPrefix(rel, p)) {
			return true
		}
	}
	return false
}

func copyFile(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// umask may have narrowed the create mode
	return os.Chmod(dst, mode.Perm())
}

// renameAside moves an existing live path out of the way and reports whether anything was moved
func renameAside(p, suffix string) (string, bool, error) {
	if _, err := os.Lstat(p); err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	aside, err := freeAsideName(p + suffix)
	if err != nil {
		return "", false, err
	}
	if err := os.Rename(p, aside); err != nil {
		return "", false, fmt.Errorf("failed to rename %s aside: %w", p, err)
	}
	return aside, true, nil
}

// freeAsideName returns base, or base with the first unused numeric suffix
// when an earlier restore already claimed it.
func freeAsideName(base string) (string, error) {
	name := base
	for i := 1; ; i++ {
		if _, err := os.Lstat(name); os.IsNotExist(err) {
			return name, nil
		} else if err != nil {
			return "", err
		}
		name = fmt.Sprintf("%s.%d", base, i)
	}
}

// secretFile reports whether a file should keep owner-only permissions
func secretFile(path string, mode fs.FileMode) bool {
	if mode.Perm()&0o077 == 0 {
		return true
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".key", ".p12", ".pfx", ".jks":
		return true
	}
	return strings.HasPrefix(filepath.Base(path), "privkey")
}

// normalize applies the target's modes and owner to everything under p
func normalize(p string, target RestoreTarget) error {
	uid, gid, err := lookupOwner(target.Owner)
	if err != nil {
		return err
	}

	return filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if uid >= 0 {
				return os.Lchown(path, uid, gid)
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		var mode fs.FileMode
		switch {
		case d.IsDir():
			mode = target.DirMode
		case secretFile(path, info.Mode()):
			mode = target.SecretMode
		default:
			mode = target.FileMode
			if info.Mode().Perm()&0o100 != 0 {
				mode |= 0o111
			}
		}
		if mode != 0 {
			if err := os.Chmod(path, mode); err != nil {
				return err
			}
		}
		if uid >= 0 {
			return os.Lchown(path, uid, gid)
		}
		return nil
	})
}

// lookupOwner resolves "user:group"; -1 means leave ownership unchanged
func lookupOwner(owner string) (int, int, error) {
	if owner == "" || os.Geteuid() != 0 {
		return -1, -1, nil
	}
	userName, groupName, _ := strings.Cut(owner, ":")

	u, err := user.Lookup(userName)
	if err != nil {
		return -1, -1, fmt.Errorf("unknown owner %q: %w", userName, err)
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)

	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return -1, -1, fmt.Errorf("unknown group %q: %w", groupName, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return uid, gid, nil
}

func dirSize(root string) (int64, int, error) {
	var size int64
	var count int
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
			count++
		}
		return nil
	})
	return size, count, err
}
