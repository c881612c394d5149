package tools

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// resolvePath resolves a path against the workspace. When restrict is true,
// symlinks are resolved to canonical form and anything landing outside the
// workspace is rejected, including broken symlinks whose targets escape.
func resolvePath(path, workspace string, restrict bool) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(workspace, path))
	}
	if !restrict {
		return resolved, nil
	}

	absWorkspace, _ := filepath.Abs(workspace)
	wsReal, err := filepath.EvalSymlinks(absWorkspace)
	if err != nil {
		wsReal = absWorkspace
	}

	absResolved, _ := filepath.Abs(resolved)
	real, err := filepath.EvalSymlinks(absResolved)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("tools.path_resolve_failed", "path", path, "error", err)
			return "", fmt.Errorf("access denied: cannot resolve path")
		}
		if info, lerr := os.Lstat(absResolved); lerr == nil && info.Mode()&os.ModeSymlink != 0 {
			// Dangling symlink: validate the target instead.
			target, rerr := os.Readlink(absResolved)
			if rerr != nil {
				return "", fmt.Errorf("access denied: cannot resolve symlink")
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(absResolved), target)
			}
			real = filepath.Clean(target)
		} else {
			// Not created yet: canonicalise the parent and re-attach.
			parentReal, perr := filepath.EvalSymlinks(filepath.Dir(absResolved))
			if perr != nil {
				return "", fmt.Errorf("access denied: cannot resolve path")
			}
			real = filepath.Join(parentReal, filepath.Base(absResolved))
		}
	}

	if !pathInside(real, wsReal) {
		slog.Warn("tools.path_escape", "path", path, "resolved", real, "workspace", wsReal)
		return "", fmt.Errorf("access denied: path outside workspace")
	}
	if err := rejectHardlink(real); err != nil {
		return "", err
	}
	return real, nil
}

func pathInside(child, parent string) bool {
	if child == parent {
		return true
	}
	return strings.HasPrefix(child, parent+string(filepath.Separator))
}

// rejectHardlink refuses regular files with nlink > 1; a hardlink into the
// workspace would alias content outside it.
func rejectHardlink(path string) error {
	info, err := os.Lstat(path)
	if err != nil || info.IsDir() {
		return nil
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok && stat.Nlink > 1 {
		slog.Warn("tools.hardlink_rejected", "path", path, "nlink", stat.Nlink)
		return fmt.Errorf("access denied: hardlinked file not allowed")
	}
	return nil
}
