package sandbox

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hivecore/hive/internal/fault"
)

// RequestAccess asks for access to hostPath. The user decision is
// requested at most once per distinct path per sandbox lifetime; the
// cached answer is returned afterwards. A copy decision snapshots the
// path immediately, so later host-side edits are invisible inside the
// sandbox.
func (s *Sandbox) RequestAccess(ctx context.Context, hostPath string) (AccessMode, error) {
	hostPath = filepath.Clean(hostPath)

	s.mu.Lock()
	if mode, ok := s.grants[hostPath]; ok {
		s.mu.Unlock()
		return mode, nil
	}
	s.mu.Unlock()

	mode, err := s.mgr.prompt.Decide(ctx, hostPath)
	if err != nil {
		return AccessDeny, fmt.Errorf("file access prompt for %q: %w", hostPath, err)
	}
	if !mode.Valid() {
		return AccessDeny, fault.Validation("access", fmt.Sprintf("prompt returned unknown mode %q", mode))
	}

	if mode == AccessCopy {
		snap, err := s.snapshot(hostPath)
		if err != nil {
			return AccessDeny, fmt.Errorf("snapshot %q: %w", hostPath, err)
		}
		s.mu.Lock()
		s.snapshots[hostPath] = snap
		s.mu.Unlock()
	}

	s.mu.Lock()
	// A concurrent request for the same path may have raced us past the
	// cache check; first recorded decision wins.
	if prev, ok := s.grants[hostPath]; ok {
		mode = prev
	} else {
		s.grants[hostPath] = mode
	}
	s.mu.Unlock()
	return mode, nil
}

// ResolveRead maps a granted host path to the path reads should use
// inside the sandbox: the live path for map grants, the snapshot for
// copy grants. Denied or ungranted paths fail as permission denials.
func (s *Sandbox) ResolveRead(hostPath string) (string, error) {
	hostPath = filepath.Clean(hostPath)
	s.mu.Lock()
	mode, granted := s.grants[hostPath]
	snap := s.snapshots[hostPath]
	s.mu.Unlock()

	if !granted || mode == AccessDeny {
		return "", fault.Security(fmt.Sprintf("no access grant for %q", hostPath), fault.ErrPermissionDenied)
	}
	if mode == AccessCopy {
		return snap, nil
	}
	return hostPath, nil
}

// snapshot copies hostPath (file or directory tree) into the sandbox
// scratch area.
func (s *Sandbox) snapshot(hostPath string) (string, error) {
	s.mu.Lock()
	scratch := s.scratch
	n := len(s.snapshots)
	s.mu.Unlock()
	if scratch == "" {
		return "", fmt.Errorf("sandbox %s has no scratch area", s.ID)
	}

	dst := filepath.Join(scratch, fmt.Sprintf("snap-%d-%s", n, filepath.Base(hostPath)))
	if err := copyTree(hostPath, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// copyTree copies a file or directory tree from src to dst, preserving
// file modes. Symlinks are skipped: a snapshot must not reach back onto
// the live host filesystem.
func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return nil
	case info.IsDir():
		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	default:
		return copyFile(src, dst, info.Mode().Perm())
	}
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
