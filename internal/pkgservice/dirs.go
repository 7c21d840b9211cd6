package pkgservice

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// dirPerm is the permission for service-managed directories.
const dirPerm = 0750

// Dirs is the package service directory layout under Root.
type Dirs struct {
	Root string
}

// StagingDir holds one directory per open session.
func (d Dirs) StagingDir() string { return filepath.Join(d.Root, "staging") }

// AppsDir holds one directory per installed package.
func (d Dirs) AppsDir() string { return filepath.Join(d.Root, "apps") }

// RegistryPath is the installed-package database.
func (d Dirs) RegistryPath() string { return filepath.Join(d.Root, "packages.db") }

// EnsureDirs creates all required directories. Idempotent.
func EnsureDirs(d Dirs) error {
	for _, dir := range []string{d.Root, d.StagingDir(), d.AppsDir()} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// moveFile moves src to dst using os.Rename. If rename fails with EXDEV
// (staging and apps on different mounts, as with systemd bind mounts),
// it falls back to copy, fsync and remove.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) || errno != syscall.EXDEV {
		return err
	}
	if err := copyFile(src, dst); err != nil {
		return err
	}
	return os.Remove(src)
}

// copyFile copies src to dst preserving permissions.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		_ = os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		_ = os.Remove(dst)
		return err
	}
	return out.Close()
}
