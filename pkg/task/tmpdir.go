package task

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// TmpDir is the process-wide scratch area. Each container gets one subdir,
// bind-mounted into it, which carries the per-child command sockets.
type TmpDir struct {
	base string
}

func NewTmpDir() (*TmpDir, error) {
	base, err := os.MkdirTemp("", "jostle.*")
	if err != nil {
		return nil, fmt.Errorf("can't create temp dir: %w", err)
	}
	return &TmpDir{base: base}, nil
}

func (t *TmpDir) Base() string { return t.base }

// ContainerDir returns (creating if needed) the shared directory for the
// named container.
func (t *TmpDir) ContainerDir(containerName string) (string, error) {
	dir := filepath.Join(t.base, containerName)
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", err
	}
	// The container user must be able to create its socket here.
	if err := os.Chmod(dir, 0o777); err != nil {
		return "", err
	}
	return dir, nil
}

// FileCopy copies a host file into the scratch area and returns the copy's
// path, so containers never mount the original.
func (t *TmpDir) FileCopy(original string) (string, error) {
	src, err := os.Open(original)
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst := filepath.Join(t.base, filepath.Base(original))
	out, err := os.Create(dst)
	if err != nil {
		return "", err
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return "", err
	}
	return dst, nil
}

// Remove deletes the scratch area and everything beneath it.
func (t *TmpDir) Remove() {
	if t.base != "" {
		os.RemoveAll(t.base)
		t.base = ""
	}
}
