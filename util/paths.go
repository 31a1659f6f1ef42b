package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrPathTraversal is returned for paths containing ".." segments
	ErrPathTraversal = errors.New("path traversal attempt detected")
	// ErrSymlinkNotAllowed is returned when a symlink is rejected
	ErrSymlinkNotAllowed = errors.New("symlink not allowed")
)

// CleanPath resolves an operator-supplied file path (database, action table,
// signature pack) to an absolute path. Traversal sequences and null bytes are
// rejected before cleaning so Clean cannot hide them.
func CleanPath(path string, rejectSymlink bool) (string, error) {
	if path == "" {
		return "", fmt.Errorf("file path cannot be empty")
	}
	if strings.Contains(path, "\x00") {
		return "", fmt.Errorf("null bytes not allowed in path")
	}
	for _, seg := range strings.FieldsFunc(path, isSeparator) {
		if seg == ".." {
			return "", ErrPathTraversal
		}
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("failed to resolve file path: %w", err)
	}
	if rejectSymlink {
		if fi, err := os.Lstat(abs); err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return "", ErrSymlinkNotAllowed
		}
	}
	return abs, nil
}

func isSeparator(r rune) bool {
	return r == '/' || r == '\\'
}
