package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePath rejects absolute paths and paths that climb out of their root.
func ValidatePath(path string) error {
	if path == "" {
		return nil
	}

	if filepath.IsAbs(path) || strings.HasPrefix(path, "/") {
		return fmt.Errorf("path must be relative, not absolute")
	}

	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") {
		return fmt.Errorf("path traversal not allowed")
	}

	for _, part := range strings.Split(path, "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}

	return nil
}
