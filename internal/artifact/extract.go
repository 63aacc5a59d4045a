package artifact

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ExtractTar unpacks an uncompressed tar stream into destDir.
//
// With stripRoot set, the first path component of every entry is dropped.
// Container runtimes wrap a copied directory in a folder named after it;
// stripping it lands the directory's contents directly in destDir.
// Entries that would escape destDir fail the extraction. Links and device
// files are skipped.
func ExtractTar(r io.Reader, destDir string, stripRoot bool) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}

	tarReader := tar.NewReader(r)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read tar header: %w", err)
		}

		cleanName := filepath.Clean(filepath.FromSlash(header.Name))
		if filepath.IsAbs(cleanName) || strings.HasPrefix(cleanName, "..") {
			return fmt.Errorf("invalid path in archive: %s", header.Name)
		}

		extractPath := cleanName
		if stripRoot {
			parts := strings.SplitN(filepath.ToSlash(cleanName), "/", 2)
			if len(parts) < 2 {
				continue
			}
			extractPath = filepath.FromSlash(parts[1])
		}
		if extractPath == "." || extractPath == "" {
			continue
		}
		if err := ValidatePath(filepath.ToSlash(extractPath)); err != nil {
			return fmt.Errorf("invalid path in archive: %s: %w", header.Name, err)
		}

		targetPath := filepath.Join(destDir, extractPath)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if err := writeEntry(tarReader, targetPath, os.FileMode(header.Mode).Perm()); err != nil {
				return err
			}

		default:
			slog.Debug("Skipping archive entry", "name", header.Name, "type", header.Typeflag)
		}
	}

	return nil
}

// ExtractTarGz unpacks a gzip-compressed tar stream into destDir.
func ExtractTarGz(r io.Reader, destDir string) error {
	gzReader, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gzReader.Close()
	return ExtractTar(gzReader, destDir, false)
}

func writeEntry(r io.Reader, targetPath string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	if mode == 0 {
		mode = 0o644
	}

	outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	if _, err := io.Copy(outFile, r); err != nil {
		outFile.Close()
		return fmt.Errorf("failed to extract file: %w", err)
	}
	return outFile.Close()
}
