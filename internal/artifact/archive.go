// Package artifact moves artifact directories between compute units, the
// local filesystem and the object store.
package artifact

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// PackTarGz writes srcDir as a tar.gz stream to w. Entry names are relative
// to srcDir.
func PackTarGz(srcDir string, w io.Writer) error {
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("failed to stat source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", srcDir)
	}

	gzWriter := gzip.NewWriter(w)
	tarWriter := tar.NewWriter(gzWriter)

	if err := archiveDir(tarWriter, srcDir); err != nil {
		return err
	}
	if err := tarWriter.Close(); err != nil {
		return fmt.Errorf("failed to close tar writer: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return fmt.Errorf("failed to close gzip writer: %w", err)
	}
	return nil
}

func archiveDir(tw *tar.Writer, srcDir string) error {
	return filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		if info.IsDir() {
			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return fmt.Errorf("failed to create tar header: %w", err)
			}
			header.Name = filepath.ToSlash(relPath) + "/"
			return tw.WriteHeader(header)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		return archiveFile(tw, path, relPath)
	})
}

func archiveFile(tw *tar.Writer, path, name string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	header, err := tar.FileInfoHeader(fileInfo, "")
	if err != nil {
		return fmt.Errorf("failed to create tar header: %w", err)
	}
	header.Name = filepath.ToSlash(name)

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := io.Copy(tw, file); err != nil {
		return fmt.Errorf("failed to write file to tar: %w", err)
	}
	return nil
}
