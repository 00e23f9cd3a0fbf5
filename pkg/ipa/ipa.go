// Package ipa extracts and rebuilds iOS application archives (.ipa and
// .tipa files).
package ipa

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrNoApp is returned when an extracted archive has no .app under Payload/.
var ErrNoApp = errors.New("no .app bundle found in Payload directory")

// IsArchive reports whether path names an .ipa or .tipa file.
func IsArchive(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ipa", ".tipa":
		return true
	}
	return false
}

// Extract unpacks the archive at path into a new temporary directory and
// returns it. The caller removes the directory.
func Extract(path string) (string, error) {
	tempDir, err := os.MkdirTemp("", "bundlekit-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp directory: %w", err)
	}
	if err := ExtractTo(path, tempDir); err != nil {
		os.RemoveAll(tempDir)
		return "", err
	}
	return tempDir, nil
}

// ExtractTo unpacks the archive at path into destDir. Entries that would
// land outside destDir are rejected.
func ExtractTo(path, destDir string) error {
	r, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open IPA: %w", err)
	}
	defer r.Close()

	for _, f := range r.File {
		if err := extractFile(f, destDir); err != nil {
			return fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, destDir string) error {
	destPath := filepath.Join(destDir, f.Name)
	rel, err := filepath.Rel(destDir, destPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0755)
	}
	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dst.Close()

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	_, err = io.Copy(dst, src)
	return err
}

// FindApp returns the path of the first .app directory under
// extractedDir/Payload.
func FindApp(extractedDir string) (string, error) {
	payloadDir := filepath.Join(extractedDir, "Payload")

	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		return "", fmt.Errorf("failed to read Payload directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			return filepath.Join(payloadDir, entry.Name()), nil
		}
	}
	return "", ErrNoApp
}

// Repackage zips extractedDir into outputPath. Entry names are relative to
// extractedDir and use forward slashes.
func Repackage(extractedDir, outputPath string) (err error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	w := zip.NewWriter(out)
	err = filepath.Walk(extractedDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == extractedDir {
			return nil
		}

		relPath, err := filepath.Rel(extractedDir, path)
		if err != nil {
			return err
		}
		zipPath := filepath.ToSlash(relPath)

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		if info.IsDir() {
			header.Name = zipPath + "/"
			_, err = w.CreateHeader(header)
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		header.Name = zipPath
		header.Method = zip.Deflate

		writer, err := w.CreateHeader(header)
		if err != nil {
			return err
		}
		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to write IPA: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize IPA: %w", err)
	}
	return nil
}

// CopyDir copies the directory tree at src to dst, replacing dst.
func CopyDir(src, dst string) error {
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to remove existing destination: %w", err)
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relPath, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		dstPath := filepath.Join(dst, relPath)
		if info.IsDir() {
			return os.MkdirAll(dstPath, info.Mode().Perm()|0700)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return copyFile(path, dstPath, info.Mode().Perm())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	_, err = io.Copy(dstFile, srcFile)
	return err
}
