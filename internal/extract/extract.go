// Package extract materialises uploaded resource archives into a staging
// directory. Zip archives are handled natively; rar and 7z are delegated to
// the unrar and 7z binaries since no maintained pure-Go reader exists for
// either format.
package extract

import (
	"archive/zip"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// Result describes a finished extraction.
type Result struct {
	// TopLevelName is the single directory at the root of the archive.
	TopLevelName string
	TotalFiles   int
}

// Extractor extracts archives by extension.
type Extractor struct{}

func New() *Extractor { return &Extractor{} }

// SupportedExtension reports whether the extractor can handle the file.
func SupportedExtension(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zip", ".rar", ".7z":
		return true
	}
	return false
}

// Extract unpacks archivePath into destDir and verifies the archive has
// exactly one top-level directory.
func (e *Extractor) Extract(ctx context.Context, archivePath, destDir string) (*Result, error) {
	if _, err := os.Stat(archivePath); err != nil {
		return nil, xerrors.Newf(xerrors.KindNotFound, "archive %s does not exist", archivePath)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindInternal, "create staging directory")
	}

	var err error
	switch strings.ToLower(filepath.Ext(archivePath)) {
	case ".zip":
		err = extractZip(archivePath, destDir)
	case ".rar":
		err = runExternal(ctx, destDir, "unrar", "x", "-o+", "-y", archivePath, destDir+string(os.PathSeparator))
	case ".7z":
		err = runExternal(ctx, destDir, "7z", "x", "-y", "-o"+destDir, archivePath)
	default:
		return nil, xerrors.Newf(xerrors.KindUnsupportedFormat,
			"unsupported archive format %q, supported: .zip .rar .7z", filepath.Ext(archivePath))
	}
	if err != nil {
		return nil, err
	}

	result, err := inspect(destDir)
	if err != nil {
		return nil, err
	}
	slog.Info("Archive extracted",
		logfields.Path(archivePath),
		"top_level", result.TopLevelName,
		"files", result.TotalFiles)
	return result, nil
}

func extractZip(archivePath, destDir string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindCorruptArchive, "open zip archive")
	}
	defer reader.Close()

	for _, file := range reader.File {
		target, err := safeJoin(destDir, file.Name)
		if err != nil {
			return err
		}

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return xerrors.Wrap(err, xerrors.KindInternal, "create directory")
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return xerrors.Wrap(err, xerrors.KindInternal, "create directory")
		}
		if err := writeZipEntry(file, target); err != nil {
			return err
		}
	}
	return nil
}

func writeZipEntry(file *zip.File, target string) error {
	src, err := file.Open()
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindCorruptArchive, "read zip entry "+file.Name)
	}
	defer src.Close()

	mode := file.FileInfo().Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindInternal, "create file")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return xerrors.Wrap(err, xerrors.KindCorruptArchive, "extract zip entry "+file.Name)
	}
	return dst.Close()
}

// safeJoin resolves an archive entry name under destDir and rejects entries
// that would escape it.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", xerrors.Newf(xerrors.KindPathTraversal,
			"archive entry %q escapes the extraction directory", name)
	}
	return target, nil
}

// runExternal shells out to an archive tool. A missing binary surfaces as
// UnsupportedFormat so the client learns the server cannot handle the format,
// a non-zero exit as a corrupt archive.
func runExternal(ctx context.Context, destDir string, binary string, args ...string) error {
	path, err := exec.LookPath(binary)
	if err != nil {
		return xerrors.Newf(xerrors.KindUnsupportedFormat,
			"%s is not installed on this server", binary)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return xerrors.Wrap(err, xerrors.KindCorruptArchive,
			binary+" failed: "+strings.TrimSpace(string(output)))
	}
	return nil
}

// inspect verifies the single-top-level-directory shape and counts files.
func inspect(destDir string) (*Result, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindInternal, "read staging directory")
	}

	var topDirs []string
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "__MACOSX") || entry.Name() == ".DS_Store" {
			continue
		}
		if !entry.IsDir() {
			return nil, xerrors.Newf(xerrors.KindExtractorFailure,
				"archive root must contain a single directory, found file %q", entry.Name())
		}
		topDirs = append(topDirs, entry.Name())
	}

	switch len(topDirs) {
	case 0:
		return nil, xerrors.New(xerrors.KindExtractorFailure, "archive is empty")
	case 1:
	default:
		return nil, xerrors.Newf(xerrors.KindExtractorFailure,
			"archive root must contain a single directory, found %d: %s",
			len(topDirs), strings.Join(topDirs, ", "))
	}

	total := 0
	err = filepath.Walk(filepath.Join(destDir, topDirs[0]), func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total++
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindInternal, "count extracted files")
	}
	return &Result{TopLevelName: topDirs[0], TotalFiles: total}, nil
}
