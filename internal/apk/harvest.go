// Package apk collects build outputs and describes them as artifacts.
package apk

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// outputsRel is where the android gradle plugin writes APKs, relative to the
// project root.
const outputsRel = "app/build/outputs/apk"

// Harvest scans the project's APK output tree and describes every .apk found.
// complete marks whether the producing build finished cleanly; a cancelled
// build's partial outputs are still recorded but not promoted.
func Harvest(projectDir string, complete bool) ([]model.ArtifactDescriptor, error) {
	root := filepath.Join(projectDir, outputsRel)
	if _, err := os.Stat(root); err != nil {
		return nil, nil // no outputs directory, nothing built yet
	}

	var artifacts []model.ArtifactDescriptor
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.EqualFold(filepath.Ext(path), ".apk") {
			return nil
		}

		sum, err := fileSHA256(path)
		if err != nil {
			return err
		}
		variant, buildType := classify(root, path)
		artifacts = append(artifacts, model.ArtifactDescriptor{
			Filename:  info.Name(),
			Path:      path,
			Size:      info.Size(),
			SHA256:    sum,
			Kind:      model.ArtifactAPK,
			Variant:   variant,
			BuildType: buildType,
			Complete:  complete,
		})
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindInternal, "scan apk outputs")
	}

	slog.Info("Harvested APK artifacts", logfields.Path(root), "count", len(artifacts))
	return artifacts, nil
}

// classify derives variant and build type from the output path. The gradle
// layout is apk/<variant...>/<buildType>/<name>.apk; single-variant projects
// only have the build type segment.
func classify(root, apkPath string) (variant, buildType string) {
	rel, err := filepath.Rel(root, filepath.Dir(apkPath))
	if err != nil || rel == "." {
		return "", ""
	}
	segments := strings.Split(rel, string(os.PathSeparator))
	buildType = segments[len(segments)-1]
	if len(segments) > 1 {
		variant = strings.Join(segments[:len(segments)-1], "/")
	}
	return variant, buildType
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
