package gradle

import (
	"os"
	"path/filepath"

	"github.com/apkforge/apkforge/internal/xerrors"
)

// buildFiles is what a buildable android project root must contain, one of
// each group.
var (
	settingsFiles = []string{"settings.gradle", "settings.gradle.kts"}
	rootBuildDirs = []string{"app"}
)

// ValidateEnvironment checks that projectDir looks like a buildable gradle
// project: an executable wrapper, a settings file, and the app module.
func ValidateEnvironment(projectDir string) error {
	wrapper := filepath.Join(projectDir, "gradlew")
	info, err := os.Stat(wrapper)
	if err != nil {
		return xerrors.New(xerrors.KindValidation, "project has no gradlew wrapper").
			WithContext("path", wrapper)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return xerrors.New(xerrors.KindValidation, "gradlew wrapper is not executable").
			WithContext("path", wrapper)
	}

	found := false
	for _, name := range settingsFiles {
		if _, err := os.Stat(filepath.Join(projectDir, name)); err == nil {
			found = true
			break
		}
	}
	if !found {
		return xerrors.New(xerrors.KindValidation, "project has no settings.gradle")
	}

	for _, dir := range rootBuildDirs {
		if info, err := os.Stat(filepath.Join(projectDir, dir)); err != nil || !info.IsDir() {
			return xerrors.Newf(xerrors.KindValidation, "project has no %s module", dir)
		}
	}
	return nil
}
