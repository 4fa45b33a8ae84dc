package pipeline

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apkforge/apkforge/internal/events"
	"github.com/apkforge/apkforge/internal/extract"
	"github.com/apkforge/apkforge/internal/gitsafe"
	"github.com/apkforge/apkforge/internal/gradle"
	"github.com/apkforge/apkforge/internal/logbus"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/repoguard"
	"github.com/apkforge/apkforge/internal/store"
	"github.com/apkforge/apkforge/internal/taskrun"
	"github.com/apkforge/apkforge/internal/xerrors"
)

const buildOK = `#!/bin/sh
echo "> Task :app:compileReleaseKotlin"
echo "> Task :app:assembleRelease"
mkdir -p app/build/outputs/apk/release
printf 'apk bytes' > app/build/outputs/apk/release/app-release.apk
echo "BUILD SUCCESSFUL in 1s"
exit 0
`

const buildFail = `#!/bin/sh
echo "> Task :app:compileReleaseKotlin"
echo "FAILURE: Build failed with an exception."
echo "BUILD FAILED in 1s"
exit 1
`

const buildNoOutput = `#!/bin/sh
echo "BUILD SUCCESSFUL in 1s"
exit 0
`

type harness struct {
	store   store.Store
	runtime *taskrun.Runtime
	bus     *logbus.Bus
	project *model.Project
}

func newHarness(t *testing.T, gradlew string) *harness {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	projectDir := filepath.Join(t.TempDir(), "android-app")
	writeProjectTree(t, projectDir, gradlew)

	project := &model.Project{
		ID: "p1", Name: "android-app", Path: projectDir, Active: true,
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, st.Projects().Create(context.Background(), project))

	guard := repoguard.New(5*time.Second, 30*time.Minute)
	gitSvc := gitsafe.New(st, guard, t.TempDir(), 7*24*time.Hour)
	bus := logbus.New(logbus.Options{RingSize: 256, HeartbeatInterval: time.Hour, CloseGrace: 50 * time.Millisecond})
	rt := taskrun.New(st, events.NewBus(), 3, time.Minute)

	pipe := New(st, rt, gitSvc, bus, extract.New(), gradle.NewRunner(time.Second), Options{
		TempDir:            t.TempDir(),
		InactivityWatchdog: 30 * time.Second,
	})
	rt.SetExecutor(pipe)

	return &harness{store: st, runtime: rt, bus: bus, project: project}
}

func writeProjectTree(t *testing.T, dir, gradlew string) {
	t.Helper()
	write := func(rel, content string) {
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("settings.gradle", "rootProject.name = 'android-app'\n")
	write("app/build.gradle", "// android module\n")
	write("app/src/main/assets/apps/alpha/v1.txt", "original resources\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gradlew"), []byte(gradlew), 0o755))

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, wt.AddWithOptions(&git.AddOptions{All: true}))
	_, err = wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(t, err)
}

func writeArchive(t *testing.T, topLevel string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resources.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := zip.NewWriter(f)
	entry, err := w.Create(topLevel + "/v2.txt")
	require.NoError(t, err)
	_, err = entry.Write([]byte("new resources\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return path
}

func (h *harness) runTask(t *testing.T, kind model.TaskKind, archive string) *model.Task {
	t.Helper()
	task, err := h.runtime.Create(context.Background(), taskrun.CreateParams{
		ProjectID: h.project.ID, Kind: kind, ArchivePath: archive,
	})
	require.NoError(t, err)
	require.NoError(t, h.runtime.Start(task.ID))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		got, err := h.runtime.Get(context.Background(), task.ID)
		require.NoError(t, err)
		if got.Status.Terminal() {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never finished")
	return nil
}

func TestBuildHappyPath(t *testing.T) {
	h := newHarness(t, buildOK)
	archive := writeArchive(t, "alpha")

	final := h.runTask(t, model.TaskKindBuild, archive)
	require.Equal(t, model.TaskCompleted, final.Status, "error: %s", final.ErrorMessage)
	assert.Equal(t, 100, final.Progress)

	// Resource package was replaced.
	data, err := os.ReadFile(filepath.Join(h.project.Path, appsRel, "alpha", "v2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new resources\n", string(data))
	_, statErr := os.Stat(filepath.Join(h.project.Path, appsRel, "alpha", "v1.txt"))
	assert.True(t, os.IsNotExist(statErr), "old resource file must be gone")

	// Artifact harvested and persisted.
	stored, err := h.store.Tasks().GetByID(context.Background(), final.ID)
	require.NoError(t, err)
	require.Len(t, stored.Artifacts, 1)
	assert.Equal(t, "app-release.apk", stored.Artifacts[0].Filename)
	assert.True(t, stored.Artifacts[0].Complete)
	assert.NotEmpty(t, stored.Artifacts[0].SHA256)

	// Pre-flight snapshot exists and is active.
	snapshots, err := h.store.Snapshots().ListActiveByProject(context.Background(), h.project.ID)
	require.NoError(t, err)
	require.Len(t, snapshots, 1)
	assert.Equal(t, model.SnapshotFull, snapshots[0].Kind)
}

func TestBuildPublishesOrderedLogs(t *testing.T) {
	h := newHarness(t, buildOK)
	archive := writeArchive(t, "alpha")

	final := h.runTask(t, model.TaskKindBuild, archive)
	require.Equal(t, model.TaskCompleted, final.Status)

	sub := h.bus.Subscribe(final.ID, 256)
	defer sub.Cancel()

	var seqs []uint64
	var sawGradleLine bool
	timeout := time.After(time.Second)
loop:
	for {
		select {
		case rec, ok := <-sub.C:
			if !ok {
				break loop
			}
			seqs = append(seqs, rec.Seq)
			if rec.Source == logbus.SourceGradle {
				sawGradleLine = true
			}
		case <-timeout:
			break loop
		}
	}

	require.NotEmpty(t, seqs)
	for i := 1; i < len(seqs); i++ {
		assert.Greater(t, seqs[i], seqs[i-1], "sequence must be strictly increasing")
	}
	assert.True(t, sawGradleLine)
}

func TestNameMismatchFailsAndRecovers(t *testing.T) {
	h := newHarness(t, buildOK)
	archive := writeArchive(t, "beta")

	final := h.runTask(t, model.TaskKindBuild, archive)
	require.Equal(t, model.TaskFailed, final.Status)
	assert.Equal(t, string(xerrors.KindResourcePackageMismatch), final.ErrorKind)
	assert.Contains(t, final.ErrorMessage, "beta")
	assert.Contains(t, final.ErrorMessage, "alpha")

	// Original resources untouched.
	data, err := os.ReadFile(filepath.Join(h.project.Path, appsRel, "alpha", "v1.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original resources\n", string(data))

	// Only the backup operation was recorded, and it completed.
	ops, err := h.store.GitOps().ListByProject(context.Background(), h.project.ID, store.GitOpFilter{})
	require.NoError(t, err)
	for _, op := range ops {
		if op.Kind == model.GitOpBackup {
			assert.Equal(t, model.GitOpCompleted, op.Status)
		}
	}
}

func TestGradleFailureKeepsResourceChange(t *testing.T) {
	h := newHarness(t, buildFail)
	archive := writeArchive(t, "alpha")

	final := h.runTask(t, model.TaskKindBuild, archive)
	require.Equal(t, model.TaskFailed, final.Status)
	assert.Equal(t, string(xerrors.KindGradleExitNonZero), final.ErrorKind)

	// Deliberately no git recovery: the new resources stay for inspection.
	data, err := os.ReadFile(filepath.Join(h.project.Path, appsRel, "alpha", "v2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new resources\n", string(data))
}

func TestNoArtifactsFails(t *testing.T) {
	h := newHarness(t, buildNoOutput)
	archive := writeArchive(t, "alpha")

	final := h.runTask(t, model.TaskKindBuild, archive)
	require.Equal(t, model.TaskFailed, final.Status)
	assert.Equal(t, string(xerrors.KindNoArtifacts), final.ErrorKind)

	// Resource change kept, same rationale as a failed build.
	_, err := os.Stat(filepath.Join(h.project.Path, appsRel, "alpha", "v2.txt"))
	assert.NoError(t, err)
}

func TestResourceReplaceSkipsGradle(t *testing.T) {
	// The gradlew script would fail; resource_replace must never invoke it.
	h := newHarness(t, buildFail)
	archive := writeArchive(t, "alpha")

	final := h.runTask(t, model.TaskKindResourceReplace, archive)
	require.Equal(t, model.TaskCompleted, final.Status, "error: %s", final.ErrorMessage)

	data, err := os.ReadFile(filepath.Join(h.project.Path, appsRel, "alpha", "v2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new resources\n", string(data))
}

func TestUnsupportedArchiveExtension(t *testing.T) {
	h := newHarness(t, buildOK)
	path := filepath.Join(t.TempDir(), "resources.tar.gz")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	final := h.runTask(t, model.TaskKindBuild, path)
	require.Equal(t, model.TaskFailed, final.Status)
	assert.Equal(t, string(xerrors.KindUnsupportedFormat), final.ErrorKind)
}
