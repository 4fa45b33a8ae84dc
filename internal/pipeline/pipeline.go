// Package pipeline drives a task through the build sequence: validate,
// snapshot, branch, extract, name check, replace, gradle, harvest. It is the
// taskrun executor and the sole publisher on each task's log stream.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/apkforge/apkforge/internal/apk"
	"github.com/apkforge/apkforge/internal/extract"
	"github.com/apkforge/apkforge/internal/gitsafe"
	"github.com/apkforge/apkforge/internal/gradle"
	"github.com/apkforge/apkforge/internal/logbus"
	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/model"
	"github.com/apkforge/apkforge/internal/repoguard"
	"github.com/apkforge/apkforge/internal/store"
	"github.com/apkforge/apkforge/internal/taskrun"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// appsRel is the replacement target inside an android project.
const appsRel = "app/src/main/assets/apps"

// Progress milestones per stage.
const (
	progressValidate    = 5
	progressSnapshot    = 10
	progressBranch      = 15
	progressExtract     = 25
	progressReplace     = 40
	progressGradleStart = 45
	progressGradleEnd   = 85
	progressHarvest     = 90
)

// Options tunes the pipeline.
type Options struct {
	TempDir string
	// GradleTasks is the default task line; a task's config_options
	// gradle_tasks entry overrides it.
	GradleTasks string
	// InactivityWatchdog aborts gradle after this long with no output.
	InactivityWatchdog time.Duration
	SnapshotTTL        time.Duration
	// ExpectedGradleTasks seeds progress interpolation.
	ExpectedGradleTasks int
}

func (o Options) withDefaults() Options {
	if o.GradleTasks == "" {
		o.GradleTasks = gradle.DefaultTasks
	}
	if o.InactivityWatchdog <= 0 {
		o.InactivityWatchdog = 10 * time.Minute
	}
	if o.SnapshotTTL <= 0 {
		o.SnapshotTTL = 7 * 24 * time.Hour
	}
	if o.ExpectedGradleTasks <= 0 {
		o.ExpectedGradleTasks = 40
	}
	return o
}

// Pipeline executes build and resource_replace tasks.
type Pipeline struct {
	store     store.Store
	runtime   *taskrun.Runtime
	git       *gitsafe.Service
	bus       *logbus.Bus
	extractor *extract.Extractor
	runner    *gradle.Runner
	opts      Options
}

func New(st store.Store, rt *taskrun.Runtime, git *gitsafe.Service, bus *logbus.Bus, extractor *extract.Extractor, runner *gradle.Runner, opts Options) *Pipeline {
	return &Pipeline{
		store:     st,
		runtime:   rt,
		git:       git,
		bus:       bus,
		extractor: extractor,
		runner:    runner,
		opts:      opts.withDefaults(),
	}
}

// run carries the state of one task execution.
type run struct {
	task    *model.Task
	project *model.Project

	snapshotID   string
	topLevelName string
	stagingDir   string
	warnings     int
	buildErrors  int
}

// Execute implements taskrun.Executor.
func (p *Pipeline) Execute(ctx context.Context, task *model.Task) error {
	r := &run{task: task}
	defer p.cleanupStaging(r)

	// Stage 1: validate.
	if err := p.validate(ctx, r); err != nil {
		p.log(task.ID, model.LogError, 0, "%v", err)
		return err
	}
	p.milestone(r, progressValidate, "Validated project %s and archive %s", r.project.Name, filepath.Base(task.ArchivePath))

	// Stage 2: acquire. The lease covers everything from here to release.
	guard := p.git.Guard()
	err := guard.WithProject(ctx, r.project.ID, r.project.Path, repoguard.Options{RequireGit: true}, func(h *repoguard.Handle) error {
		return p.executeLeased(ctx, r, h)
	})
	if err != nil {
		p.log(task.ID, model.LogError, 0, "%v", err)
	}
	return err
}

func (p *Pipeline) executeLeased(ctx context.Context, r *run, h *repoguard.Handle) error {
	// Stage 3: pre-flight git.
	if err := p.preflight(ctx, r, h); err != nil {
		return p.recover(ctx, r, h, err)
	}

	// Stage 4: extract.
	if err := p.checkpoint(ctx); err != nil {
		return p.recover(ctx, r, h, err)
	}
	if err := p.extract(ctx, r); err != nil {
		return p.recover(ctx, r, h, err)
	}

	// Stage 5: name check.
	if err := p.nameCheck(r); err != nil {
		return p.recover(ctx, r, h, err)
	}

	// Stage 6: replace.
	if err := p.checkpoint(ctx); err != nil {
		return p.recover(ctx, r, h, err)
	}
	if err := p.replace(r); err != nil {
		return p.recover(ctx, r, h, err)
	}

	if r.task.Kind == model.TaskKindResourceReplace {
		p.setResult(ctx, r)
		p.milestone(r, progressHarvest, "Resource package %s replaced, no build requested", r.topLevelName)
		return nil
	}

	// Stage 7: gradle. A non-zero exit keeps the resource change on disk for
	// inspection; the user decides between commit and rollback.
	if err := p.checkpoint(ctx); err != nil {
		return err
	}
	if err := p.runGradle(ctx, r); err != nil {
		if xerrors.IsKind(err, xerrors.KindGradleExitNonZero) || xerrors.IsKind(err, xerrors.KindCancelled) {
			_, _ = p.harvest(ctx, r, false)
			return err
		}
		return p.recover(ctx, r, h, err)
	}

	// Stage 8: harvest.
	p.milestone(r, progressHarvest, "Build successful, harvesting artifacts")
	artifacts, err := p.harvest(ctx, r, true)
	if err != nil {
		return err
	}
	if len(artifacts) == 0 {
		return xerrors.New(xerrors.KindNoArtifacts,
			"gradle reported success but no APK was produced under app/build/outputs/apk")
	}

	p.setResult(ctx, r)
	return nil
}

// checkpoint is the stage-boundary cancellation observation point.
func (p *Pipeline) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(err, xerrors.KindCancelled, "task cancelled")
	}
	return nil
}

func (p *Pipeline) validate(ctx context.Context, r *run) error {
	project, err := p.store.Projects().GetByID(ctx, r.task.ProjectID)
	if err != nil {
		return err
	}
	if !project.Active {
		return xerrors.Newf(xerrors.KindValidation, "project %s is deactivated", project.Name)
	}
	r.project = project

	if info, err := os.Stat(project.Path); err != nil || !info.IsDir() {
		return xerrors.Newf(xerrors.KindProjectMissing, "project directory %s does not exist", project.Path)
	}
	if r.task.ArchivePath == "" {
		return xerrors.New(xerrors.KindValidation, "task has no archive")
	}
	if _, err := os.Stat(r.task.ArchivePath); err != nil {
		return xerrors.Newf(xerrors.KindValidation, "archive %s does not exist", r.task.ArchivePath)
	}
	if !extract.SupportedExtension(r.task.ArchivePath) {
		return xerrors.Newf(xerrors.KindUnsupportedFormat,
			"unsupported archive extension %q", filepath.Ext(r.task.ArchivePath))
	}
	if p.runtime.HasActiveTaskExcept(project.ID, r.task.ID) {
		return xerrors.Newf(xerrors.KindConflict,
			"project %s already has a task in flight", project.Name)
	}
	if r.task.Kind == model.TaskKindBuild {
		if err := gradle.ValidateEnvironment(project.Path); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) preflight(ctx context.Context, r *run, h *repoguard.Handle) error {
	sn, err := p.git.SnapshotLeased(ctx, h, model.SnapshotFull, p.opts.SnapshotTTL)
	if err != nil {
		return err
	}
	r.snapshotID = sn.ID
	p.milestone(r, progressSnapshot, "Captured full snapshot %s", sn.ID)

	current, err := h.CurrentBranch()
	if err != nil {
		return err
	}
	if r.task.Branch != "" && r.task.Branch != current {
		if err := p.git.CheckoutBranchLeased(ctx, h, r.task.Branch, false); err != nil {
			return err
		}
		current = r.task.Branch
	}
	p.milestone(r, progressBranch, "On branch %s", current)
	return nil
}

func (p *Pipeline) extract(ctx context.Context, r *run) error {
	r.stagingDir = filepath.Join(p.opts.TempDir, "extract-"+r.task.ID)
	result, err := p.extractor.Extract(ctx, r.task.ArchivePath, r.stagingDir)
	if err != nil {
		return err
	}
	r.topLevelName = result.TopLevelName
	p.milestone(r, progressExtract, "Extracted %d files, resource package %q", result.TotalFiles, result.TopLevelName)
	return nil
}

// nameCheck requires the archive's top-level directory to match an existing
// resource package under assets/apps.
func (p *Pipeline) nameCheck(r *run) error {
	appsDir := filepath.Join(r.project.Path, appsRel)
	entries, err := os.ReadDir(appsDir)
	if err != nil {
		return xerrors.Newf(xerrors.KindValidation, "project has no %s directory", appsRel)
	}

	var existing []string
	for _, entry := range entries {
		if entry.IsDir() {
			existing = append(existing, entry.Name())
		}
	}
	sort.Strings(existing)

	for _, name := range existing {
		if name == r.topLevelName {
			return nil
		}
	}
	return xerrors.Newf(xerrors.KindResourcePackageMismatch,
		"archive contains %q but the project has: %s",
		r.topLevelName, strings.Join(existing, ", ")).
		WithContext("archive_package", r.topLevelName).
		WithContext("project_packages", strings.Join(existing, ", "))
}

// replace swaps the target directory for the extracted tree. The incoming
// copy is staged as a sibling first so a crash mid-copy leaves the previous
// directory intact.
func (p *Pipeline) replace(r *run) error {
	appsDir := filepath.Join(r.project.Path, appsRel)
	target := filepath.Join(appsDir, r.topLevelName)
	suffix := r.task.ID
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	incoming := filepath.Join(appsDir, "."+r.topLevelName+".incoming-"+suffix)
	outgoing := filepath.Join(appsDir, "."+r.topLevelName+".outgoing-"+suffix)

	if err := copyTree(filepath.Join(r.stagingDir, r.topLevelName), incoming); err != nil {
		_ = os.RemoveAll(incoming)
		return xerrors.Wrap(err, xerrors.KindInternal, "stage incoming resource package")
	}
	if err := os.Rename(target, outgoing); err != nil {
		_ = os.RemoveAll(incoming)
		return xerrors.Wrap(err, xerrors.KindInternal, "move old resource package aside")
	}
	if err := os.Rename(incoming, target); err != nil {
		_ = os.Rename(outgoing, target)
		_ = os.RemoveAll(incoming)
		return xerrors.Wrap(err, xerrors.KindInternal, "move new resource package into place")
	}
	if err := os.RemoveAll(outgoing); err != nil {
		slog.Warn("Could not remove outgoing resource package", logfields.Path(outgoing), logfields.Error(err))
	}

	p.milestone(r, progressReplace, "Replaced resource package %s", r.topLevelName)
	return nil
}

func (p *Pipeline) runGradle(ctx context.Context, r *run) error {
	taskLine := p.opts.GradleTasks
	if override := r.task.ConfigOptions["gradle_tasks"]; override != "" {
		taskLine = override
	}
	argv := gradle.SplitTasks(taskLine)
	p.milestone(r, progressGradleStart, "Starting gradle: %s", strings.Join(argv, " "))

	var env []string
	for key, val := range r.task.ConfigOptions {
		if name, ok := strings.CutPrefix(key, "env_"); ok {
			env = append(env, name+"="+val)
		}
	}

	proc, err := p.runner.Run(ctx, r.project.Path, argv, env)
	if err != nil {
		return err
	}

	tracker := gradle.NewProgressTracker(progressGradleStart, progressGradleEnd, p.opts.ExpectedGradleTasks)
	watchdog := time.NewTimer(p.opts.InactivityWatchdog)
	defer watchdog.Stop()
	watchdogFired := make(chan struct{})
	go func() {
		select {
		case <-watchdog.C:
			slog.Warn("Gradle inactivity watchdog fired", logfields.TaskID(r.task.ID))
			p.log(r.task.ID, model.LogError, 0, "no gradle output for %s, terminating", p.opts.InactivityWatchdog)
			close(watchdogFired)
			proc.Terminate()
		case <-ctx.Done():
		}
	}()

	stdout, stderr := proc.Stdout, proc.Stderr
	for stdout != nil || stderr != nil {
		var line string
		var ok bool
		select {
		case line, ok = <-stdout:
			if !ok {
				stdout = nil
				continue
			}
		case line, ok = <-stderr:
			if !ok {
				stderr = nil
				continue
			}
		}

		watchdog.Reset(p.opts.InactivityWatchdog)
		p.consumeLine(r, tracker, line)
	}

	code, err := proc.Wait()
	if err != nil {
		return err
	}
	select {
	case <-watchdogFired:
		return xerrors.Newf(xerrors.KindTimeout,
			"gradle produced no output for %s and was terminated", p.opts.InactivityWatchdog)
	default:
	}
	if ctxErr := p.checkpoint(ctx); ctxErr != nil {
		return ctxErr
	}
	if code != 0 {
		return xerrors.Newf(xerrors.KindGradleExitNonZero,
			"gradle exited with status %d (%d errors, %d warnings)", code, r.buildErrors, r.warnings).
			WithContext("exit_code", fmt.Sprintf("%d", code))
	}
	return nil
}

func (p *Pipeline) consumeLine(r *run, tracker *gradle.ProgressTracker, line string) {
	evt := gradle.ParseLine(line)
	level := model.LogInfo
	switch evt.Kind {
	case gradle.LineWarning:
		level = model.LogWarning
		r.warnings++
	case gradle.LineError, gradle.LineBuildFailed:
		level = model.LogError
		r.buildErrors++
	case gradle.LineBuildSuccessful:
		level = model.LogSuccess
	}

	progress := tracker.Observe(evt)
	p.runtime.SetProgress(r.task.ID, progress)
	p.bus.Publish(r.task.ID, model.LogRecord{
		Level:    level,
		Message:  line,
		Source:   logbus.SourceGradle,
		Progress: progress,
	})
}

func (p *Pipeline) harvest(ctx context.Context, r *run, complete bool) ([]model.ArtifactDescriptor, error) {
	artifacts, err := apk.Harvest(r.project.Path, complete)
	if err != nil {
		return nil, err
	}
	for _, artifact := range artifacts {
		if err := p.store.Tasks().AppendArtifact(ctx, r.task.ID, artifact); err != nil {
			slog.Error("Failed to persist artifact",
				logfields.TaskID(r.task.ID), logfields.Path(artifact.Path), logfields.Error(err))
		}
		p.log(r.task.ID, model.LogInfo, 0, "Artifact: %s (%d bytes)", artifact.Filename, artifact.Size)
	}
	return artifacts, nil
}

func (p *Pipeline) setResult(ctx context.Context, r *run) {
	result := map[string]any{
		"resource_package": r.topLevelName,
		"snapshot_id":      r.snapshotID,
		"warnings":         r.warnings,
		"errors":           r.buildErrors,
	}
	err := p.store.Tasks().UpdateStatus(ctx, r.task.ID, model.TaskRunning, store.TaskUpdate{Result: result})
	if err != nil {
		slog.Error("Failed to persist task result", logfields.TaskID(r.task.ID), logfields.Error(err))
	}
	r.task.Result = result
}

// recover applies the stage 3-7 recovery rule: reset the working tree and,
// if that leaves it dirty, force-restore the pre-flight snapshot. The
// original error is always returned; recovery failures are logged on top.
func (p *Pipeline) recover(ctx context.Context, r *run, h *repoguard.Handle, cause error) error {
	p.log(r.task.ID, model.LogWarning, 0, "Stage failed, recovering working tree: %v", cause)

	recoverCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	if err := p.git.ResetWorkingTreeLeased(recoverCtx, h); err != nil {
		slog.Error("Working tree reset failed during recovery",
			logfields.TaskID(r.task.ID), logfields.Error(err))
	}

	clean, err := h.IsClean()
	if err != nil || !clean {
		if r.snapshotID == "" {
			slog.Error("No pre-flight snapshot to restore", logfields.TaskID(r.task.ID))
			return cause
		}
		if err := p.git.RestoreSnapshotLeased(recoverCtx, h, r.snapshotID, true); err != nil {
			slog.Error("Snapshot restore failed during recovery",
				logfields.TaskID(r.task.ID), logfields.SnapshotID(r.snapshotID), logfields.Error(err))
		}
	}
	return cause
}

func (p *Pipeline) cleanupStaging(r *run) {
	if r.stagingDir == "" {
		return
	}
	if err := os.RemoveAll(r.stagingDir); err != nil {
		slog.Warn("Could not remove staging directory", logfields.Path(r.stagingDir), logfields.Error(err))
	}
}

// milestone advances progress and publishes a pipeline log record.
func (p *Pipeline) milestone(r *run, progress int, format string, args ...any) {
	p.runtime.SetProgress(r.task.ID, progress)
	p.log(r.task.ID, model.LogInfo, progress, format, args...)
}

func (p *Pipeline) log(taskID string, level model.LogLevel, progress int, format string, args ...any) {
	p.bus.Publish(taskID, model.LogRecord{
		Level:    level,
		Message:  fmt.Sprintf(format, args...),
		Source:   logbus.SourcePipeline,
		Progress: progress,
	})
}
