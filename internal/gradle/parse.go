package gradle

import "strings"

// LineKind classifies one line of gradle output.
type LineKind int

const (
	LineOther LineKind = iota
	LineTaskStart
	LineWarning
	LineError
	LineBuildFailed
	LineBuildSuccessful
)

// LineEvent is the parsed form of one output line.
type LineEvent struct {
	Kind LineKind
	// TaskPath is set for LineTaskStart, e.g. ":app:assembleRelease".
	TaskPath string
}

// ParseLine classifies gradle output. The parse is intentionally shallow:
// it feeds progress interpolation and log levels, nothing else depends on it.
func ParseLine(line string) LineEvent {
	trimmed := strings.TrimSpace(line)

	switch {
	case strings.HasPrefix(trimmed, "> Task :"):
		path := strings.TrimPrefix(trimmed, "> Task ")
		if idx := strings.IndexByte(path, ' '); idx > 0 {
			path = path[:idx]
		}
		return LineEvent{Kind: LineTaskStart, TaskPath: path}
	case strings.HasPrefix(trimmed, "BUILD SUCCESSFUL"):
		return LineEvent{Kind: LineBuildSuccessful}
	case strings.HasPrefix(trimmed, "BUILD FAILED"),
		strings.HasPrefix(trimmed, "FAILURE:"):
		return LineEvent{Kind: LineBuildFailed}
	case strings.HasPrefix(trimmed, "ERROR:"),
		strings.HasPrefix(trimmed, "e: "):
		return LineEvent{Kind: LineError}
	case strings.HasPrefix(trimmed, "WARNING:"),
		strings.HasPrefix(trimmed, "w: "):
		return LineEvent{Kind: LineWarning}
	default:
		return LineEvent{Kind: LineOther}
	}
}

// ProgressTracker interpolates build progress between a floor and ceiling
// from observed task starts. Gradle does not announce the total up front, so
// the estimate ramps against a guessed total and saturates below the ceiling
// until the build actually succeeds.
type ProgressTracker struct {
	floor   int
	ceiling int

	expectedTasks int
	seenTasks     int
}

// NewProgressTracker builds a tracker for the gradle phase. expectedTasks is
// a heuristic total; zero disables interpolation and the progress stays at
// the floor until success.
func NewProgressTracker(floor, ceiling, expectedTasks int) *ProgressTracker {
	return &ProgressTracker{floor: floor, ceiling: ceiling, expectedTasks: expectedTasks}
}

// Observe feeds one parsed line and returns the current progress estimate.
func (t *ProgressTracker) Observe(evt LineEvent) int {
	switch evt.Kind {
	case LineTaskStart:
		t.seenTasks++
	case LineBuildSuccessful:
		return t.ceiling
	}
	if t.expectedTasks <= 0 {
		return t.floor
	}

	span := t.ceiling - t.floor
	progress := t.floor + span*t.seenTasks/t.expectedTasks
	if progress >= t.ceiling {
		progress = t.ceiling - 1 // the ceiling is reserved for success
	}
	return progress
}
