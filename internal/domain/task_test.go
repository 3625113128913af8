package domain

import (
	"math"
	"testing"
)

func TestOverallProgress(t *testing.T) {
	tests := []struct {
		name         string
		step         Step
		stepProgress float64
		want         float64
	}{
		{"not started", StepNone, 50, 0},
		{"download half", StepDownload, 50, 50.0 / 3},
		{"parse done", StepParse, 100, 200.0 / 3},
		{"load start", StepLoad, 0, 200.0 / 3},
		{"load done", StepLoad, 100, 100},
		{"clamped above", StepLoad, 250, 100},
		{"clamped below", StepDownload, -10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := OverallProgress(tt.step, tt.stepProgress)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("OverallProgress(%v, %v) = %v, want %v", tt.step, tt.stepProgress, got, tt.want)
			}
		})
	}
}

func TestTaskStatusHelpers(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsRunning() {
			t.Errorf("%s should not be running", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusPending, TaskStatusCancelling} {
		if s.IsTerminal() || s.IsRunning() {
			t.Errorf("%s should be neither terminal nor running", s)
		}
	}
	if !TaskStatusDownloading.IsRunning() || !TaskStatusIngesting.IsRunning() {
		t.Error("downloading and ingesting should be running")
	}
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"playlist", KindPlaylist, false},
		{"M3U", KindPlaylist, false},
		{"guide", KindGuide, false},
		{"epg", KindGuide, false},
		{" xmltv ", KindGuide, false},
		{"video", "", true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ParseKind(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if KindGuide.Info().Extension != ".xml" || KindPlaylist.Info().Extension != ".m3u" {
		t.Error("unexpected extensions in kind table")
	}
}
