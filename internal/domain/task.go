package domain

import "time"

type TaskStatus string

const (
	TaskStatusPending     TaskStatus = "pending"
	TaskStatusDownloading TaskStatus = "downloading"
	TaskStatusIngesting   TaskStatus = "ingesting"
	TaskStatusCancelling  TaskStatus = "cancelling"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// IsRunning reports whether the owning stage is actively working.
func (s TaskStatus) IsRunning() bool {
	return s == TaskStatusDownloading || s == TaskStatusIngesting
}

// TaskType selects one of the two task registries.
type TaskType string

const (
	TaskTypeDownload TaskType = "download"
	TaskTypeIngest   TaskType = "ingest"
)

func ParseTaskType(s string) (TaskType, bool) {
	switch TaskType(s) {
	case TaskTypeDownload, TaskTypeIngest:
		return TaskType(s), true
	}
	return "", false
}

// RunningStatus is the status a task of this type moves to when started.
func (t TaskType) RunningStatus() TaskStatus {
	if t == TaskTypeIngest {
		return TaskStatusIngesting
	}
	return TaskStatusDownloading
}

// Step is one of the three phases of an ingest.
type Step int

const (
	StepNone Step = iota
	StepDownload
	StepParse
	StepLoad
)

const stepCount = 3

func (s Step) String() string {
	switch s {
	case StepDownload:
		return "download"
	case StepParse:
		return "parse"
	case StepLoad:
		return "load"
	}
	return ""
}

// OverallProgress weights the three ingest steps equally.
func OverallProgress(step Step, stepProgress float64) float64 {
	if step <= StepNone {
		return 0
	}
	if stepProgress < 0 {
		stepProgress = 0
	}
	if stepProgress > 100 {
		stepProgress = 100
	}
	return float64(step-1)/stepCount*100 + stepProgress/stepCount
}

// Task is one tracked download or ingest operation.
type Task struct {
	ID              string
	Type            TaskType
	Kind            Kind
	Source          string
	Status          TaskStatus
	CurrentItem     string
	TotalItems      int
	CompletedItems  int
	BytesDownloaded int64
	TotalBytes      int64
	ErrorMessage    string
	Phase           string
	CurrentStep     Step
	StepProgress    float64
	OverallProgress float64
	DownloadTaskID  string
	StartedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}
