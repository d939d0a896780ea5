package domain

import (
	"testing"
	"time"
)

func TestJobStatusConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant JobStatus
		expected string
	}{
		{"JobPending", JobPending, "PENDING"},
		{"JobThrottled", JobThrottled, "THROTTLED"},
		{"JobRunning", JobRunning, "RUNNING"},
		{"JobDone", JobDone, "DONE"},
		{"JobFailed", JobFailed, "FAILED"},
		{"JobDLQ", JobDLQ, "DLQ"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestJobStageConstants(t *testing.T) {
	tests := []struct {
		name     string
		constant JobStage
		expected string
	}{
		{"StageValidating", StageValidating, "VALIDATING"},
		{"StageProcessing", StageProcessing, "PROCESSING"},
		{"StageFinalizing", StageFinalizing, "FINALIZING"},
		{"StageDone", StageDone, "DONE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if string(tt.constant) != tt.expected {
				t.Errorf("Expected %s to be %q, got %q", tt.name, tt.expected, string(tt.constant))
			}
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobPending, false},
		{JobThrottled, false},
		{JobRunning, false},
		{JobDone, true},
		{JobFailed, false},
		{JobDLQ, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.terminal {
				t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []JobStatus{JobPending, JobThrottled, JobRunning, JobDone, JobFailed, JobDLQ} {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%s) = false, want true", s)
		}
	}
	for _, s := range []JobStatus{"", "pending", "QUEUED", "running"} {
		if ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = true, want false", s)
		}
	}
}

func TestValidStage(t *testing.T) {
	for _, s := range []JobStage{StageValidating, StageProcessing, StageFinalizing, StageDone} {
		if !ValidStage(s) {
			t.Errorf("ValidStage(%s) = false, want true", s)
		}
	}
	if ValidStage("validating") {
		t.Error("ValidStage(\"validating\") = true, want false")
	}
}

func TestRunnable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"pending", Job{Status: JobPending}, true},
		{"throttled due", Job{Status: JobThrottled, NextRunAt: &past}, true},
		{"throttled exactly now", Job{Status: JobThrottled, NextRunAt: &now}, true},
		{"throttled nil next_run_at", Job{Status: JobThrottled}, true},
		{"throttled deferred", Job{Status: JobThrottled, NextRunAt: &future}, false},
		{"running", Job{Status: JobRunning}, false},
		{"done", Job{Status: JobDone}, false},
		{"failed", Job{Status: JobFailed}, false},
		{"dlq", Job{Status: JobDLQ}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.job.Runnable(now); got != tt.want {
				t.Errorf("Runnable() = %v, want %v", got, tt.want)
			}
		})
	}
}
