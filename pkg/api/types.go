package api

import (
	"strings"
	"time"
)

// v0 contains the public report types printed by qeapp --json.

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// StatusOf maps a pipeline state machine state to a RunStatus.
func StatusOf(state string) RunStatus {
	switch {
	case state == "" || state == "setup":
		return RunPending
	case state == "finished":
		return RunSucceeded
	case state == "excepted", strings.HasPrefix(state, "failed_"):
		return RunFailed
	}
	return RunRunning
}

type StageStatus struct {
	Stage         string `json:"stage" yaml:"stage"`
	InvocationID  string `json:"invocation_id" yaml:"invocation_id"`
	OK            bool   `json:"ok" yaml:"ok"`
	ExitCode      int    `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	SubExitStatus int    `json:"sub_exit_status,omitempty" yaml:"sub_exit_status,omitempty"`
	Message       string `json:"message,omitempty" yaml:"message,omitempty"`
}

type RunReport struct {
	RunID    string        `json:"run_id" yaml:"run_id"`
	Status   RunStatus     `json:"status" yaml:"status"`
	State    string        `json:"state" yaml:"state"`
	ExitCode int           `json:"exit_code" yaml:"exit_code"`
	Stages   []StageStatus `json:"stages" yaml:"stages"`
	// Outputs lists the keys of the published outputs.
	Outputs []string `json:"outputs" yaml:"outputs"`
	Cleaned []string `json:"cleaned,omitempty" yaml:"cleaned,omitempty"`
}

type RunSummary struct {
	ID         string     `json:"id" yaml:"id"`
	Label      string     `json:"label,omitempty" yaml:"label,omitempty"`
	Status     RunStatus  `json:"status" yaml:"status"`
	State      string     `json:"state" yaml:"state"`
	ExitCode   int        `json:"exit_code" yaml:"exit_code"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}
