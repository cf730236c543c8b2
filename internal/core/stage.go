package core

import "fmt"

// Stage identifies one optional phase of the pipeline.
type Stage int

const (
	StageRelax Stage = iota + 1
	StageBands
	StagePdos
)

// Exit codes surfaced when a stage's sub-workflow fails. 402 is unused; it
// belonged to a stage that no longer exists and consumers still match on
// the remaining values.
const (
	ExitRelaxFailed = 401
	ExitBandsFailed = 403
	ExitPdosFailed  = 404
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageRelax, StageBands, StagePdos}

func (s Stage) String() string {
	switch s {
	case StageRelax:
		return "relax"
	case StageBands:
		return "bands"
	case StagePdos:
		return "pdos"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Workflow is the name of the sub-workflow a stage delegates to.
func (s Stage) Workflow() string {
	switch s {
	case StageRelax:
		return "PwRelaxWorkChain"
	case StageBands:
		return "PwBandsWorkChain"
	case StagePdos:
		return "PdosWorkChain"
	}
	return "unknown"
}

// ExitCode is the pipeline exit code reported when s fails.
func (s Stage) ExitCode() int {
	switch s {
	case StageRelax:
		return ExitRelaxFailed
	case StageBands:
		return ExitBandsFailed
	case StagePdos:
		return ExitPdosFailed
	}
	return 1
}

// ParseStage maps a call link label back to its Stage.
func ParseStage(label string) (Stage, error) {
	for _, s := range Stages {
		if s.String() == label {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", label)
}

// StageResult is the outcome of inspecting one stage.
type StageResult struct {
	Stage         Stage  `json:"stage"`
	InvocationID  string `json:"invocation_id"`
	OK            bool   `json:"ok"`
	ExitCode      int    `json:"exit_code,omitempty"`
	SubExitStatus int    `json:"sub_exit_status,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Err returns the StageError for a failed result and nil otherwise.
func (r StageResult) Err() *StageError {
	if r.OK {
		return nil
	}
	return &StageError{Stage: r.Stage, ExitCode: r.ExitCode, SubExitStatus: r.SubExitStatus, Message: r.Message}
}

// StageError reports that a stage's sub-workflow did not finish ok.
type StageError struct {
	Stage         Stage
	ExitCode      int
	SubExitStatus int
	Message       string
}

func (e *StageError) Error() string {
	msg := fmt.Sprintf("the %s sub process failed with exit status %d", e.Stage.Workflow(), e.SubExitStatus)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}
