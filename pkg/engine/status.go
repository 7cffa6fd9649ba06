package engine

import (
	"fmt"
	"strings"
)

// Stage names recorded in the ledger.
const (
	// StageDeploy creates the entity from its artifact.
	StageDeploy = "DEPLOY"

	// StageRegister records the logical name in the address registry.
	StageRegister = "REGISTER"

	// StageAllow grants the entity the storage capability.
	StageAllow = "ALLOW"

	// StageInitialize calls initialize with the init args.
	StageInitialize = "INITIALIZE"

	// StagePostDeploy runs the caller-supplied hook.
	StagePostDeploy = "POST_DEPLOY"

	// StageChangeAddress repoints a logical name after a version check.
	StageChangeAddress = "CHANGE_ADDRESS"

	// StageChangeAddressDangerous repoints a logical name unconditionally.
	StageChangeAddressDangerous = "CHANGE_ADDRESS_DANGEROUSLY"

	// StageMigrate runs the upgrade migration hook.
	StageMigrate = "MIGRATE"

	stageActionPrefix = "ACTION"
)

// ActionStage returns the stage name of the i-th action of an entity.
func ActionStage(index int, command string) string {
	return fmt.Sprintf("%s_%d_%s", stageActionPrefix, index, command)
}

// VersionedStage scopes a stage name to an upgrade version.
func VersionedStage(stage, version string) string {
	if version == "" {
		return stage
	}
	return stage + "_" + sanitizeVersion(version)
}

// ChangeAddressStage returns the repoint stage name for the given mode.
func ChangeAddressStage(dangerous bool) string {
	if dangerous {
		return StageChangeAddressDangerous
	}
	return StageChangeAddress
}

// IsChangeAddressStage reports whether stage is a versioned repoint.
func IsChangeAddressStage(stage string) bool {
	return strings.HasPrefix(stage, StageChangeAddress+"_")
}

func sanitizeVersion(version string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return '_'
		}
	}, version)
}

// StageOutcome describes how a stage finished.
type StageOutcome string

const (
	// OutcomeExecuted indicates the stage performed its remote operation.
	OutcomeExecuted StageOutcome = "executed"

	// OutcomeSkipped indicates the ledger already had the stage done.
	OutcomeSkipped StageOutcome = "skipped"

	// OutcomeNoop indicates the skip condition held and nothing was submitted.
	OutcomeNoop StageOutcome = "noop"

	// OutcomeRecovered indicates an already-done failure was turned into success.
	OutcomeRecovered StageOutcome = "recovered"

	// OutcomeFailed indicates the stage failed and stays undone.
	OutcomeFailed StageOutcome = "failed"
)

// Validate checks if the outcome is valid.
func (o StageOutcome) Validate() error {
	switch o {
	case OutcomeExecuted, OutcomeSkipped, OutcomeNoop, OutcomeRecovered, OutcomeFailed:
		return nil
	default:
		return fmt.Errorf("invalid stage outcome: %s", o)
	}
}

// Succeeded returns true if the stage ended marked done.
func (o StageOutcome) Succeeded() bool {
	return o != OutcomeFailed
}

// RunStatus represents the status of a pipeline or upgrade run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every stage completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run aborted on a fatal error.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}
