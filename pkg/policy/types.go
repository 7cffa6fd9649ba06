package policy

import (
	"time"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that should block operations.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity refuse the operation.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`

	// UpdatedAt is when the policy was last loaded.
	UpdatedAt time.Time `json:"updated_at"`
}

// Operation is the kind of request being evaluated.
type Operation string

const (
	OperationPlan    Operation = "plan"
	OperationUpgrade Operation = "upgrade"
)

// Input is the document handed to every policy as input.
type Input struct {
	Operation   Operation          `json:"operation"`
	Environment engine.Environment `json:"environment"`
	Admin       string             `json:"admin"`
	Entities    []EntityInput      `json:"entities"`
	Upgrade     *UpgradeInput      `json:"upgrade,omitempty"`
}

// EntityInput describes one planned entity.
type EntityInput struct {
	Name            string   `json:"name"`
	Artifact        string   `json:"artifact"`
	Dependencies    []string `json:"dependencies"`
	WrapWithPointer bool     `json:"wrapWithPointer"`
	Allow           bool     `json:"allow"`
	Position        int      `json:"position"`
}

// UpgradeInput describes a requested upgrade.
type UpgradeInput struct {
	Name      string `json:"name"`
	Artifact  string `json:"artifact"`
	Version   string `json:"version"`
	Dangerous bool   `json:"dangerous"`
	Approved  bool   `json:"approved"`
}

// PlanInput builds the input document for a validated plan.
func PlanInput(env engine.Environment, plan *engine.Plan, admin string) *Input {
	in := &Input{
		Operation:   OperationPlan,
		Environment: env,
		Admin:       admin,
		Entities:    make([]EntityInput, 0, len(plan.Order)),
	}
	for i, spec := range plan.Entities() {
		deps := spec.Dependencies
		if deps == nil {
			deps = []string{}
		}
		in.Entities = append(in.Entities, EntityInput{
			Name:            spec.Name,
			Artifact:        spec.ArtifactName(),
			Dependencies:    deps,
			WrapWithPointer: spec.WrapWithPointer,
			Allow:           spec.Allow,
			Position:        i,
		})
	}
	return in
}

// UpgradeRequestInput builds the input document for an upgrade request.
func UpgradeRequestInput(env engine.Environment, req engine.UpgradeRequest) *Input {
	artifact := req.Artifact
	if artifact == "" {
		artifact = req.Name
	}
	return &Input{
		Operation:   OperationUpgrade,
		Environment: env,
		Entities:    []EntityInput{},
		Upgrade: &UpgradeInput{
			Name:      req.Name,
			Artifact:  artifact,
			Version:   req.Version,
			Dangerous: req.Dangerous,
			Approved:  req.Approved,
		},
	}
}
