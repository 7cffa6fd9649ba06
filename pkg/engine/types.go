package engine

import (
	"encoding/json"
	"errors"
	"time"
)

// Environment identifies the deployment target and selects persistence
// behavior and confirmation depth.
type Environment struct {
	// ID is the environment identifier (e.g., "localhost", "polygon").
	ID string `json:"id" validate:"required"`

	// Ephemeral environments keep their ledger in memory only.
	Ephemeral bool `json:"ephemeral"`

	// Confirmations is the number of acknowledgments awaited after every
	// state-changing operation.
	Confirmations int `json:"confirmations" validate:"gte=0"`
}

const (
	// DefaultEphemeralConfirmations is the confirmation depth for local environments.
	DefaultEphemeralConfirmations = 1

	// DefaultPersistentConfirmations is the confirmation depth for shared environments.
	DefaultPersistentConfirmations = 3

	// LocalEnvironmentID is the conventional identifier of the ephemeral environment.
	LocalEnvironmentID = "localhost"
)

// NewEnvironment returns an environment with the default confirmation depth.
func NewEnvironment(id string, ephemeral bool) Environment {
	env := Environment{ID: id, Ephemeral: ephemeral}
	env.Confirmations = env.ConfirmationDepth()
	return env
}

// ConfirmationDepth returns the configured depth, falling back to the
// default for the environment kind.
func (e Environment) ConfirmationDepth() int {
	if e.Confirmations > 0 {
		return e.Confirmations
	}
	if e.Ephemeral {
		return DefaultEphemeralConfirmations
	}
	return DefaultPersistentConfirmations
}

// EntitySpec declares one entity to deploy.
type EntitySpec struct {
	// Name is the logical name, also used as the ledger key.
	Name string `json:"name" yaml:"name"`

	// Artifact is what gets deployed. Defaults to Name.
	Artifact string `json:"artifact,omitempty" yaml:"artifact,omitempty"`

	// ConstructorArgs are passed to the deploy operation. Strings of the form
	// "@Name" are resolved to the address of entity Name.
	ConstructorArgs []any `json:"constructorArgs,omitempty" yaml:"constructorArgs,omitempty"`

	// InitArgs are passed to the initialize call. Empty means no INITIALIZE call.
	InitArgs []any `json:"initArgs,omitempty" yaml:"initArgs,omitempty"`

	// Dependencies lists entity names that must be registered first.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Actions are calls issued after initialization, in order.
	Actions []Action `json:"actions,omitempty" yaml:"actions,omitempty"`

	// WrapWithPointer registers the entity behind a stable pointer address.
	WrapWithPointer bool `json:"wrapWithPointer,omitempty" yaml:"wrapWithPointer,omitempty"`

	// Allow grants the entity the storage capability during ALLOW.
	Allow bool `json:"allow,omitempty" yaml:"allow,omitempty"`
}

// ArtifactName returns the artifact to deploy for the entity.
func (s EntitySpec) ArtifactName() string {
	if s.Artifact != "" {
		return s.Artifact
	}
	return s.Name
}

// Action is a call issued against a target entity after initialization.
type Action struct {
	// Target is an entity reference ("@Name") or a literal address.
	Target string `json:"target" yaml:"target"`

	// Command is the method to call.
	Command string `json:"command" yaml:"command"`

	// Args are the call arguments; "@Name" strings are resolved.
	Args []any `json:"args,omitempty" yaml:"args,omitempty"`
}

// ProgressRecord is the ledger entry for one (entity, stage) pair.
type ProgressRecord struct {
	Done            bool   `json:"done"`
	Address         string `json:"address"`
	PointerAddress  string `json:"pointerAddress"`
	HasPointer      bool   `json:"hasPointer"`
	ConstructorArgs []any  `json:"constructorArgs,omitempty"`
	InitArgs        []any  `json:"initArgs,omitempty"`

	// PreviousAddress is the implementation a repoint replaced.
	PreviousAddress string `json:"previousAddress,omitempty"`
}

// ResolvedAddress returns the address consumers should use.
func (r ProgressRecord) ResolvedAddress() string {
	if r.HasPointer {
		return r.PointerAddress
	}
	return r.Address
}

// Validate checks the record invariants.
func (r ProgressRecord) Validate() error {
	if r.Done && r.HasPointer && r.PointerAddress == "" {
		return errors.New("done record with pointer has no pointer address")
	}
	return nil
}

// Ledger maps entity name to stage name to progress record.
type Ledger map[string]map[string]ProgressRecord

// Clone returns a deep copy of the ledger.
func (l Ledger) Clone() Ledger {
	out := make(Ledger, len(l))
	for entity, stages := range l {
		cp := make(map[string]ProgressRecord, len(stages))
		for stage, rec := range stages {
			rec.ConstructorArgs = cloneArgs(rec.ConstructorArgs)
			rec.InitArgs = cloneArgs(rec.InitArgs)
			cp[stage] = rec
		}
		out[entity] = cp
	}
	return out
}

// Get returns the record for (entity, stage).
func (l Ledger) Get(entity, stage string) (ProgressRecord, bool) {
	stages, ok := l[entity]
	if !ok {
		return ProgressRecord{}, false
	}
	rec, ok := stages[stage]
	return rec, ok
}

// Set stores the record for (entity, stage).
func (l Ledger) Set(entity, stage string, rec ProgressRecord) {
	stages, ok := l[entity]
	if !ok {
		stages = make(map[string]ProgressRecord)
		l[entity] = stages
	}
	stages[stage] = rec
}

// DecodeLedger parses the persisted JSON form. Empty input yields an empty ledger.
func DecodeLedger(data []byte) (Ledger, error) {
	ledger := make(Ledger)
	if len(data) == 0 {
		return ledger, nil
	}
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, err
	}
	return ledger, nil
}

// EncodeLedger renders the persisted JSON form.
func EncodeLedger(l Ledger) ([]byte, error) {
	if l == nil {
		l = make(Ledger)
	}
	return json.MarshalIndent(l, "", "  ")
}

func cloneArgs(args []any) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	copy(out, args)
	return out
}

// EntityHandle is the finalized view of a deployed entity handed to hooks.
type EntityHandle struct {
	// Name is the logical name.
	Name string `json:"name"`

	// Address is the address consumers should use (pointer when wrapped).
	Address string `json:"address"`

	// DirectAddress is the deployed implementation address.
	DirectAddress string `json:"directAddress"`

	// PointerAddress is set when the entity is wrapped.
	PointerAddress string `json:"pointerAddress,omitempty"`
}

// OperationKind distinguishes deployments from calls.
type OperationKind string

const (
	// OperationDeploy creates a new entity from an artifact.
	OperationDeploy OperationKind = "deploy"

	// OperationCall invokes a state-changing method on an existing entity.
	OperationCall OperationKind = "call"
)

// Operation is a state-changing request submitted to the backend.
type Operation struct {
	// Kind is deploy or call.
	Kind OperationKind `json:"kind"`

	// Target is the artifact for deploys and the address for calls.
	Target string `json:"target"`

	// Method is the called method. Empty for deploys.
	Method string `json:"method,omitempty"`

	// Args are the operation arguments.
	Args []any `json:"args,omitempty"`
}

// OperationHandle identifies a submitted operation.
type OperationHandle struct {
	ID     string        `json:"id"`
	Kind   OperationKind `json:"kind"`
	Target string        `json:"target"`
	Method string        `json:"method,omitempty"`
}

// Receipt is returned once an operation reached the requested depth.
type Receipt struct {
	// Address is the created address for deploy operations.
	Address string `json:"address,omitempty"`

	// Confirmations is the depth actually observed.
	Confirmations int `json:"confirmations"`
}

// RunResult summarizes a pipeline run.
type RunResult struct {
	RunID       string                  `json:"run_id"`
	Environment string                  `json:"environment"`
	Order       []string                `json:"order"`
	Entities    map[string]EntityHandle `json:"entities"`
	Executed    int                     `json:"executed"`
	Skipped     int                     `json:"skipped"`
	Recovered   int                     `json:"recovered"`
	StartedAt   time.Time               `json:"started_at"`
	CompletedAt time.Time               `json:"completed_at"`
}

// UpgradeRequest asks for a new implementation of a registered logical name.
type UpgradeRequest struct {
	// Name is the registered logical name.
	Name string `json:"name"`

	// Artifact is the new implementation. Defaults to Name.
	Artifact string `json:"artifact,omitempty"`

	// Version scopes the upgrade stage names.
	Version string `json:"version"`

	// ConstructorArgs for the new implementation; "@Name" references resolve.
	ConstructorArgs []any `json:"constructorArgs,omitempty"`

	// Dangerous skips the version compatibility check.
	Dangerous bool `json:"dangerous,omitempty"`

	// Approved records operator approval for dangerous upgrades.
	Approved bool `json:"approved,omitempty"`

	// Migrate runs after the repoint with the new handle.
	Migrate MigrationHook `json:"-"`
}

// UpgradeResult describes a completed upgrade.
type UpgradeResult struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	PreviousAddress string `json:"previous_address"`
	NewAddress      string `json:"new_address"`
	PointerAddress  string `json:"pointer_address,omitempty"`
	Dangerous       bool   `json:"dangerous"`
}

// PolicyResult is the outcome of a policy gate evaluation.
type PolicyResult struct {
	// Allowed is false when any violation has error or critical severity.
	Allowed bool `json:"allowed"`

	// Violations lists every policy violation found.
	Violations []PolicyViolation `json:"violations,omitempty"`
}

// PolicyViolation is a single failed policy rule.
type PolicyViolation struct {
	Policy   string `json:"policy"`
	Rule     string `json:"rule"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Entity   string `json:"entity,omitempty"`
}
