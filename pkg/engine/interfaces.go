package engine

import (
	"context"
)

// Backend is the remote execution collaborator.
// Implementations submit operations, wait for confirmation and serve
// read-only queries. Failures should be returned as *RemoteError so they can
// be classified.
type Backend interface {
	// Submit sends a state-changing operation and returns a pending handle.
	Submit(ctx context.Context, op Operation) (*OperationHandle, error)

	// Await blocks until the operation reached the requested confirmation
	// depth, or returns the classified failure.
	Await(ctx context.Context, handle *OperationHandle, confirmations int) (*Receipt, error)

	// Read performs a query against target without waiting for confirmation.
	Read(ctx context.Context, target, query string, args ...any) (any, error)
}

// ProgressStore persists ledgers keyed by environment identifier.
type ProgressStore interface {
	// Load returns the ledger for the environment. A missing ledger is empty.
	Load(ctx context.Context, envID string) (Ledger, error)

	// Save replaces the whole ledger for the environment.
	Save(ctx context.Context, envID string, ledger Ledger) error
}

// AddressRegistry maps logical names to addresses with optional pointer
// indirection.
type AddressRegistry interface {
	// RegisterDirect records name -> address.
	RegisterDirect(ctx context.Context, name, address string) error

	// RegisterWithPointer records name -> address behind a new pointer
	// administered by admin, and returns the pointer address.
	RegisterWithPointer(ctx context.Context, name, address, admin string) (string, error)

	// Resolve returns the pointer address if the name is wrapped, else the
	// direct address.
	Resolve(ctx context.Context, name string) (string, error)

	// DirectAddress returns the implementation address for name.
	DirectAddress(ctx context.Context, name string) (string, error)

	// PointerAddress returns the pointer address for name, or "" if unwrapped.
	PointerAddress(ctx context.Context, name string) (string, error)

	// ChangeAddress repoints name to newAddress. Unless dangerous, the new
	// implementation's version must not be lower than the current one.
	ChangeAddress(ctx context.Context, name, newAddress string, dangerous bool) error
}

// PolicyEvaluator gates plans and upgrades before any remote call.
type PolicyEvaluator interface {
	// EvaluatePlan checks a validated plan.
	EvaluatePlan(ctx context.Context, env Environment, plan *Plan, admin string) (*PolicyResult, error)

	// EvaluateUpgrade checks an upgrade request.
	EvaluateUpgrade(ctx context.Context, env Environment, req UpgradeRequest) (*PolicyResult, error)
}

// PostDeployHook runs after INITIALIZE with the finalized entity handle.
type PostDeployHook func(ctx context.Context, handle EntityHandle) error

// MigrationHook runs after an upgrade repointed the logical name.
type MigrationHook func(ctx context.Context, handle EntityHandle) error
