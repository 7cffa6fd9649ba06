// Package engine provides the core of the stagehand deployment orchestrator.
//
// # Overview
//
// stagehand deploys a set of interdependent entities on a remote system,
// registers each under a logical name and wires them together exactly once
// per environment. Every step is recorded in a ledger before and after it
// runs, so a deployment that crashes or fails part way is resumed by running
// it again:
//
//  1. Plan - Validate entity specs and order them by dependency (DAGBuilder)
//  2. Run - Execute the stage chain of each entity in order (Pipeline)
//  3. Upgrade - Repoint a registered name to a new implementation (UpgradeCoordinator)
//
// # Core Domain Types
//
//   - EntitySpec: What to deploy, its arguments, dependencies and actions
//   - Environment: Ledger scope, persistence and confirmation depth
//   - ProgressRecord: Ledger entry of one (entity, stage) pair
//   - Ledger: Every record of an environment, saved whole
//   - Operation, OperationHandle, Receipt: The remote backend's vocabulary
//   - EntityHandle: The finalized addresses of a deployed entity
//
// # Stage Chain
//
// Each entity runs DEPLOY, REGISTER, ALLOW and INITIALIZE, then its actions
// (ACTION_<i>_<command>) and an optional POST_DEPLOY hook. A stage already
// done in the ledger is skipped without any remote call. String arguments
// of the form "@Name" resolve to the address of entity Name, which must be
// the entity itself or one of its dependencies.
//
// Upgrades record version-scoped stages: DEPLOY_<version>,
// CHANGE_ADDRESS_<version> (or CHANGE_ADDRESS_DANGEROUSLY_<version>) and
// MIGRATE_<version>.
//
// # Remote Backend
//
// The remote system is reached only through the Backend interface:
//
//	type Backend interface {
//	    Submit(ctx context.Context, op Operation) (*OperationHandle, error)
//	    Await(ctx context.Context, handle *OperationHandle, confirmations int) (*Receipt, error)
//	    Read(ctx context.Context, target, query string, args ...any) (any, error)
//	}
//
// Backends report failures as *RemoteError carrying a FailureKind.
//
// # Error Classification
//
// Remote failures are classified by kind, never by message text:
//
//   - AlreadyRegistered, AlreadyInitialized: the effect already happened;
//     the stage reads back the remote state and is marked done
//   - NotYetFinalized: the effect is not visible yet; reads are retried
//     with bounded backoff (RetryPolicy)
//   - Unknown and everything else: fatal; the stage stays undone
//
// Use the helpers to inspect errors:
//
//	if IsFatal(err) {
//	    // Fix the cause and run again
//	}
//
// # Example Usage
//
//	pipeline, err := NewPipeline(PipelineConfig{
//	    Backend:       backend,
//	    Store:         store,
//	    Environment:   NewEnvironment("staging", false),
//	    AdminIdentity: admin,
//	    Registry:      "@AddressManager",
//	})
//	result, err := pipeline.Run(ctx, specs)
//
// # Thread Safety
//
// A pipeline runs one stage at a time and one orchestrator is expected per
// environment. The ledger is not locked against other processes.
package engine
