// Package sim provides an in-memory remote system implementing
// engine.Backend. Addresses are deterministic, the registry and pointer
// semantics follow the reference address manager, and failures can be
// injected per operation.
package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// Kind selects the behavior of entities deployed from an artifact.
type Kind string

const (
	// KindPlain entities accept initialize and arbitrary calls.
	KindPlain Kind = "plain"

	// KindRegistry entities implement the address registry methods.
	KindRegistry Kind = "registry"

	// KindCapability entities hold the storage capability granted by ALLOW.
	KindCapability Kind = "capability"

	// KindPointer entities are created by registerNewContractWithPointer.
	KindPointer Kind = "pointer"
)

// Artifact describes a deployable artifact.
type Artifact struct {
	Kind    Kind   `json:"kind" toml:"kind"`
	Version string `json:"version" toml:"version"`
}

// Call is a state-changing call applied by the simulator.
type Call struct {
	Target string
	Method string
	Args   []any
}

type entity struct {
	address     string
	artifact    string
	kind        Kind
	version     string
	args        []any
	initialized bool

	// registry state
	names map[string]*registration

	// capability state
	allowed map[string]bool

	// pointer state
	implementation string
	admin          string
}

type registration struct {
	direct  string
	pointer string

	// pending pointer reads that still return the zero address
	lag int
}

type pending struct {
	op      engine.Operation
	applied bool
	receipt *engine.Receipt
	err     error
}

// Backend is a simulated remote system. It is safe for concurrent use.
type Backend struct {
	mu sync.Mutex

	artifacts map[string]Artifact
	entities  map[string]*entity
	pending   map[string]*pending
	next      uint64
	lag       int

	faults    []*Fault
	submitted []engine.Operation
	calls     []Call
	reads     int
	awaited   []int
}

// New creates an empty simulator. Artifacts that are not in the catalogue
// deploy as plain entities at version "1".
func New() *Backend {
	return &Backend{
		artifacts: make(map[string]Artifact),
		entities:  make(map[string]*entity),
		pending:   make(map[string]*pending),
	}
}

// WithArtifact adds an artifact to the catalogue.
func (b *Backend) WithArtifact(name string, a Artifact) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	if a.Kind == "" {
		a.Kind = KindPlain
	}
	if a.Version == "" {
		a.Version = "1"
	}
	b.artifacts[name] = a
	return b
}

// WithFinalizationLag makes every new pointer read as the zero address for
// the next n reads.
func (b *Backend) WithFinalizationLag(n int) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lag = n
	return b
}

// Submit queues an operation. Its effects are applied on the first Await.
func (b *Backend) Submit(ctx context.Context, op engine.Operation) (*engine.OperationHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch op.Kind {
	case engine.OperationDeploy:
		if op.Target == "" {
			return nil, engine.NewRemoteError(engine.FailureUnknown, "deploy without artifact")
		}
	case engine.OperationCall:
		if _, ok := b.entities[op.Target]; !ok {
			return nil, engine.NewRemoteError(engine.FailureUnknown, "call to unknown address %s", op.Target)
		}
	default:
		return nil, engine.NewRemoteError(engine.FailureUnknown, "unsupported operation kind %q", op.Kind)
	}

	id := uuid.NewString()
	b.pending[id] = &pending{op: op}
	b.submitted = append(b.submitted, op)
	return &engine.OperationHandle{ID: id, Kind: op.Kind, Target: op.Target, Method: op.Method}, nil
}

// Await applies the operation and returns its receipt. Awaiting the same
// handle again returns the same outcome.
func (b *Backend) Await(ctx context.Context, handle *engine.OperationHandle, confirmations int) (*engine.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[handle.ID]
	if !ok {
		return nil, engine.NewRemoteError(engine.FailureUnknown, "unknown operation %s", handle.ID)
	}
	b.awaited = append(b.awaited, confirmations)
	if p.applied {
		return p.receipt, p.err
	}
	p.applied = true

	fault := b.matchFault(p.op)
	if fault != nil && !fault.AfterApply {
		p.err = fault.err(p.op)
		return nil, p.err
	}

	addr, err := b.apply(p.op)
	if err != nil {
		p.err = err
		return nil, err
	}
	if fault != nil {
		p.err = fault.err(p.op)
		return nil, p.err
	}
	p.receipt = &engine.Receipt{Address: addr, Confirmations: confirmations}
	return p.receipt, nil
}

// Read serves registry views, getVersion and a few inspection queries.
func (b *Backend) Read(ctx context.Context, target, query string, args ...any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reads++

	e, ok := b.entities[target]
	if !ok {
		return nil, engine.NewRemoteError(engine.FailureUnknown, "read from unknown address %s", target)
	}

	switch query {
	case "getVersion":
		return e.version, nil
	case "implementation":
		if e.kind != KindPointer {
			return nil, engine.NewRemoteError(engine.FailureUnknown, "%s is not a pointer", target)
		}
		return e.implementation, nil
	case "isInitialized":
		return e.initialized, nil
	case "isAllowed":
		addr, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		return e.allowed[addr], nil
	case "getContractAddress", "getPointerForContractName":
		if e.kind != KindRegistry {
			return nil, engine.NewRemoteError(engine.FailureUnknown, "%s is not a registry", target)
		}
		name, err := stringArg(args, 0)
		if err != nil {
			return nil, err
		}
		reg, ok := e.names[name]
		if !ok {
			return engine.ZeroAddress, nil
		}
		if query == "getContractAddress" {
			return reg.direct, nil
		}
		if reg.pointer == "" {
			return engine.ZeroAddress, nil
		}
		if reg.lag > 0 {
			reg.lag--
			return engine.ZeroAddress, nil
		}
		return reg.pointer, nil
	default:
		return nil, engine.NewRemoteError(engine.FailureUnknown, "unknown query %s", query)
	}
}

func (b *Backend) apply(op engine.Operation) (string, error) {
	if op.Kind == engine.OperationDeploy {
		return b.deploy(op.Target, KindPlain, op.Args), nil
	}
	e := b.entities[op.Target]
	b.calls = append(b.calls, Call{Target: op.Target, Method: op.Method, Args: op.Args})

	switch {
	case op.Method == "initialize":
		if e.initialized {
			return "", engine.NewRemoteError(engine.FailureAlreadyInitialized, "%s already initialized", op.Target)
		}
		e.initialized = true
		return "", nil
	case e.kind == KindRegistry:
		return "", b.applyRegistry(e, op)
	case e.kind == KindCapability && op.Method == "allowContract":
		addr, err := stringArg(op.Args, 0)
		if err != nil {
			return "", err
		}
		e.allowed[addr] = true
		return "", nil
	default:
		return "", nil
	}
}

func (b *Backend) applyRegistry(reg *entity, op engine.Operation) error {
	name, err := stringArg(op.Args, 0)
	if err != nil {
		return err
	}
	addr, err := stringArg(op.Args, 1)
	if err != nil {
		return err
	}
	if _, ok := b.entities[addr]; !ok {
		return engine.NewRemoteError(engine.FailureUnknown, "unknown implementation %s", addr)
	}

	switch op.Method {
	case "registerNewContract":
		if _, exists := reg.names[name]; exists {
			return engine.NewRemoteError(engine.FailureAlreadyRegistered, "%s already registered", name)
		}
		reg.names[name] = &registration{direct: addr}
		return nil

	case "registerNewContractWithPointer":
		if _, exists := reg.names[name]; exists {
			return engine.NewRemoteError(engine.FailureAlreadyRegistered, "%s already registered", name)
		}
		admin, err := stringArg(op.Args, 2)
		if err != nil {
			return err
		}
		pointer := b.deploy("pointer:"+name, KindPointer, nil)
		p := b.entities[pointer]
		p.implementation = addr
		p.admin = admin
		reg.names[name] = &registration{direct: addr, pointer: pointer, lag: b.lag}
		return nil

	case "changeContractAddressVersioned", "changeContractAddressDangerous":
		r, exists := reg.names[name]
		if !exists {
			return engine.NewRemoteError(engine.FailureUnknown, "%s is not registered", name)
		}
		if op.Method == "changeContractAddressVersioned" {
			current, next := b.entities[r.direct].version, b.entities[addr].version
			if engine.CompareVersions(next, current) < 0 {
				return engine.NewRemoteError(engine.FailureVersionRejected,
					"version %s is lower than %s", next, current)
			}
		}
		r.direct = addr
		if r.pointer != "" {
			b.entities[r.pointer].implementation = addr
		}
		return nil

	default:
		return engine.NewRemoteError(engine.FailureUnknown, "unknown registry method %s", op.Method)
	}
}

func (b *Backend) deploy(artifact string, kind Kind, args []any) string {
	b.next++
	addr := fmt.Sprintf("0x%040x", b.next)
	a, ok := b.artifacts[artifact]
	if !ok {
		a = Artifact{Kind: kind, Version: "1"}
	}
	e := &entity{
		address:  addr,
		artifact: artifact,
		kind:     a.Kind,
		version:  a.Version,
		args:     args,
	}
	switch e.kind {
	case KindRegistry:
		e.names = make(map[string]*registration)
	case KindCapability:
		e.allowed = make(map[string]bool)
	}
	b.entities[addr] = e
	return addr
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", engine.NewRemoteError(engine.FailureUnknown, "missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", engine.NewRemoteError(engine.FailureUnknown, "argument %d: expected string, got %T", i, args[i])
	}
	return s, nil
}
