package sim

import (
	"github.com/openfroyo/stagehand/pkg/engine"
)

// Fault fails matching operations at Await time.
type Fault struct {
	// Kind is the failure returned. Defaults to Unknown.
	Kind engine.FailureKind

	// Op restricts the fault to deploys or calls. Empty matches both.
	Op engine.OperationKind

	// Target matches the artifact of a deploy or the address of a call.
	// Empty matches any target.
	Target string

	// Method matches the called method. Empty matches any method.
	Method string

	// Times is the number of matching operations to fail. Zero fails once.
	Times int

	// AfterApply applies the operation's effects before failing, as if the
	// acknowledgment was lost.
	AfterApply bool

	// Message overrides the error message.
	Message string

	hits int
}

func (f *Fault) matches(op engine.Operation) bool {
	if f.Op != "" && f.Op != op.Kind {
		return false
	}
	if f.Target != "" && f.Target != op.Target {
		return false
	}
	if f.Method != "" && f.Method != op.Method {
		return false
	}
	limit := f.Times
	if limit <= 0 {
		limit = 1
	}
	return f.hits < limit
}

func (f *Fault) err(op engine.Operation) error {
	kind := f.Kind
	if kind == "" {
		kind = engine.FailureUnknown
	}
	msg := f.Message
	if msg == "" {
		msg = "injected failure"
	}
	return engine.NewRemoteError(kind, "%s: %s %s %s", msg, op.Kind, op.Target, op.Method)
}

// Inject adds a fault. Faults are matched in injection order.
func (b *Backend) Inject(f Fault) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = append(b.faults, &f)
	return b
}

// ClearFaults removes every pending fault.
func (b *Backend) ClearFaults() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.faults = nil
}

func (b *Backend) matchFault(op engine.Operation) *Fault {
	for _, f := range b.faults {
		if f.matches(op) {
			f.hits++
			return f
		}
	}
	return nil
}

// Submitted returns the operations submitted so far.
func (b *Backend) Submitted() []engine.Operation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]engine.Operation, len(b.submitted))
	copy(out, b.submitted)
	return out
}

// SubmitCount returns the number of submitted operations.
func (b *Backend) SubmitCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.submitted)
}

// Calls returns the calls applied so far.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Call, len(b.calls))
	copy(out, b.calls)
	return out
}

// Confirmations returns the depth requested by every Await, in order.
func (b *Backend) Confirmations() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]int, len(b.awaited))
	copy(out, b.awaited)
	return out
}

// Implementation returns the address a pointer forwards to.
func (b *Backend) Implementation(pointer string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[pointer]
	if !ok || e.kind != KindPointer {
		return "", false
	}
	return e.implementation, true
}

// Artifact returns the artifact deployed at address.
func (b *Backend) Artifact(address string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entities[address]
	if !ok {
		return "", false
	}
	return e.artifact, true
}

// Deployed returns the number of entities, pointers included.
func (b *Backend) Deployed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entities)
}
