package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func newTestRunner() *StageRunner {
	progress := NewProgress(nil, NewEnvironment(LocalEnvironmentID, true), zerolog.Nop())
	return NewStageRunner(progress, RetryPolicy{MaxAttempts: 3}, nil)
}

func TestStageRunner_SkipsDoneStage(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner()
	calls := 0
	step := Step{
		Entity: "Token",
		Stage:  StageDeploy,
		Execute: func(context.Context) (ProgressRecord, error) {
			calls++
			return ProgressRecord{Address: "0x01"}, nil
		},
	}

	first, err := r.Run(ctx, step)
	if err != nil || first.Outcome != OutcomeExecuted {
		t.Fatalf("Expected executed, got %s, %v", first.Outcome, err)
	}
	second, err := r.Run(ctx, step)
	if err != nil || second.Outcome != OutcomeSkipped {
		t.Fatalf("Expected skipped, got %s, %v", second.Outcome, err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 execution, got %d", calls)
	}
	if second.Record.Address != "0x01" {
		t.Errorf("Expected recorded address, got %q", second.Record.Address)
	}
}

func TestStageRunner_SkipPredicateMarksPartialDone(t *testing.T) {
	r := newTestRunner()
	res, err := r.Run(context.Background(), Step{
		Entity:  "Token",
		Stage:   StageInitialize,
		Partial: ProgressRecord{Address: "0x01"},
		Skip:    func() bool { return true },
		Execute: func(context.Context) (ProgressRecord, error) {
			t.Fatal("Execute must not run")
			return ProgressRecord{}, nil
		},
	})
	if err != nil || res.Outcome != OutcomeNoop {
		t.Fatalf("Expected noop, got %s, %v", res.Outcome, err)
	}
	if !res.Record.Done || res.Record.Address != "0x01" {
		t.Errorf("Expected partial record marked done, got %+v", res.Record)
	}
}

func TestStageRunner_Failures(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		recover     []FailureKind
		reread      bool
		wantOutcome StageOutcome
		wantClass   ErrorClass
		wantCode    string
	}{
		{
			name:        "already registered is recovered",
			err:         NewRemoteError(FailureAlreadyRegistered, "Token"),
			recover:     []FailureKind{FailureAlreadyRegistered},
			wantOutcome: OutcomeRecovered,
		},
		{
			name:      "already registered without recovery is fatal",
			err:       NewRemoteError(FailureAlreadyRegistered, "Token"),
			wantClass: ErrorClassFatal,
			wantCode:  ErrCodeRemoteFailure,
		},
		{
			name:        "not finalized is reread",
			err:         NewRemoteError(FailureNotYetFinalized, "pointer"),
			reread:      true,
			wantOutcome: OutcomeExecuted,
		},
		{
			name:      "version rejected is incompatible upgrade",
			err:       NewRemoteError(FailureVersionRejected, "lower"),
			wantClass: ErrorClassValidation,
			wantCode:  ErrCodeIncompatibleUpgrade,
		},
		{
			name:      "unknown is fatal",
			err:       errors.New("connection reset"),
			wantClass: ErrorClassFatal,
			wantCode:  ErrCodeRemoteFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			r := newTestRunner()
			step := Step{
				Entity:       "Token",
				Stage:        StageRegister,
				Partial:      ProgressRecord{Address: "0x01"},
				RecoverKinds: tt.recover,
				Execute: func(context.Context) (ProgressRecord, error) {
					return ProgressRecord{}, tt.err
				},
				Recover: func(context.Context, FailureKind) (ProgressRecord, error) {
					return ProgressRecord{Address: "0x09"}, nil
				},
			}
			if tt.reread {
				step.Reread = func(context.Context) (ProgressRecord, error) {
					return ProgressRecord{Address: "0x01", PointerAddress: "0x02", HasPointer: true}, nil
				}
			}

			res, err := r.Run(ctx, step)
			done, _ := r.Progress().IsDone(ctx, "Token", StageRegister)

			if tt.wantClass == "" {
				if err != nil {
					t.Fatalf("Expected success, got %v", err)
				}
				if res.Outcome != tt.wantOutcome {
					t.Errorf("Expected outcome %s, got %s", tt.wantOutcome, res.Outcome)
				}
				if !done {
					t.Error("Expected stage marked done")
				}
				return
			}

			var ee *EngineError
			if !errors.As(err, &ee) {
				t.Fatalf("Expected engine error, got %v", err)
			}
			if ee.Class != tt.wantClass || ee.Code != tt.wantCode {
				t.Errorf("Expected %s/%s, got %s/%s", tt.wantClass, tt.wantCode, ee.Class, ee.Code)
			}
			if ee.Entity != "Token" || ee.Stage != StageRegister {
				t.Errorf("Expected error annotated with Token/REGISTER, got %s/%s", ee.Entity, ee.Stage)
			}
			if done {
				t.Error("Expected stage left undone")
			}
			rec, ok := r.Progress().Record("Token", StageRegister)
			if !ok || rec.Address != "0x01" {
				t.Errorf("Expected partial record kept, got %+v", rec)
			}
		})
	}
}

func TestStageRunner_RecoveredAddressIsRecorded(t *testing.T) {
	r := newTestRunner()
	res, err := r.Run(context.Background(), Step{
		Entity:       "Token",
		Stage:        StageRegister,
		RecoverKinds: []FailureKind{FailureAlreadyRegistered},
		Execute: func(context.Context) (ProgressRecord, error) {
			return ProgressRecord{}, NewRemoteError(FailureAlreadyRegistered, "Token")
		},
		Recover: func(context.Context, FailureKind) (ProgressRecord, error) {
			return ProgressRecord{Address: "0x09"}, nil
		},
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	addr, err := r.Progress().DoneAddressFor("Token", StageRegister)
	if err != nil || addr != "0x09" || res.Record.Address != "0x09" {
		t.Errorf("Expected read-back address 0x09, got %q, %v", addr, err)
	}
}

func TestStageRunner_EngineErrorsKeepClass(t *testing.T) {
	r := newTestRunner()
	_, err := r.Run(context.Background(), Step{
		Entity: "Token",
		Stage:  StageInitialize,
		Execute: func(context.Context) (ProgressRecord, error) {
			return ProgressRecord{}, unresolvedReference("Ghost")
		},
	})
	if !IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	var ee *EngineError
	if errors.As(err, &ee) && ee.Stage != StageInitialize {
		t.Errorf("Expected stage annotation, got %q", ee.Stage)
	}
}
