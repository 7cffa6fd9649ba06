package sim

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openfroyo/stagehand/pkg/engine"
)

func mustApply(t *testing.T, b *Backend, op engine.Operation) *engine.Receipt {
	t.Helper()
	ctx := context.Background()
	h, err := b.Submit(ctx, op)
	if err != nil {
		t.Fatalf("Submit(%s %s %s) failed: %v", op.Kind, op.Target, op.Method, err)
	}
	r, err := b.Await(ctx, h, 1)
	if err != nil {
		t.Fatalf("Await(%s %s %s) failed: %v", op.Kind, op.Target, op.Method, err)
	}
	return r
}

func deploy(t *testing.T, b *Backend, artifact string) string {
	t.Helper()
	return mustApply(t, b, engine.Operation{Kind: engine.OperationDeploy, Target: artifact}).Address
}

func call(target, method string, args ...any) engine.Operation {
	return engine.Operation{Kind: engine.OperationCall, Target: target, Method: method, Args: args}
}

func TestDeterministicAddresses(t *testing.T) {
	b := New()
	first := deploy(t, b, "Token")
	second := deploy(t, b, "Faucet")

	if first != "0x0000000000000000000000000000000000000001" || second != "0x0000000000000000000000000000000000000002" {
		t.Errorf("unexpected addresses %s, %s", first, second)
	}
	if artifact, ok := b.Artifact(second); !ok || artifact != "Faucet" {
		t.Errorf("Expected Faucet at %s, got %q", second, artifact)
	}
	if b.Deployed() != 2 {
		t.Errorf("Expected 2 deployed entities, got %d", b.Deployed())
	}
}

func TestSubmitValidation(t *testing.T) {
	b := New()
	ctx := context.Background()

	if _, err := b.Submit(ctx, engine.Operation{Kind: engine.OperationDeploy}); err == nil {
		t.Error("Expected error for deploy without artifact")
	}
	if _, err := b.Submit(ctx, call("0x09", "initialize")); err == nil {
		t.Error("Expected error for call to unknown address")
	}
	if _, err := b.Await(ctx, &engine.OperationHandle{ID: "missing"}, 1); err == nil {
		t.Error("Expected error for unknown handle")
	}
	if b.SubmitCount() != 0 {
		t.Errorf("Expected rejected operations not to count, got %d", b.SubmitCount())
	}
}

func TestInitializeOnce(t *testing.T) {
	b := New()
	ctx := context.Background()
	addr := deploy(t, b, "Token")

	mustApply(t, b, call(addr, "initialize"))

	h, _ := b.Submit(ctx, call(addr, "initialize"))
	_, err := b.Await(ctx, h, 1)
	if engine.Classify(err) != engine.FailureAlreadyInitialized {
		t.Fatalf("Expected already initialized, got %v", err)
	}

	v, err := b.Read(ctx, addr, "isInitialized")
	if err != nil || v != true {
		t.Errorf("Expected initialized, got %v, %v", v, err)
	}
}

func TestRegistry(t *testing.T) {
	b := New().WithArtifact("AddressManager", Artifact{Kind: KindRegistry}).
		WithArtifact("Token", Artifact{Version: "2.0.0"}).
		WithArtifact("TokenV1", Artifact{Version: "1.0.0"}).
		WithArtifact("TokenV3", Artifact{Version: "3.0.0"})
	ctx := context.Background()

	registry := deploy(t, b, "AddressManager")
	token := deploy(t, b, "Token")

	if v, _ := b.Read(ctx, registry, "getContractAddress", "Token"); v != engine.ZeroAddress {
		t.Errorf("Expected zero address before registration, got %v", v)
	}

	mustApply(t, b, call(registry, "registerNewContractWithPointer", "Token", token, "0xad"))
	pointer, err := b.Read(ctx, registry, "getPointerForContractName", "Token")
	if err != nil || engine.IsZeroAddress(pointer.(string)) {
		t.Fatalf("Expected pointer address, got %v, %v", pointer, err)
	}
	if impl, _ := b.Implementation(pointer.(string)); impl != token {
		t.Errorf("Expected pointer to forward to %s, got %s", token, impl)
	}

	h, _ := b.Submit(ctx, call(registry, "registerNewContract", "Token", token))
	if _, err := b.Await(ctx, h, 1); engine.Classify(err) != engine.FailureAlreadyRegistered {
		t.Errorf("Expected already registered, got %v", err)
	}

	older := deploy(t, b, "TokenV1")
	h, _ = b.Submit(ctx, call(registry, "changeContractAddressVersioned", "Token", older))
	if _, err := b.Await(ctx, h, 1); engine.Classify(err) != engine.FailureVersionRejected {
		t.Errorf("Expected version rejected, got %v", err)
	}

	newer := deploy(t, b, "TokenV3")
	mustApply(t, b, call(registry, "changeContractAddressVersioned", "Token", newer))
	if impl, _ := b.Implementation(pointer.(string)); impl != newer {
		t.Errorf("Expected pointer repointed to %s, got %s", newer, impl)
	}
	again, _ := b.Read(ctx, registry, "getPointerForContractName", "Token")
	if again != pointer {
		t.Errorf("Expected stable pointer %v, got %v", pointer, again)
	}

	mustApply(t, b, call(registry, "changeContractAddressDangerous", "Token", older))
	if direct, _ := b.Read(ctx, registry, "getContractAddress", "Token"); direct != older {
		t.Errorf("Expected dangerous repoint to %s, got %v", older, direct)
	}
}

func TestFinalizationLag(t *testing.T) {
	b := New().WithArtifact("AddressManager", Artifact{Kind: KindRegistry}).WithFinalizationLag(2)
	ctx := context.Background()
	registry := deploy(t, b, "AddressManager")
	token := deploy(t, b, "Token")
	mustApply(t, b, call(registry, "registerNewContractWithPointer", "Token", token, "0xad"))

	for i := 0; i < 2; i++ {
		if v, _ := b.Read(ctx, registry, "getPointerForContractName", "Token"); v != engine.ZeroAddress {
			t.Fatalf("read %d: expected zero address, got %v", i, v)
		}
	}
	if v, _ := b.Read(ctx, registry, "getPointerForContractName", "Token"); engine.IsZeroAddress(v.(string)) {
		t.Error("Expected pointer after lag")
	}
}

func TestFaults(t *testing.T) {
	ctx := context.Background()

	t.Run("fails before apply", func(t *testing.T) {
		b := New().Inject(Fault{Op: engine.OperationDeploy, Target: "Token", Times: 2})
		for i := 0; i < 2; i++ {
			h, _ := b.Submit(ctx, engine.Operation{Kind: engine.OperationDeploy, Target: "Token"})
			if _, err := b.Await(ctx, h, 1); engine.Classify(err) != engine.FailureUnknown || err == nil {
				t.Fatalf("attempt %d: expected injected failure, got %v", i, err)
			}
		}
		if b.Deployed() != 0 {
			t.Errorf("Expected nothing deployed, got %d", b.Deployed())
		}
		deploy(t, b, "Token")
	})

	t.Run("fails after apply", func(t *testing.T) {
		b := New()
		addr := deploy(t, b, "Token")
		b.Inject(Fault{Method: "initialize", AfterApply: true, Kind: engine.FailureNotYetFinalized})

		h, _ := b.Submit(ctx, call(addr, "initialize"))
		_, err := b.Await(ctx, h, 1)
		if engine.Classify(err) != engine.FailureNotYetFinalized {
			t.Fatalf("Expected injected kind, got %v", err)
		}
		if v, _ := b.Read(ctx, addr, "isInitialized"); v != true {
			t.Error("Expected effects applied despite failure")
		}

		// Awaiting again returns the same outcome.
		if _, again := b.Await(ctx, h, 1); again == nil {
			t.Error("Expected cached failure")
		}
	})

	t.Run("clear", func(t *testing.T) {
		b := New().Inject(Fault{})
		b.ClearFaults()
		deploy(t, b, "Token")
	})
}

func TestInspection(t *testing.T) {
	b := New()
	ctx := context.Background()
	addr := deploy(t, b, "Token")
	mustApply(t, b, call(addr, "setFee", "10"))

	calls := b.Calls()
	if len(calls) != 1 || calls[0].Method != "setFee" {
		t.Errorf("unexpected calls %+v", calls)
	}
	if got := b.Confirmations(); len(got) != 2 {
		t.Errorf("Expected 2 awaited confirmations, got %v", got)
	}
	if len(b.Submitted()) != 2 {
		t.Errorf("Expected 2 submitted operations, got %d", len(b.Submitted()))
	}
	if _, err := b.Read(ctx, addr, "balanceOf"); err == nil {
		t.Error("Expected error for unknown query")
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.toml")
	content := `
finalization_lag = 1

[artifacts.AddressManager]
kind = "registry"

[artifacts.Token]
version = "2.0.0"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write catalog: %v", err)
	}

	c, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog failed: %v", err)
	}
	if c.FinalizationLag != 1 || c.Artifacts["AddressManager"].Kind != KindRegistry {
		t.Errorf("unexpected catalog %+v", c)
	}

	b := NewFromCatalog(c)
	addr := deploy(t, b, "Token")
	if v, _ := b.Read(context.Background(), addr, "getVersion"); v != "2.0.0" {
		t.Errorf("Expected version 2.0.0, got %v", v)
	}

	bad := filepath.Join(t.TempDir(), "bad.toml")
	_ = os.WriteFile(bad, []byte("[artifacts.X]\nkind = \"pointer\"\n"), 0o644)
	if _, err := LoadCatalog(bad); err == nil {
		t.Error("Expected error for pointer artifact kind")
	}
}
