package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/mod/semver"
)

// RegistryMethods names the registry entity's methods and views.
type RegistryMethods struct {
	Register            string `toml:"register"`
	RegisterWithPointer string `toml:"register_with_pointer"`
	ContractAddress     string `toml:"contract_address"`
	PointerForName      string `toml:"pointer_for_name"`
	ChangeVersioned     string `toml:"change_versioned"`
	ChangeDangerous     string `toml:"change_dangerous"`
	Version             string `toml:"version"`
	AllowCapability     string `toml:"allow_capability"`
	Initialize          string `toml:"initialize"`
}

// DefaultRegistryMethods returns the method names of the reference
// address manager.
func DefaultRegistryMethods() RegistryMethods {
	return RegistryMethods{
		Register:            "registerNewContract",
		RegisterWithPointer: "registerNewContractWithPointer",
		ContractAddress:     "getContractAddress",
		PointerForName:      "getPointerForContractName",
		ChangeVersioned:     "changeContractAddressVersioned",
		ChangeDangerous:     "changeContractAddressDangerous",
		Version:             "getVersion",
		AllowCapability:     "allowContract",
		Initialize:          "initialize",
	}
}

func (m RegistryMethods) withDefaults() RegistryMethods {
	def := DefaultRegistryMethods()
	fill := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	fill(&m.Register, def.Register)
	fill(&m.RegisterWithPointer, def.RegisterWithPointer)
	fill(&m.ContractAddress, def.ContractAddress)
	fill(&m.PointerForName, def.PointerForName)
	fill(&m.ChangeVersioned, def.ChangeVersioned)
	fill(&m.ChangeDangerous, def.ChangeDangerous)
	fill(&m.Version, def.Version)
	fill(&m.AllowCapability, def.AllowCapability)
	fill(&m.Initialize, def.Initialize)
	return m
}

// RemoteRegistry is an AddressRegistry operated through a Backend against
// the registry entity at Target.
type RemoteRegistry struct {
	backend       Backend
	target        string
	confirmations int
	methods       RegistryMethods
	logger        zerolog.Logger
}

// NewRemoteRegistry creates a registry client. Every mutation waits for
// confirmations acknowledgments.
func NewRemoteRegistry(backend Backend, target string, confirmations int, methods RegistryMethods, logger zerolog.Logger) *RemoteRegistry {
	return &RemoteRegistry{
		backend:       backend,
		target:        target,
		confirmations: confirmations,
		methods:       methods.withDefaults(),
		logger:        logger.With().Str("component", "registry").Str("registry", target).Logger(),
	}
}

// Target returns the registry address.
func (r *RemoteRegistry) Target() string {
	return r.target
}

func (r *RemoteRegistry) submit(ctx context.Context, method string, args ...any) error {
	handle, err := r.backend.Submit(ctx, Operation{
		Kind:   OperationCall,
		Target: r.target,
		Method: method,
		Args:   args,
	})
	if err != nil {
		return err
	}
	_, err = r.backend.Await(ctx, handle, r.confirmations)
	return err
}

// RegisterDirect records name -> address.
func (r *RemoteRegistry) RegisterDirect(ctx context.Context, name, address string) error {
	r.logger.Debug().Str("name", name).Str("address", address).Msg("registering")
	return r.submit(ctx, r.methods.Register, name, address)
}

// RegisterWithPointer records name -> address behind a pointer and returns
// the pointer address. A pointer that still reads as zero after confirmation
// is reported as NotYetFinalized.
func (r *RemoteRegistry) RegisterWithPointer(ctx context.Context, name, address, admin string) (string, error) {
	r.logger.Debug().Str("name", name).Str("address", address).Str("admin", admin).Msg("registering with pointer")
	if err := r.submit(ctx, r.methods.RegisterWithPointer, name, address, admin); err != nil {
		return "", err
	}
	v, err := r.backend.Read(ctx, r.target, r.methods.PointerForName, name)
	if err != nil {
		return "", err
	}
	return AddressValue(v, "pointer for "+name)
}

// Resolve returns the pointer address when wrapped, else the direct address.
func (r *RemoteRegistry) Resolve(ctx context.Context, name string) (string, error) {
	pointer, err := r.PointerAddress(ctx, name)
	if err != nil {
		return "", err
	}
	if pointer != "" {
		return pointer, nil
	}
	return r.DirectAddress(ctx, name)
}

// DirectAddress returns the implementation address registered for name.
func (r *RemoteRegistry) DirectAddress(ctx context.Context, name string) (string, error) {
	v, err := r.backend.Read(ctx, r.target, r.methods.ContractAddress, name)
	if err != nil {
		return "", err
	}
	return AddressValue(v, "address of "+name)
}

// PointerAddress returns the pointer for name, or "" when name is not wrapped.
func (r *RemoteRegistry) PointerAddress(ctx context.Context, name string) (string, error) {
	v, err := r.backend.Read(ctx, r.target, r.methods.PointerForName, name)
	if err != nil {
		return "", err
	}
	addr, ok := v.(string)
	if !ok {
		return "", NewRemoteError(FailureUnknown, "pointer for %s: expected address, got %T", name, v)
	}
	if IsZeroAddress(addr) {
		return "", nil
	}
	return addr, nil
}

// ChangeAddress repoints name to newAddress. In versioned mode the version
// of newAddress must not be lower than the version of the current
// implementation, otherwise nothing is submitted and an IncompatibleUpgrade
// validation error is returned.
func (r *RemoteRegistry) ChangeAddress(ctx context.Context, name, newAddress string, dangerous bool) error {
	if dangerous {
		r.logger.Warn().Str("name", name).Str("address", newAddress).Msg("changing address without version check")
		return r.submit(ctx, r.methods.ChangeDangerous, name, newAddress)
	}

	current, err := r.DirectAddress(ctx, name)
	if err != nil {
		return err
	}
	oldVersion, err := r.Version(ctx, current)
	if err != nil {
		return err
	}
	newVersion, err := r.Version(ctx, newAddress)
	if err != nil {
		return err
	}
	if CompareVersions(newVersion, oldVersion) < 0 {
		return &EngineError{
			Class:   ErrorClassValidation,
			Code:    ErrCodeIncompatibleUpgrade,
			Message: fmt.Sprintf("version %s is lower than registered version %s", newVersion, oldVersion),
			Entity:  name,
			Details: map[string]interface{}{
				"current_address": current,
				"new_address":     newAddress,
			},
		}
	}
	return r.submit(ctx, r.methods.ChangeVersioned, name, newAddress)
}

// Version reads the declared version of the entity at address.
func (r *RemoteRegistry) Version(ctx context.Context, address string) (string, error) {
	v, err := r.backend.Read(ctx, address, r.methods.Version)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(v), nil
}

// CompareVersions compares two declared versions ("2", "1.4", "v1.4.2").
// Versions that are not semantic versions compare as plain strings.
func CompareVersions(a, b string) int {
	va, vb := canonicalVersion(a), canonicalVersion(b)
	if semver.IsValid(va) && semver.IsValid(vb) {
		return semver.Compare(va, vb)
	}
	return strings.Compare(a, b)
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
