// Package manifest defines the parsed module metadata struct that the core
// consumes. Reading the YAML document off disk and turning it into this
// struct is the external manifest-parser collaborator's job (spec §6); this
// package only validates the parsed result.
package manifest

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/wisbric/modkernel/pkg/kernel/permission"
)

// CapabilityGrant is one declared (capability, accessType) pair from a
// module's manifest.
type CapabilityGrant struct {
	Capability string `validate:"required"`
	AccessType permission.AccessType
}

// Governance is the governance block of a manifest.
type Governance struct {
	Capabilities []CapabilityGrant `validate:"dive"`
}

// Manifest is the parsed, validated module metadata document.
type Manifest struct {
	ID         string `validate:"required"`
	Version    string `validate:"required"`
	MainClass  string
	Governance Governance
	Labels     map[string]string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the manifest's required fields. It does not re-parse YAML
// — that happens upstream, outside the kernel's responsibility.
func Validate(m *Manifest) error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid manifest: %w", err)
	}
	for _, g := range m.Governance.Capabilities {
		if g.Capability == "" {
			return fmt.Errorf("invalid manifest: empty capability name")
		}
	}
	return nil
}
