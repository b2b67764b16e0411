package provider

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"
)

// AuthType is how a provider type authenticates.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api_key"
	AuthBasic  AuthType = "basic"
	AuthOAuth  AuthType = "oauth"
)

// FieldKind is the presentation kind of a config field.
type FieldKind string

const (
	FieldText   FieldKind = "text"
	FieldSecret FieldKind = "secret"
	FieldURL    FieldKind = "url"
	FieldBool   FieldKind = "bool"
)

// ConfigField describes one entry of a provider type's config schema.
type ConfigField struct {
	Name     string    `json:"name"`
	Label    string    `json:"label"`
	Kind     FieldKind `json:"kind"`
	Required bool      `json:"required"`

	// IsIdentifier marks the field whose value identifies a reusable
	// credential bundle (e.g. the account email for OAuth types).
	IsIdentifier bool `json:"isIdentifier"`

	// Sensitive fields are encrypted at rest and masked for display.
	Sensitive bool `json:"sensitive"`
}

// Registration binds a provider type to its driver factory, config schema,
// auth type, and static capability flags. Registrations are created once at
// process start and never mutated.
type Registration struct {
	Type         Type          `json:"type"`
	AuthType     AuthType      `json:"authType"`
	Capabilities Capabilities  `json:"capabilities"`
	ConfigFields []ConfigField `json:"configFields"`

	// NewDriver constructs a fresh, uninitialized driver instance.
	NewDriver func() Driver `json:"-"`
}

// SensitiveFields returns the names of fields encrypted at rest.
func (r Registration) SensitiveFields() []string {
	var out []string
	for _, f := range r.ConfigFields {
		if f.Sensitive {
			out = append(out, f.Name)
		}
	}
	return out
}

// IdentifierField returns the name of the identifier field, or "".
func (r Registration) IdentifierField() string {
	for _, f := range r.ConfigFields {
		if f.IsIdentifier {
			return f.Name
		}
	}
	return ""
}

// Registry is a pure lookup table from provider type to Registration.
type Registry struct {
	byType map[Type]Registration
	order  []Type
}

// NewRegistry builds a registry from a closed set of registrations.
func NewRegistry(regs ...Registration) *Registry {
	r := &Registry{byType: make(map[Type]Registration, len(regs))}
	for _, reg := range regs {
		if _, dup := r.byType[reg.Type]; dup {
			continue
		}
		r.byType[reg.Type] = reg
		r.order = append(r.order, reg.Type)
	}
	return r
}

// Get returns the registration for a provider type.
func (r *Registry) Get(t Type) (Registration, error) {
	reg, ok := r.byType[t]
	if !ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	return reg, nil
}

// SensitiveFields returns the sensitive field names for a provider type.
func (r *Registry) SensitiveFields(t Type) ([]string, error) {
	reg, err := r.Get(t)
	if err != nil {
		return nil, err
	}
	return reg.SensitiveFields(), nil
}

// List returns all registrations in registration order.
func (r *Registry) List() []Registration {
	out := make([]Registration, 0, len(r.order))
	for _, t := range r.order {
		out = append(out, r.byType[t])
	}
	return out
}

// ValidateConfig checks submitted config against the type's schema.
func (r *Registry) ValidateConfig(t Type, config map[string]any) error {
	reg, err := r.Get(t)
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(reg.ConfigFields))
	for _, f := range reg.ConfigFields {
		known[f.Name] = true
		v, ok := config[f.Name]
		if !ok || v == nil || v == "" {
			if f.Required {
				return &ValidationError{Field: f.Name, Reason: "required"}
			}
			continue
		}
	}
	for name := range config {
		if !known[name] {
			return &ValidationError{Field: name, Reason: "not in schema"}
		}
	}
	return nil
}

// DecodeConfig decodes an untyped config map into a driver's typed config
// struct. Field names match the registration schema (snake_case keys).
func DecodeConfig(config map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "config",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("build config decoder: %w", err)
	}
	if err := dec.Decode(config); err != nil {
		return fmt.Errorf("decode provider config: %w", err)
	}
	return nil
}
