// Package deployment holds the deployment descriptor and the registry that
// resolves a request suffix to it.
package deployment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no deployment is stored under a suffix.
	ErrNotFound = errors.New("deployment not found")

	// ErrExists is returned when adding a suffix that is already stored.
	ErrExists = errors.New("deployment already exists")
)

// ResourceType says how a deployment's code was provided.
type ResourceType string

const (
	ResourcePackage    ResourceType = "Package"
	ResourceRepository ResourceType = "Repository"
)

// Valid reports whether t is a known resource type.
func (t ResourceType) Valid() bool {
	return t == ResourcePackage || t == ResourceRepository
}

// Deployment is a named, versioned unit of deployable code with a fixed source
// location. It is sent verbatim to the worker in the load message.
type Deployment struct {
	ID           string       `json:"id"`
	Suffix       string       `json:"suffix"`
	ResourceType ResourceType `json:"resourceType"`
	Release      string       `json:"release"`
	Env          []EnvVar     `json:"env"`
	Plan         string       `json:"plan"`
	Version      string       `json:"version"`
	SourcePath   string       `json:"sourcePath"`
}

// Validate checks the fields the orchestration core relies on.
func (d Deployment) Validate() error {
	if strings.TrimSpace(d.Suffix) == "" {
		return fmt.Errorf("suffix is empty")
	}
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("id is empty")
	}
	if !d.ResourceType.Valid() {
		return fmt.Errorf("invalid resource type %q (must be Package or Repository)", d.ResourceType)
	}
	if strings.TrimSpace(d.SourcePath) == "" {
		return fmt.Errorf("source path is empty")
	}
	for i, e := range d.Env {
		if err := e.validate(); err != nil {
			return fmt.Errorf("env[%d]: %w", i, err)
		}
	}
	return nil
}

// EnvVar is one environment assignment. Value may be any JSON scalar; it is
// coerced to text only when the worker environment is built.
//
// Both {"name":"K","value":v} and the "K=V" string form decode into an EnvVar.
type EnvVar struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// ParseEnvVar parses the "KEY=VALUE" form. A missing "=" yields an empty value.
func ParseEnvVar(s string) (EnvVar, error) {
	name, value, _ := strings.Cut(s, "=")
	ev := EnvVar{Name: strings.TrimSpace(name), Value: value}
	if err := ev.validate(); err != nil {
		return EnvVar{}, err
	}
	return ev, nil
}

func (e EnvVar) validate() error {
	if e.Name == "" {
		return fmt.Errorf("env name is empty")
	}
	if strings.ContainsAny(e.Name, "=\x00") {
		return fmt.Errorf("env name %q contains '=' or NUL", e.Name)
	}
	return nil
}

// UnmarshalJSON accepts the object and the "KEY=VALUE" string forms.
// Numbers are kept as json.Number so large integers survive unchanged.
func (e *EnvVar) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		ev, err := ParseEnvVar(s)
		if err != nil {
			return err
		}
		*e = ev
		return nil
	}

	var raw struct {
		Name  string          `json:"name"`
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("env entry must be an object or KEY=VALUE string: %w", err)
	}

	var value any
	if len(raw.Value) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw.Value))
		dec.UseNumber()
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("env %q: %w", raw.Name, err)
		}
	}
	switch value.(type) {
	case map[string]any, []any:
		return fmt.Errorf("env %q: value must be a scalar", raw.Name)
	}

	*e = EnvVar{Name: raw.Name, Value: value}
	return e.validate()
}
