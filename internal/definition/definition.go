package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrDefinitionNotFound = errors.New("definition not found")
	ErrDefinitionParse    = errors.New("definition parse error")
)

type VariableType string

const (
	TypeString  VariableType = "string"
	TypeInt     VariableType = "int"
	TypeFloat   VariableType = "float"
	TypeYear    VariableType = "year"
	TypeEnum    VariableType = "enum"
	TypeBoolean VariableType = "boolean"
	TypeDate    VariableType = "date"
	TypeID      VariableType = "id"
)

var validTypes = map[VariableType]struct{}{
	TypeString: {}, TypeInt: {}, TypeFloat: {}, TypeYear: {},
	TypeEnum: {}, TypeBoolean: {}, TypeDate: {}, TypeID: {},
}

// ValidatorRef is a validator reference as it appears in a definition file:
// either a bare string name or a {name, params} object.
type ValidatorRef struct {
	Name   string
	Params map[string]any
}

func (v *ValidatorRef) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		v.Name = name
		return nil
	}

	var obj struct {
		Name   string         `json:"name"`
		Params map[string]any `json:"params"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("validator must be a string or {name, params} object: %w", err)
	}
	v.Name = obj.Name
	v.Params = obj.Params
	return nil
}

type VariableSpec struct {
	Name          string         `json:"name"`
	Type          VariableType   `json:"type"`
	Label         string         `json:"label,omitempty"`
	ValueRequired bool           `json:"-"`
	PHI           bool           `json:"phi,omitempty"`
	AllowedValues []string       `json:"allowed_values,omitempty"`
	DateFormat    string         `json:"date_format,omitempty"`
	Validators    []ValidatorRef `json:"validators,omitempty"`
}

func (v *VariableSpec) UnmarshalJSON(data []byte) error {
	type alias VariableSpec
	var raw struct {
		alias
		ValueOptional *bool   `json:"value_optional"`
		ValueRequired *bool   `json:"value_required"`
		PdDateFormat  *string `json:"pd_date_format"`
	}

	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*v = VariableSpec(raw.alias)

	// Requiredness can be declared either way around; value_required wins if
	// both are present.
	if raw.ValueOptional != nil {
		v.ValueRequired = !*raw.ValueOptional
	}
	if raw.ValueRequired != nil {
		v.ValueRequired = *raw.ValueRequired
	}

	if v.DateFormat == "" && raw.PdDateFormat != nil {
		v.DateFormat = *raw.PdDateFormat
	}

	return nil
}

// Definition is the versioned column schema for one file type. Immutable once
// loaded; shared read-only across all validators in a run.
type Definition struct {
	FileType    string
	Version     string
	Description string

	variables []VariableSpec
	byLower   map[string]*VariableSpec
}

type definitionEnvelope struct {
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Variables   []VariableSpec `json:"variables"`
}

// Load reads the definition for fileType from dir. The file may be a bare
// array of variable objects or a {version, description, variables} envelope.
func Load(dir, fileType string) (*Definition, error) {
	path := filepath.Join(dir, fileType+".json")

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no definition file for type '%s'", ErrDefinitionNotFound, fileType)
		}
		return nil, fmt.Errorf("error reading definition file %s: %w", path, err)
	}

	return Parse(fileType, data)
}

func Parse(fileType string, data []byte) (*Definition, error) {
	def := &Definition{FileType: fileType}

	var variables []VariableSpec
	if err := json.Unmarshal(data, &variables); err != nil {
		var envelope definitionEnvelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDefinitionParse, err)
		}
		if envelope.Variables == nil {
			return nil, fmt.Errorf("%w: definition has no variables", ErrDefinitionParse)
		}
		def.Version = envelope.Version
		def.Description = envelope.Description
		variables = envelope.Variables
	}

	if len(variables) == 0 {
		return nil, fmt.Errorf("%w: definition for '%s' declares no variables", ErrDefinitionParse, fileType)
	}

	def.byLower = make(map[string]*VariableSpec, len(variables))
	for i := range variables {
		v := &variables[i]
		if v.Name == "" {
			return nil, fmt.Errorf("%w: variable %d has no name", ErrDefinitionParse, i)
		}
		if _, ok := validTypes[v.Type]; !ok {
			return nil, fmt.Errorf("%w: variable '%s' has unknown type '%s'", ErrDefinitionParse, v.Name, v.Type)
		}
		if v.Type == TypeEnum && len(v.AllowedValues) == 0 {
			return nil, fmt.Errorf("%w: enum variable '%s' has no allowed_values", ErrDefinitionParse, v.Name)
		}

		lower := strings.ToLower(v.Name)
		if _, dup := def.byLower[lower]; dup {
			return nil, fmt.Errorf("%w: duplicate variable name '%s'", ErrDefinitionParse, v.Name)
		}
		def.byLower[lower] = v
	}
	def.variables = variables

	return def, nil
}

func (d *Definition) Variables() []VariableSpec {
	return d.variables
}

func (d *Definition) Variable(name string) (*VariableSpec, bool) {
	v, ok := d.byLower[strings.ToLower(name)]
	return v, ok
}

func (d *Definition) RequiredColumns() []string {
	var required []string
	for _, v := range d.variables {
		if v.ValueRequired {
			required = append(required, v.Name)
		}
	}
	return required
}

func (d *Definition) PHIColumns() []string {
	var phi []string
	for _, v := range d.variables {
		if v.PHI {
			phi = append(phi, v.Name)
		}
	}
	return phi
}

// PatientIDColumn returns the first variable of type "id", which carries the
// patient identifier for referential validation.
func (d *Definition) PatientIDColumn() (string, bool) {
	for _, v := range d.variables {
		if v.Type == TypeID {
			return v.Name, true
		}
	}
	return "", false
}

type ColumnSetResult struct {
	MissingRequired []string
	Extra           []string
	Matched         []string
}

// ValidateColumnSet compares submitted column names against the definition,
// matching case-insensitively.
func (d *Definition) ValidateColumnSet(submitted []string) ColumnSetResult {
	var result ColumnSetResult

	seen := make(map[string]struct{}, len(submitted))
	for _, col := range submitted {
		lower := strings.ToLower(col)
		seen[lower] = struct{}{}
		if v, ok := d.byLower[lower]; ok {
			result.Matched = append(result.Matched, v.Name)
		} else {
			result.Extra = append(result.Extra, col)
		}
	}

	for _, v := range d.variables {
		if !v.ValueRequired {
			continue
		}
		if _, ok := seen[strings.ToLower(v.Name)]; !ok {
			result.MissingRequired = append(result.MissingRequired, v.Name)
		}
	}

	return result
}

// ColumnMapping records the one-time case normalization applied to submitted
// columns before any statistics or validation run.
type ColumnMapping struct {
	// Submitted name -> canonical definition name. Unmatched columns map to
	// their original name.
	Names map[string]string
}

func (d *Definition) NormalizeColumns(submitted []string) ColumnMapping {
	mapping := ColumnMapping{Names: make(map[string]string, len(submitted))}
	for _, col := range submitted {
		if v, ok := d.byLower[strings.ToLower(col)]; ok {
			mapping.Names[col] = v.Name
		} else {
			mapping.Names[col] = col
		}
	}
	return mapping
}

// Apply returns the canonical names for the submitted header, in order.
func (m ColumnMapping) Apply(submitted []string) []string {
	normalized := make([]string, len(submitted))
	for i, col := range submitted {
		if canonical, ok := m.Names[col]; ok {
			normalized[i] = canonical
		} else {
			normalized[i] = col
		}
	}
	return normalized
}
