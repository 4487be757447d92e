package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"cohort-validator/internal/definition"
)

type Status int

const (
	Success Status = iota
	Warn
	Fail
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Warn:
		return "warn"
	case Fail:
		return "fail"
	}
	return "unknown"
}

type Outcome struct {
	Status  Status
	Message string
}

var ok = Outcome{Status: Success}

func failf(format string, args ...any) Outcome {
	return Outcome{Status: Fail, Message: fmt.Sprintf(format, args...)}
}

func warnf(format string, args ...any) Outcome {
	return Outcome{Status: Warn, Message: fmt.Sprintf(format, args...)}
}

// Rule is one per-column validator. Check is a pure function of the column
// name, the cell value, and the full row; any evaluation state (e.g. duplicate
// tracking) lives on the rule instance, which is why BuildColumnRules returns
// fresh instances per evaluation.
type Rule interface {
	Name() string
	Check(column, value string, row map[string]string) Outcome
}

// ErrNoValidators marks a column that has no configured validators and is not
// required. Such columns are a configuration error, not a silent skip.
type ErrNoValidators struct {
	Column string
}

func (e *ErrNoValidators) Error() string {
	return fmt.Sprintf("column '%s' has no validators configured and is not required", e.Column)
}

// BuildColumnRules composes the implicit validators derived from the variable
// type with the explicit validators declared in the schema.
func BuildColumnRules(v definition.VariableSpec) ([]Rule, error) {
	var built []Rule

	if typeRule := implicitTypeRule(v); typeRule != nil {
		built = append(built, typeRule)
	}

	if v.ValueRequired {
		built = append(built, &requiredRule{})
	}

	for _, ref := range v.Validators {
		rule, err := resolveValidator(v, ref)
		if err != nil {
			return nil, err
		}
		if rule != nil {
			built = append(built, rule)
		}
	}

	if len(built) == 0 {
		return nil, &ErrNoValidators{Column: v.Name}
	}

	return built, nil
}

func implicitTypeRule(v definition.VariableSpec) Rule {
	switch v.Type {
	case definition.TypeInt:
		return &intRule{}
	case definition.TypeFloat:
		return &floatRule{}
	case definition.TypeYear:
		return &yearRule{}
	case definition.TypeDate:
		format := v.DateFormat
		if format == "" {
			format = "2006-01-02"
		}
		return &dateRule{format: format}
	case definition.TypeEnum:
		return &enumRule{allowed: v.AllowedValues}
	case definition.TypeBoolean:
		return &booleanRule{}
	default:
		// string and id values have no implicit shape.
		return nil
	}
}

func resolveValidator(v definition.VariableSpec, ref definition.ValidatorRef) (Rule, error) {
	switch ref.Name {
	case "required":
		return &requiredRule{}, nil
	case "no_duplicates":
		return &noDuplicatesRule{seen: make(map[string]struct{})}, nil
	case "recommended":
		return &recommendedRule{}, nil
	case "range":
		min, minSet, err := floatParam(ref.Params, "min")
		if err != nil {
			return nil, fmt.Errorf("column '%s': %w", v.Name, err)
		}
		max, maxSet, err := floatParam(ref.Params, "max")
		if err != nil {
			return nil, fmt.Errorf("column '%s': %w", v.Name, err)
		}
		if !minSet && !maxSet {
			return nil, fmt.Errorf("column '%s': range validator requires min and/or max", v.Name)
		}
		return &rangeRule{min: min, hasMin: minSet, max: max, hasMax: maxSet}, nil
	case "required_when":
		column, equals, err := conditionParams(ref.Params)
		if err != nil {
			return nil, fmt.Errorf("column '%s': required_when: %w", v.Name, err)
		}
		return &conditionalRule{otherColumn: column, equals: equals, forbidden: false}, nil
	case "forbidden_when":
		column, equals, err := conditionParams(ref.Params)
		if err != nil {
			return nil, fmt.Errorf("column '%s': forbidden_when: %w", v.Name, err)
		}
		return &conditionalRule{otherColumn: column, equals: equals, forbidden: true}, nil
	default:
		return nil, fmt.Errorf("column '%s': unknown validator '%s'", v.Name, ref.Name)
	}
}

func floatParam(params map[string]any, key string) (float64, bool, error) {
	raw, ok := params[key]
	if !ok {
		return 0, false, nil
	}
	switch value := raw.(type) {
	case float64:
		return value, true, nil
	case int:
		return float64(value), true, nil
	case string:
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return 0, false, fmt.Errorf("parameter '%s' is not numeric: %v", key, raw)
		}
		return parsed, true, nil
	default:
		return 0, false, fmt.Errorf("parameter '%s' is not numeric: %v", key, raw)
	}
}

func conditionParams(params map[string]any) (string, string, error) {
	column, _ := params["column"].(string)
	if column == "" {
		return "", "", fmt.Errorf("missing 'column' parameter")
	}
	equals := fmt.Sprintf("%v", params["equals"])
	if _, ok := params["equals"]; !ok {
		return "", "", fmt.Errorf("missing 'equals' parameter")
	}
	return column, equals, nil
}

type intRule struct{}

func (r *intRule) Name() string { return "int" }

func (r *intRule) Check(column, value string, row map[string]string) Outcome {
	if value == "" {
		return ok
	}
	if _, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err != nil {
		return failf("value '%s' is not a valid integer", value)
	}
	return ok
}

type floatRule struct{}

func (r *floatRule) Name() string { return "float" }

func (r *floatRule) Check(column, value string, row map[string]string) Outcome {
	if value == "" {
		return ok
	}
	if _, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err != nil {
		return failf("value '%s' is not a valid number", value)
	}
	return ok
}

const (
	minPlausibleYear = 1850
	maxPlausibleYear = 2200
)

type yearRule struct{}

func (r *yearRule) Name() string { return "year" }

func (r *yearRule) Check(column, value string, row map[string]string) Outcome {
	if value == "" {
		return ok
	}
	year, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return failf("value '%s' is not a valid year", value)
	}
	if year < minPlausibleYear || year > maxPlausibleYear {
		return failf("year %d is outside the plausible range %d-%d", year, minPlausibleYear, maxPlausibleYear)
	}
	return ok
}

type dateRule struct {
	format string
}

func (r *dateRule) Name() string { return "date" }

func (r *dateRule) Check(column, value string, row map[string]string) Outcome {
	if value == "" {
		return ok
	}
	if _, err := time.Parse(r.format, strings.TrimSpace(value)); err != nil {
		return failf("value '%s' does not match date format '%s'", value, r.format)
	}
	return ok
}

type enumRule struct {
	allowed []string
}

func (r *enumRule) Name() string { return "enum" }

func (r *enumRule) Check(column, value string, row map[string]string) Outcome {
	if value == "" {
		return ok
	}
	for _, allowed := range r.allowed {
		if value == allowed {
			return ok
		}
	}
	return failf("value '%s' is not one of the allowed values: %s", value, strings.Join(r.allowed, ", "))
}

var booleanValues = map[string]struct{}{
	"true": {}, "false": {}, "yes": {}, "no": {}, "1": {}, "0": {},
}

type booleanRule struct{}

func (r *booleanRule) Name() string { return "boolean" }

func (r *booleanRule) Check(column, value string, row map[string]string) Outcome {
	if value == "" {
		return ok
	}
	if _, valid := booleanValues[strings.ToLower(strings.TrimSpace(value))]; !valid {
		return failf("value '%s' is not a valid boolean", value)
	}
	return ok
}

type requiredRule struct{}

func (r *requiredRule) Name() string { return "required" }

func (r *requiredRule) Check(column, value string, row map[string]string) Outcome {
	if strings.TrimSpace(value) == "" {
		return failf("required column '%s' has an empty value", column)
	}
	return ok
}

type recommendedRule struct{}

func (r *recommendedRule) Name() string { return "recommended" }

func (r *recommendedRule) Check(column, value string, row map[string]string) Outcome {
	if strings.TrimSpace(value) == "" {
		return warnf("recommended column '%s' has an empty value", column)
	}
	return ok
}

type rangeRule struct {
	min, max       float64
	hasMin, hasMax bool
}

func (r *rangeRule) Name() string { return "range" }

func (r *rangeRule) Check(column, value string, row map[string]string) Outcome {
	if value == "" {
		return ok
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		// The type rule reports non-numeric values; the range rule only
		// checks bounds.
		return ok
	}
	if r.hasMin && parsed < r.min {
		return failf("value %v is below the minimum %v", parsed, r.min)
	}
	if r.hasMax && parsed > r.max {
		return failf("value %v is above the maximum %v", parsed, r.max)
	}
	return ok
}

type conditionalRule struct {
	otherColumn string
	equals      string
	forbidden   bool
}

func (r *conditionalRule) Name() string {
	if r.forbidden {
		return "forbidden_when"
	}
	return "required_when"
}

func (r *conditionalRule) Check(column, value string, row map[string]string) Outcome {
	other := row[r.otherColumn]
	if !strings.EqualFold(strings.TrimSpace(other), r.equals) {
		return ok
	}

	empty := strings.TrimSpace(value) == ""
	if r.forbidden {
		if !empty {
			return failf("column '%s' must be empty when %s = %s", column, r.otherColumn, r.equals)
		}
		return ok
	}
	if empty {
		return failf("column '%s' is required when %s = %s", column, r.otherColumn, r.equals)
	}
	return ok
}

type noDuplicatesRule struct {
	seen map[string]struct{}
}

func (r *noDuplicatesRule) Name() string { return "no_duplicates" }

func (r *noDuplicatesRule) Check(column, value string, row map[string]string) Outcome {
	if value == "" {
		return ok
	}
	if _, dup := r.seen[value]; dup {
		return failf("value '%s' appears more than once in column '%s'", value, column)
	}
	r.seen[value] = struct{}{}
	return ok
}
