// Package sigma implements Sigma rule validation and the similarity metrics
// used for novelty classification: detection-atom extraction, condition-tree
// parsing, atom Jaccard, and logic-shape comparison.
package sigma

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidationResult is the outcome of validating one rule candidate.
type ValidationResult struct {
	OK     bool     `json:"ok"`
	Errors []string `json:"errors,omitempty"`
}

// Rule is the subset of the Sigma schema the validator and the similarity
// metrics care about.
type Rule struct {
	Title       string         `yaml:"title"`
	ID          string         `yaml:"id"`
	Status      string         `yaml:"status"`
	Description string         `yaml:"description"`
	LogSource   map[string]any `yaml:"logsource"`
	Detection   map[string]any `yaml:"detection"`
	Level       string         `yaml:"level"`
	Tags        []string       `yaml:"tags"`
}

var validStatuses = map[string]bool{
	"stable": true, "test": true, "experimental": true,
	"deprecated": true, "unsupported": true,
}

var validLevels = map[string]bool{
	"informational": true, "low": true, "medium": true, "high": true, "critical": true,
}

// Parse unmarshals rule YAML. Returns an error for malformed YAML or a
// non-mapping document.
func Parse(yamlText string) (*Rule, error) {
	var r Rule
	if err := yaml.Unmarshal([]byte(yamlText), &r); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	return &r, nil
}

// Validate checks rule text against the Sigma schema requirements. It is a
// pure function: same input, same result.
func Validate(yamlText string) ValidationResult {
	if strings.TrimSpace(yamlText) == "" {
		return ValidationResult{Errors: []string{"rule is empty"}}
	}

	r, err := Parse(yamlText)
	if err != nil {
		return ValidationResult{Errors: []string{err.Error()}}
	}

	var errs []string
	if strings.TrimSpace(r.Title) == "" {
		errs = append(errs, "missing required field: title")
	}
	if r.Status != "" && !validStatuses[r.Status] {
		errs = append(errs, fmt.Sprintf("invalid status %q", r.Status))
	}
	if r.Level != "" && !validLevels[r.Level] {
		errs = append(errs, fmt.Sprintf("invalid level %q", r.Level))
	}

	if len(r.LogSource) == 0 {
		errs = append(errs, "missing required field: logsource")
	} else {
		hasScope := false
		for _, k := range []string{"category", "product", "service"} {
			if _, ok := r.LogSource[k]; ok {
				hasScope = true
			}
		}
		if !hasScope {
			errs = append(errs, "logsource must set at least one of category, product, service")
		}
	}

	errs = append(errs, validateDetection(r.Detection)...)

	return ValidationResult{OK: len(errs) == 0, Errors: errs}
}

// validateDetection checks the detection block: a condition expression, at
// least one search identifier, and that every identifier the condition
// references exists.
func validateDetection(det map[string]any) []string {
	if len(det) == 0 {
		return []string{"missing required field: detection"}
	}

	var errs []string
	condRaw, ok := det["condition"]
	if !ok {
		errs = append(errs, "detection must contain a condition")
	}

	identifiers := make(map[string]bool)
	for k := range det {
		if k != "condition" && k != "timeframe" {
			identifiers[k] = true
		}
	}
	if len(identifiers) == 0 {
		errs = append(errs, "detection must contain at least one search identifier")
	}

	for name := range identifiers {
		if err := validateSearch(name, det[name]); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if cond, isStr := condRaw.(string); isStr && cond != "" {
		tree, err := ParseCondition(cond)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid condition: %v", err))
		} else {
			for _, ref := range tree.Identifiers() {
				if !matchesAnyIdentifier(ref, identifiers) {
					errs = append(errs, fmt.Sprintf("condition references unknown identifier %q", ref))
				}
			}
		}
	} else if ok {
		if _, isStr := condRaw.(string); !isStr {
			errs = append(errs, "condition must be a string")
		}
	}

	return errs
}

// validateSearch checks one search identifier's body: a mapping of field
// selectors or a list of mappings/keywords.
func validateSearch(name string, body any) error {
	switch v := body.(type) {
	case map[string]any:
		if len(v) == 0 {
			return fmt.Errorf("search %q is an empty mapping", name)
		}
		return nil
	case []any:
		if len(v) == 0 {
			return fmt.Errorf("search %q is an empty list", name)
		}
		return nil
	default:
		return fmt.Errorf("search %q must be a mapping or list", name)
	}
}

// matchesAnyIdentifier resolves a condition reference, including wildcard
// patterns like "selection_*", against the defined identifiers.
func matchesAnyIdentifier(ref string, identifiers map[string]bool) bool {
	if ref == "them" {
		return len(identifiers) > 0
	}
	if strings.HasSuffix(ref, "*") {
		prefix := strings.TrimSuffix(ref, "*")
		for id := range identifiers {
			if strings.HasPrefix(id, prefix) {
				return true
			}
		}
		return false
	}
	return identifiers[ref]
}
