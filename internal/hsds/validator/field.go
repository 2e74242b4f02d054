// Package validator scores HSDS payloads: a deterministic completeness
// check over the generated schema, and an LLM judge for faithfulness.
package validator

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/communitydata/hsds-pipeline/internal/models"
)

// ErrValidation marks an unusable judge response or an alignment loop
// that exhausted its attempts. Terminal for the job.
var ErrValidation = errors.New("validation error")

// Per-missing-field penalties. Inferrable categories are matched before
// the per-section ones; the ordering was tuned against real scraper
// output and shifts scores if changed.
const (
	penaltyContainer      = 0.15
	penaltyContainerKnown = 0.25
	penaltySection        = 0.10
	penaltySectionKnown   = 0.20
	penaltyOther          = 0.05
	penaltyOtherKnown     = 0.15
	penaltyInferAddress   = 0.03
	penaltyInferDefault   = 0.02
	penaltyInferStatus    = 0.02
)

var (
	inferrableAddressFields = map[string]bool{
		"city":           true,
		"state_province": true,
		"postal_code":    true,
	}
	inferrableDefaultFields = map[string]bool{
		"country":      true,
		"type":         true, // phone type
		"languages":    true,
		"address_type": true,
	}
	inferrableStatusFields = map[string]bool{
		"status":        true,
		"location_type": true,
		"freq":          true,
		"wkst":          true,
	}
)

// FieldValidator walks a payload against the required-field lists the
// schema converter derived and produces a completeness score.
type FieldValidator struct {
	logger *slog.Logger
}

// NewFieldValidator creates a field validator.
func NewFieldValidator(logger *slog.Logger) *FieldValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &FieldValidator{logger: logger.With("component", "hsds.fieldvalidator")}
}

type missingField struct {
	path      string // e.g. "service[0].phones[0].number"
	entity    string // grouping key for feedback, e.g. "service[0]"
	field     string // bare field name
	section   string // root collection the field belongs to
	container bool   // a whole root collection is absent
}

// Validate returns the deterministic completeness result for payload.
// knownFields, when non-nil, lists fields the scraper asserts it
// provided; a known field going missing is penalised harder.
func (v *FieldValidator) Validate(format *models.OutputFormat, payload map[string]any, knownFields map[string]bool) *models.ValidationResult {
	missing := v.collectMissing(format.JSONSchema.Schema, payload)

	confidence := 1.0
	paths := make([]string, 0, len(missing))
	for _, m := range missing {
		confidence -= penaltyFor(m, knownFields)
		paths = append(paths, m.path)
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}

	return &models.ValidationResult{
		Confidence:            confidence,
		MissingRequiredFields: paths,
		Feedback:              feedbackFor(missing),
	}
}

func (v *FieldValidator) collectMissing(schema, payload map[string]any) []missingField {
	var missing []missingField
	properties, _ := schema["properties"].(map[string]any)
	for _, collection := range stringSlice(schema["required"]) {
		itemSchema := itemsSchema(properties[collection])

		records := arrayValue(payload[collection])
		if len(records) == 0 {
			missing = append(missing, missingField{
				path:      collection,
				entity:    collection,
				field:     collection,
				section:   collection,
				container: true,
			})
			continue
		}
		for i, record := range records {
			obj, ok := record.(map[string]any)
			if !ok {
				continue
			}
			entity := collection
			if len(records) > 1 {
				entity = fmt.Sprintf("%s[%d]", collection, i)
			}
			missing = append(missing, checkObject(itemSchema, obj, entity, collection)...)
		}
	}
	return missing
}

// checkObject reports required fields absent from obj, then descends
// into nested collections the payload actually carries.
func checkObject(schema, obj map[string]any, path, section string) []missingField {
	if schema == nil {
		return nil
	}
	var missing []missingField
	for _, field := range stringSlice(schema["required"]) {
		if isEmpty(obj[field]) {
			missing = append(missing, missingField{
				path:    path + "." + field,
				entity:  path,
				field:   field,
				section: section,
			})
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		child := itemsSchema(properties[name])
		if child == nil {
			continue
		}
		for i, element := range arrayValue(obj[name]) {
			nested, ok := element.(map[string]any)
			if !ok {
				continue
			}
			childPath := fmt.Sprintf("%s.%s[%d]", path, name, i)
			missing = append(missing, checkObject(child, nested, childPath, section)...)
		}
	}
	return missing
}

func penaltyFor(m missingField, knownFields map[string]bool) float64 {
	// Inferrable fields first; a downstream enricher can supply these.
	switch {
	case inferrableAddressFields[m.field]:
		return penaltyInferAddress
	case inferrableDefaultFields[m.field]:
		return penaltyInferDefault
	case inferrableStatusFields[m.field]:
		return penaltyInferStatus
	}

	known := isKnownField(knownFields, m)
	switch {
	case m.container:
		if known {
			return penaltyContainerKnown
		}
		return penaltyContainer
	case m.section == "organization" || m.section == "service" || m.section == "location":
		if known {
			return penaltySectionKnown
		}
		return penaltySection
	default:
		if known {
			return penaltyOtherKnown
		}
		return penaltyOther
	}
}

func isKnownField(knownFields map[string]bool, m missingField) bool {
	return knownFields[m.field] || knownFields[m.path]
}

// feedbackFor groups missing fields by entity, in first-seen order.
func feedbackFor(missing []missingField) string {
	if len(missing) == 0 {
		return ""
	}
	grouped := make(map[string][]string)
	var order []string
	var containers []string
	for _, m := range missing {
		if m.container {
			containers = append(containers, m.field)
			continue
		}
		if _, seen := grouped[m.entity]; !seen {
			order = append(order, m.entity)
		}
		grouped[m.entity] = append(grouped[m.entity], m.field)
	}

	var lines []string
	if len(containers) > 0 {
		lines = append(lines, "Missing entire sections: "+strings.Join(containers, ", "))
	}
	for _, entity := range order {
		lines = append(lines, entity+": missing "+strings.Join(grouped[entity], ", "))
	}
	return strings.Join(lines, "\n")
}

// stringSlice tolerates both the converter's native []string and the
// []any that a JSON round trip produces.
func stringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, e := range vals {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func arrayValue(v any) []any {
	arr, _ := v.([]any)
	return arr
}

// itemsSchema digs the object schema out of an array property.
func itemsSchema(prop any) map[string]any {
	m, ok := prop.(map[string]any)
	if !ok {
		return nil
	}
	if items, ok := m["items"].(map[string]any); ok {
		return items
	}
	if _, ok := m["properties"]; ok {
		return m
	}
	return nil
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}
