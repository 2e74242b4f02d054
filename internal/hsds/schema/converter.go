// Package schema turns the tabular HSDS field definitions into a strict
// JSON Schema suitable for provider structured-output mode.
package schema

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/communitydata/hsds-pipeline/internal/models"
)

// ErrSchema marks a malformed or uncompilable schema file. It is fatal at
// worker startup.
var ErrSchema = errors.New("schema error")

//go:embed hsds_schema.csv
var defaultSchemaCSV []byte

// Patterns attached to semantically typed fields.
const (
	patternStateProvince = `^[A-Z]{2}$`
	patternPostalCode    = `^\d{5}(-\d{4})?$`
	patternCountry       = `^[A-Z]{2}$`
	patternTime24h       = `^([01]\d|2[0-3]):[0-5]\d(:[0-5]\d)?(Z|[+-]\d{2}:\d{2})?$`
	patternISODate       = `^\d{4}-\d{2}-\d{2}$`
	patternPhoneNumber   = `^[\d\s()+.\-]+$`
)

// row is one line of the tabular schema file.
type row struct {
	Table       string
	Name        string
	Type        string
	Description string
	Required    bool
	OneOf       []string
	Reference   string
}

// Converter builds structured-output descriptors from tabular schema
// files. Output is byte-stable per (path, entity) and cached for the
// lifetime of the process.
type Converter struct {
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*models.OutputFormat
}

// NewConverter creates a converter.
func NewConverter(logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Converter{
		logger: logger.With("component", "hsds.schema"),
		cache:  make(map[string]*models.OutputFormat),
	}
}

// Convert reads the schema file at path (the embedded HSDS definition
// when path is empty) and returns the structured-output descriptor for
// the named entity. Results are cached; callers must treat the returned
// descriptor as read-only.
func (c *Converter) Convert(path, entity string) (*models.OutputFormat, error) {
	key := path + "\x00" + entity

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached, ok := c.cache[key]; ok {
		return cached, nil
	}

	var src io.Reader
	if path == "" {
		src = bytes.NewReader(defaultSchemaCSV)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrSchema, path, err)
		}
		defer func() { _ = f.Close() }()
		src = f
	}

	rows, err := parseRows(src)
	if err != nil {
		return nil, err
	}

	root, err := buildRoot(rows)
	if err != nil {
		return nil, err
	}
	if err := compileCheck(root); err != nil {
		return nil, err
	}

	format := &models.OutputFormat{
		Type: "json_schema",
		JSONSchema: models.JSONSchema{
			Name:        entity,
			Description: "Human Services Data Specification aligned payload",
			Strict:      true,
			Schema:      root,
		},
	}
	c.cache[key] = format
	c.logger.Debug("converted schema", "path", path, "entity", entity, "rows", len(rows))
	return format, nil
}

func parseRows(src io.Reader) ([]row, error) {
	reader := csv.NewReader(src)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %v", ErrSchema, err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{"table_name", "name", "type"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", ErrSchema, required)
		}
	}

	field := func(record []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var rows []row
	for line := 2; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrSchema, line, err)
		}

		r := row{
			Table:       field(record, "table_name"),
			Name:        field(record, "name"),
			Type:        field(record, "type"),
			Description: field(record, "description"),
			Required:    strings.EqualFold(field(record, "constraints_required"), "true"),
			Reference:   field(record, "reference"),
		}
		if r.Table == "" || r.Name == "" {
			return nil, fmt.Errorf("%w: line %d: table_name and name are required", ErrSchema, line)
		}
		if oneOf := field(record, "one_of"); oneOf != "" {
			for _, v := range strings.Split(oneOf, ";") {
				r.OneOf = append(r.OneOf, strings.TrimSpace(v))
			}
		}
		rows = append(rows, r)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no field rows", ErrSchema)
	}
	return rows, nil
}

// buildRoot assembles the entity schema. Tables that no field references
// become the root collections; each is emitted as a flat array so the
// organisation/service cross-reference stays id-based.
func buildRoot(rows []row) (map[string]any, error) {
	tables := make(map[string][]row)
	var order []string
	referenced := make(map[string]bool)
	for _, r := range rows {
		if _, seen := tables[r.Table]; !seen {
			order = append(order, r.Table)
		}
		tables[r.Table] = append(tables[r.Table], r)
		if r.Reference != "" {
			referenced[r.Reference] = true
		}
	}

	var roots []string
	for _, name := range order {
		if !referenced[name] {
			roots = append(roots, name)
		}
	}
	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: every table is referenced; no root collections", ErrSchema)
	}
	sort.Strings(roots)

	properties := make(map[string]any, len(roots))
	for _, name := range roots {
		items, err := buildTable(name, tables, map[string]bool{})
		if err != nil {
			return nil, err
		}
		properties[name] = map[string]any{
			"type":        "array",
			"description": "Flat collection of " + name + " records",
			"items":       items,
		}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           properties,
		"required":             roots,
		"additionalProperties": false,
	}, nil
}

func buildTable(name string, tables map[string][]row, visiting map[string]bool) (map[string]any, error) {
	rows, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: referenced table %q has no rows", ErrSchema, name)
	}
	if visiting[name] {
		return nil, fmt.Errorf("%w: reference cycle through table %q", ErrSchema, name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	properties := make(map[string]any, len(rows))
	var required []string
	for _, r := range rows {
		prop, err := buildField(r, tables, visiting)
		if err != nil {
			return nil, err
		}
		properties[r.Name] = prop
		if r.Required {
			required = append(required, r.Name)
		}
	}

	schema := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema, nil
}

func buildField(r row, tables map[string][]row, visiting map[string]bool) (map[string]any, error) {
	var prop map[string]any
	switch {
	case r.Reference != "":
		child, err := buildTable(r.Reference, tables, visiting)
		if err != nil {
			return nil, err
		}
		if r.Type == "array" {
			prop = map[string]any{"type": "array", "items": child}
		} else {
			prop = child
		}
	case r.Type == "number":
		prop = map[string]any{"type": "number"}
	case r.Type == "boolean":
		prop = map[string]any{"type": "boolean"}
	case r.Type == "array":
		prop = map[string]any{"type": "array", "items": map[string]any{"type": "string"}}
	default:
		prop = map[string]any{"type": "string"}
	}

	if r.Description != "" {
		prop["description"] = r.Description
	}
	if len(r.OneOf) > 0 {
		enum := make([]any, len(r.OneOf))
		for i, v := range r.OneOf {
			enum[i] = v
		}
		prop["enum"] = enum
	}
	if pattern := patternFor(r); pattern != "" {
		prop["pattern"] = pattern
	}
	return prop, nil
}

// patternFor attaches regex constraints to semantically typed string
// fields. Enumerated fields already carry an enum and need no pattern.
func patternFor(r row) string {
	if r.Type != "string" && r.Type != "" {
		return ""
	}
	if len(r.OneOf) > 0 {
		return ""
	}
	switch r.Name {
	case "state_province":
		return patternStateProvince
	case "postal_code":
		return patternPostalCode
	case "country":
		return patternCountry
	case "opens_at", "closes_at":
		return patternTime24h
	case "valid_from", "valid_to":
		return patternISODate
	}
	if r.Table == "phone" && r.Name == "number" {
		return patternPhoneNumber
	}
	return ""
}

// compileCheck round-trips the generated schema through a real JSON
// Schema compiler so malformed output fails at startup, not mid-job.
func compileCheck(root map[string]any) error {
	data, err := json.Marshal(root)
	if err != nil {
		return fmt.Errorf("%w: marshal generated schema: %v", ErrSchema, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("generated.json", bytes.NewReader(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if _, err := compiler.Compile("generated.json"); err != nil {
		return fmt.Errorf("%w: generated schema does not compile: %v", ErrSchema, err)
	}
	return nil
}
