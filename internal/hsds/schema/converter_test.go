package schema

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func mustConvert(t *testing.T, path, entity string) map[string]any {
	t.Helper()
	format, err := NewConverter(nil).Convert(path, entity)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if format.Type != "json_schema" {
		t.Errorf("Type = %q", format.Type)
	}
	if format.JSONSchema.Name != entity {
		t.Errorf("Name = %q, want %q", format.JSONSchema.Name, entity)
	}
	if !format.JSONSchema.Strict {
		t.Error("Strict should be true")
	}
	return format.JSONSchema.Schema
}

func property(t *testing.T, schema map[string]any, name string) map[string]any {
	t.Helper()
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema has no properties: %v", schema)
	}
	prop, ok := props[name].(map[string]any)
	if !ok {
		t.Fatalf("missing property %q", name)
	}
	return prop
}

func items(t *testing.T, prop map[string]any) map[string]any {
	t.Helper()
	inner, ok := prop["items"].(map[string]any)
	if !ok {
		t.Fatalf("property is not an array schema: %v", prop)
	}
	return inner
}

func TestConvert_RootCollections(t *testing.T) {
	root := mustConvert(t, "", "hsds")

	for _, name := range []string{"organization", "service", "location"} {
		prop := property(t, root, name)
		if prop["type"] != "array" {
			t.Errorf("%s type = %v, want array", name, prop["type"])
		}
	}

	required, _ := root["required"].([]string)
	want := []string{"location", "organization", "service"}
	if !reflect.DeepEqual(required, want) {
		t.Errorf("root required = %v, want %v", required, want)
	}
}

func TestConvert_RequiredFields(t *testing.T) {
	root := mustConvert(t, "", "hsds")
	org := items(t, property(t, root, "organization"))

	required, _ := org["required"].([]string)
	has := func(name string) bool {
		for _, f := range required {
			if f == name {
				return true
			}
		}
		return false
	}
	for _, f := range []string{"id", "name", "description"} {
		if !has(f) {
			t.Errorf("organization required missing %q (got %v)", f, required)
		}
	}
	if has("email") {
		t.Error("organization.email should not be required")
	}
}

func TestConvert_EnumAndPatterns(t *testing.T) {
	root := mustConvert(t, "", "hsds")

	status := property(t, items(t, property(t, root, "service")), "status")
	enum, _ := status["enum"].([]any)
	if len(enum) != 4 || enum[0] != "active" {
		t.Errorf("service.status enum = %v", enum)
	}

	address := items(t, property(t, items(t, property(t, root, "location")), "address"))
	cases := map[string]string{
		"state_province": `^[A-Z]{2}$`,
		"postal_code":    `^\d{5}(-\d{4})?$`,
		"country":        `^[A-Z]{2}$`,
	}
	for field, want := range cases {
		if got := property(t, address, field)["pattern"]; got != want {
			t.Errorf("address.%s pattern = %v, want %q", field, got, want)
		}
	}

	schedule := items(t, property(t, items(t, property(t, root, "service")), "schedules"))
	if got := property(t, schedule, "opens_at")["pattern"]; got != patternTime24h {
		t.Errorf("schedule.opens_at pattern = %v", got)
	}
	if got := property(t, schedule, "valid_from")["pattern"]; got != patternISODate {
		t.Errorf("schedule.valid_from pattern = %v", got)
	}
}

func TestConvert_AdditionalPropertiesFalseEverywhere(t *testing.T) {
	root := mustConvert(t, "", "hsds")

	var walk func(node map[string]any)
	walk = func(node map[string]any) {
		if node["type"] == "object" {
			if ap, ok := node["additionalProperties"].(bool); !ok || ap {
				t.Errorf("object level missing additionalProperties:false: %v", node)
			}
		}
		if props, ok := node["properties"].(map[string]any); ok {
			for _, p := range props {
				if m, ok := p.(map[string]any); ok {
					walk(m)
				}
			}
		}
		if inner, ok := node["items"].(map[string]any); ok {
			walk(inner)
		}
	}
	walk(root)
}

func TestConvert_ByteStableAndCached(t *testing.T) {
	converter := NewConverter(nil)

	first, err := converter.Convert("", "hsds")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	second, err := converter.Convert("", "hsds")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if first != second {
		t.Error("second conversion should return the cached descriptor")
	}

	a, _ := json.Marshal(first.JSONSchema.Schema)
	b, _ := json.Marshal(second.JSONSchema.Schema)
	if string(a) != string(b) {
		t.Error("schema serialisation is not byte-stable")
	}
}

func writeSchemaFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "schema.csv")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write schema file: %v", err)
	}
	return path
}

func TestConvert_MalformedFile(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing columns", "name,type\nfoo,string\n"},
		{"no rows", "table_name,name,type\n"},
		{"dangling reference", "table_name,name,type,reference\norg,kids,array,nowhere\n"},
		{"reference cycle", "table_name,name,type,reference\na,b_ref,array,b\nb,a_ref,array,a\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewConverter(nil).Convert(writeSchemaFile(t, tc.content), "hsds")
			if !errors.Is(err, ErrSchema) {
				t.Errorf("err = %v, want ErrSchema", err)
			}
		})
	}
}

func TestConvert_MissingFile(t *testing.T) {
	_, err := NewConverter(nil).Convert("/nonexistent/schema.csv", "hsds")
	if !errors.Is(err, ErrSchema) {
		t.Errorf("err = %v, want ErrSchema", err)
	}
}
