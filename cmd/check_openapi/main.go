// Command check_openapi verifies that the published API document matches the
// JSON the ingest service actually emits.
package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"whatsorganizer/pkg/domain"
)

type openAPIDoc struct {
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Nullable   bool              `yaml:"nullable"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	Enum       []string          `yaml:"enum"`
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	if err := check(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(path string) error {
	doc, err := loadDoc(path)
	if err != nil {
		return err
	}
	message, err := getSchema(doc, "Message")
	if err != nil {
		return err
	}
	if err := validateMessage(message, reflect.TypeOf(domain.Message{})); err != nil {
		return err
	}
	errResp, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	return validateErrorResponse(errResp)
}

func loadDoc(path string) (openAPIDoc, error) {
	var doc openAPIDoc
	raw, err := os.ReadFile(path)
	if err != nil {
		return doc, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return doc, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

func getSchema(doc openAPIDoc, name string) (schema, error) {
	if doc.Components.Schemas == nil {
		return schema{}, errors.New("components.schemas missing")
	}
	s, ok := doc.Components.Schemas[name]
	if !ok {
		return schema{}, fmt.Errorf("schema %q missing", name)
	}
	return s, nil
}

// validateMessage compares the schema with the Go struct field by field.
// Every field is required because absent values serialize as null, not omitted.
func validateMessage(s schema, t reflect.Type) error {
	if s.Type != "object" {
		return errors.New("Message must be object")
	}
	required := makeSet(s.Required)
	seen := make(map[string]bool, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := jsonName(f)
		if name == "-" {
			continue
		}
		seen[name] = true
		prop, ok := s.Properties[name]
		if !ok {
			return fmt.Errorf("Message.%s missing from schema", name)
		}
		if !required[name] {
			return fmt.Errorf("Message.required must include %q", name)
		}
		want, nullable := openAPIType(f.Type)
		if prop.Type != want {
			return fmt.Errorf("Message.%s type %q, want %q", name, prop.Type, want)
		}
		if prop.Nullable != nullable {
			return fmt.Errorf("Message.%s nullable=%t, want %t", name, prop.Nullable, nullable)
		}
	}
	var extra []string
	for name := range s.Properties {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return fmt.Errorf("Message schema has properties not in the Go type: %v", extra)
	}
	return nil
}

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
	}
	for _, field := range []string{"error", "code", "requestId"} {
		prop, ok := s.Properties[field]
		if !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	codes := makeSet(s.Properties["code"].Enum)
	for _, code := range []string{
		"CHAT_UNSAFE_ARCHIVE_ENTRY",
		"CHAT_ARCHIVE_TOO_LARGE",
		"CHAT_MISSING_TRANSCRIPT",
		"CHAT_CORRUPT_ARCHIVE",
	} {
		if !codes[code] {
			return fmt.Errorf("ErrorResponse.code enum must include %q", code)
		}
	}
	return nil
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}

func openAPIType(t reflect.Type) (string, bool) {
	nullable := false
	if t.Kind() == reflect.Pointer {
		nullable = true
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string", nullable
	case reflect.Int, reflect.Int32, reflect.Int64:
		return "integer", nullable
	case reflect.Bool:
		return "boolean", nullable
	case reflect.Slice:
		return "array", nullable
	default:
		return "object", nullable
	}
}

func makeSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out[item] = true
	}
	return out
}
