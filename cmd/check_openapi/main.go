// Command check_openapi checks the intake OpenAPI document against the codes
// and response shapes the service actually produces.
package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"mediscan/pkg/domain"
)

// transportCodes are produced by the HTTP layer rather than the domain.
var transportCodes = []string{"UNAUTHORIZED", "RATE_LIMITED", "FILE_TOO_LARGE", "METHOD_NOT_ALLOWED"}

type openAPIDoc struct {
	Paths      map[string]map[string]operation `yaml:"paths"`
	Components struct {
		Schemas map[string]schema `yaml:"schemas"`
	} `yaml:"components"`
}

type operation struct {
	Responses map[string]any `yaml:"responses"`
}

type schema struct {
	Type       string            `yaml:"type"`
	Ref        string            `yaml:"$ref"`
	Properties map[string]schema `yaml:"properties"`
	Required   []string          `yaml:"required"`
	Items      *schema           `yaml:"items"`
	Enum       []string          `yaml:"enum"`
}

var requiredPaths = map[string][]string{
	"/api/documents":            {"post"},
	"/api/documents/{fileId}":   {"delete"},
	"/api/jobs/{jobId}":         {"get"},
	"/api/jobs/{jobId}/results": {"get"},
	"/api/jobs/{jobId}/cancel":  {"post"},
	"/api/jobs/{jobId}/retry":   {"post"},
	"/internal/ai/callback":     {"post"},
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <intake-openapi.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	doc, err := loadDoc(os.Args[1])
	if err != nil {
		exitErr(err)
	}
	if err := check(doc); err != nil {
		exitErr(err)
	}
	fmt.Println("OpenAPI consistency check passed.")
}

func check(doc openAPIDoc) error {
	if err := checkPaths(doc); err != nil {
		return err
	}
	errSchema, err := getSchema(doc, "ErrorResponse")
	if err != nil {
		return err
	}
	if err := validateErrorResponse(errSchema); err != nil {
		return err
	}
	stepSchema, err := getSchema(doc, "JobStatus")
	if err != nil {
		return err
	}
	steps, ok := stepSchema.Properties["steps"]
	if !ok || steps.Type != "array" || steps.Items == nil || strings.TrimSpace(steps.Items.Ref) != "#/components/schemas/Step" {
		return errors.New("JobStatus.steps must be an array of Step")
	}
	return nil
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

func checkPaths(doc openAPIDoc) error {
	for path, methods := range requiredPaths {
		ops, ok := doc.Paths[path]
		if !ok {
			return fmt.Errorf("path %q missing", path)
		}
		for _, m := range methods {
			op, ok := ops[m]
			if !ok {
				return fmt.Errorf("%s %s missing", strings.ToUpper(m), path)
			}
			if _, ok := op.Responses["default"]; !ok {
				return fmt.Errorf("%s %s must declare a default error response", strings.ToUpper(m), path)
			}
		}
	}
	return nil
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

func validateErrorResponse(s schema) error {
	if s.Type != "object" {
		return errors.New("ErrorResponse must be object")
	}
	required := makeSet(s.Required)
	for _, field := range []string{"error", "code", "requestId"} {
		if !required[field] {
			return fmt.Errorf("ErrorResponse.required must include %q", field)
		}
		if prop, ok := s.Properties[field]; !ok || prop.Type != "string" {
			return fmt.Errorf("ErrorResponse.%s must be string", field)
		}
	}
	if prop, ok := s.Properties["detail"]; !ok || prop.Type != "string" {
		return errors.New("ErrorResponse.detail must be string")
	}

	documented := makeSet(s.Properties["code"].Enum)
	var missing []string
	for _, code := range append(domain.Codes(), transportCodes...) {
		if !documented[code] {
			missing = append(missing, code)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("ErrorResponse.code enum missing %s", strings.Join(missing, ", "))
	}
	return nil
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

func exitErr(err error) {
	fmt.Fprintln(os.Stderr, err.Error())
	os.Exit(1)
}
