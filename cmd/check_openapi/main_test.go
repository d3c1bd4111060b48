package main

import (
	"strings"
	"testing"
)

const intakeSpec = "../../services/intake/api/openapi.yaml"

func TestIntakeDocumentIsConsistent(t *testing.T) {
	doc, err := loadDoc(intakeSpec)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := check(doc); err != nil {
		t.Fatalf("check: %v", err)
	}
}

func TestMissingCodeIsReported(t *testing.T) {
	doc, err := loadDoc(intakeSpec)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	errSchema := doc.Components.Schemas["ErrorResponse"]
	code := errSchema.Properties["code"]
	kept := code.Enum[:0:0]
	for _, c := range code.Enum {
		if c != "RESULTS_NOT_READY" {
			kept = append(kept, c)
		}
	}
	code.Enum = kept
	errSchema.Properties["code"] = code
	doc.Components.Schemas["ErrorResponse"] = errSchema

	err = check(doc)
	if err == nil || !strings.Contains(err.Error(), "RESULTS_NOT_READY") {
		t.Fatalf("expected missing code error, got %v", err)
	}
}

func TestMissingRouteIsReported(t *testing.T) {
	doc, err := loadDoc(intakeSpec)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	delete(doc.Paths, "/internal/ai/callback")
	if err := check(doc); err == nil {
		t.Fatalf("expected missing path error")
	}
}
