package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeReceipt(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "receipt.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write receipt: %v", err)
	}
	return path
}

func TestValidateReceipt_ValidReceipt(t *testing.T) {
	path := writeReceipt(t, `{
		"merchant": "Noodle Bar",
		"currency": "USD",
		"lineItems": [
			{"id": "i1", "name": "Ramen", "unitPriceCents": 1400, "quantity": 2, "confidence": 0.98},
			{"name": "Gyoza", "unitPriceCents": 650, "confidence": 0.5},
			{"name": "Tea", "unitPriceCents": 300, "confidence": 0.4, "manuallyEdited": true}
		],
		"people": [
			{"id": "p1", "displayName": "Ana"},
			{"displayName": "Bo"}
		]
	}`)

	result := validateReceipt(path)
	if !result.Valid {
		t.Fatalf("Expected valid receipt, but got errors: %v", result.Errors)
	}
	if result.File != "receipt.json" {
		t.Errorf("Expected file name receipt.json, got %s", result.File)
	}

	info := strings.Join(result.Info, "\n")
	if !contains(info, "3 line items totalling 37.50") {
		t.Errorf("Expected item summary, got %s", info)
	}
	if !contains(info, "2 people") {
		t.Errorf("Expected people summary, got %s", info)
	}
	if !contains(info, "Gyoza") {
		t.Errorf("Expected low confidence warning for Gyoza, got %s", info)
	}
	if contains(info, "Tea") {
		t.Errorf("Manually edited lines should not be flagged, got %s", info)
	}
}

func TestValidateReceipt_InvalidJSON(t *testing.T) {
	path := writeReceipt(t, `{"lineItems": [invalid json}`)

	result := validateReceipt(path)
	if result.Valid {
		t.Error("Expected invalid result for malformed JSON")
	}
	if len(result.Errors) == 0 || !contains(result.Errors[0], "Invalid JSON") {
		t.Errorf("Expected JSON error, got %v", result.Errors)
	}
}

func TestValidateReceipt_MissingFile(t *testing.T) {
	result := validateReceipt("/non/existent/receipt.json")
	if result.Valid {
		t.Error("Expected invalid result for missing file")
	}
	if len(result.Errors) == 0 || !contains(result.Errors[0], "Failed to read file") {
		t.Errorf("Expected read error, got %v", result.Errors)
	}
}

func TestValidateReceipt_Problems(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"no items", `{"lineItems": []}`, "no line items"},
		{"empty name", `{"lineItems": [{"name": " ", "unitPriceCents": 100}]}`, "name is empty"},
		{"negative price", `{"lineItems": [{"name": "Soup", "unitPriceCents": -1}]}`, "unit price is negative"},
		{"duplicate item id", `{"lineItems": [{"id": "a", "name": "X"}, {"id": "a", "name": "Y"}]}`, "duplicate id"},
		{"bad confidence", `{"lineItems": [{"name": "X", "confidence": 1.5}]}`, "confidence"},
		{"duplicate person", `{"lineItems": [{"name": "X"}], "people": [{"id": "p", "displayName": "A"}, {"id": "p", "displayName": "B"}]}`, "duplicate id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := validateReceipt(writeReceipt(t, tt.content))
			if result.Valid {
				t.Fatal("Expected invalid receipt")
			}
			if !contains(strings.Join(result.Errors, "\n"), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, result.Errors)
			}
		})
	}
}

func TestFormatCents(t *testing.T) {
	if got := formatCents(3750); got != "37.50" {
		t.Errorf("Expected 37.50, got %s", got)
	}
	if got := formatCents(5); got != "0.05" {
		t.Errorf("Expected 0.05, got %s", got)
	}
}

// contains mirrors strings.Contains; kept as a helper for readability in tests.
func contains(s, substr string) bool {
	return strings.Contains(s, substr)
}
