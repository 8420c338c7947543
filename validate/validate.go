// Command validate checks receipt JSON files before they are hosted. It
// checks:
//   - JSON structure and required fields
//   - Line item names, prices, quantities and confidence ranges
//   - Unique item and person ids
//   - That the receipt seeds a valid session state
//
// Low confidence lines are reported as warnings, not errors.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/wricardo/tabsplit/coordinator"
	"github.com/wricardo/tabsplit/receipt"
)

// lowConfidence is the extraction confidence below which a line is flagged.
const lowConfidence = 0.7

// ValidationResult captures the outcome of validating a single file.
// Info holds the summary and warnings of a valid file; Errors is only
// populated when Valid is false.
type ValidationResult struct {
	File   string
	Valid  bool
	Errors []string
	Info   []string
}

// validateReceipt loads and validates a single receipt file.
func validateReceipt(filePath string) ValidationResult {
	result := ValidationResult{
		File:   filepath.Base(filePath),
		Valid:  true,
		Errors: []string{},
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Failed to read file: %v", err))
		return result
	}

	var r receipt.Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, fmt.Sprintf("Invalid JSON: %v", err))
		return result
	}

	if problems := r.Problems(); len(problems) > 0 {
		result.Valid = false
		result.Errors = append(result.Errors, problems...)
		return result
	}

	// The coordinator rejects anything the session could not start from.
	if _, err := coordinator.New(r.Payload(), coordinator.WithIDGenerator(uuid.NewString)); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	result.Info = append(result.Info,
		fmt.Sprintf("✓ %d line items totalling %s", len(r.Items), formatCents(total(&r))),
		fmt.Sprintf("✓ %d people", len(r.People)),
	)
	for _, it := range r.LowConfidence(lowConfidence) {
		result.Info = append(result.Info, fmt.Sprintf("⚠ low confidence (%.0f%%): %s", it.Confidence*100, strings.TrimSpace(it.Name)))
	}
	return result
}

// total sums price times quantity, counting a missing quantity as one.
func total(r *receipt.Receipt) int64 {
	var sum int64
	for _, it := range r.Items {
		qty := int64(it.Quantity)
		if qty == 0 {
			qty = 1
		}
		sum += it.UnitPriceCents * qty
	}
	return sum
}

func formatCents(c int64) string {
	return fmt.Sprintf("%d.%02d", c/100, c%100)
}

// main validates every *.json file in the directory given as the first
// argument (default "receipts"), printing a concise report and exiting with
// non-zero status if any are invalid.
func main() {
	dir := "receipts"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		fmt.Printf("Error finding receipt files: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Printf("No receipt files in %s\n", dir)
		os.Exit(1)
	}

	allValid := true
	for _, file := range files {
		result := validateReceipt(file)

		fmt.Printf("\n%s %s\n", strings.Repeat("=", 20), result.File)

		if result.Valid {
			fmt.Println("✅ VALID")
			for _, info := range result.Info {
				fmt.Println("  " + info)
			}
		} else {
			fmt.Println("❌ INVALID")
			allValid = false
			for _, err := range result.Errors {
				fmt.Println("  ❌ " + err)
			}
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 40))
	if allValid {
		fmt.Println("✅ All receipts are valid!")
	} else {
		fmt.Println("❌ Some receipts have errors")
		os.Exit(1)
	}
}
