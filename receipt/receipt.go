package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/wricardo/tabsplit/protocol"
)

var (
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrInvalidReceipt  = errors.New("invalid receipt")
)

// colorTags are handed to people that arrive without one.
var colorTags = []string{"#E4572E", "#17BEBB", "#FFC914", "#76B041", "#2E86AB", "#A23B72", "#F18F01", "#6C757D"}

// Item is one extracted receipt line. ID may be empty; Payload assigns one.
type Item struct {
	ID             string  `json:"id,omitempty"`
	Name           string  `json:"name"`
	UnitPriceCents int64   `json:"unitPriceCents"`
	Quantity       int     `json:"quantity,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	ManuallyEdited bool    `json:"manuallyEdited,omitempty"`
}

// Person is someone known before the session starts.
type Person struct {
	ID          string `json:"id,omitempty"`
	DisplayName string `json:"displayName"`
	ColorTag    string `json:"colorTag,omitempty"`
}

// Receipt is the pre-extracted bill a host session starts from.
type Receipt struct {
	Merchant string   `json:"merchant,omitempty"`
	Currency string   `json:"currency,omitempty"`
	Items    []Item   `json:"lineItems"`
	People   []Person `json:"people,omitempty"`
}

// Load reads and validates a receipt file.
func Load(path string) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrReceiptNotFound, path)
		}
		return nil, fmt.Errorf("failed to read receipt: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates receipt JSON.
func Parse(data []byte) (*Receipt, error) {
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReceipt, err)
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Problems lists everything wrong with the receipt. An empty result means it
// is usable.
func (r *Receipt) Problems() []string {
	var problems []string
	if len(r.Items) == 0 {
		problems = append(problems, "receipt has no line items")
	}

	itemIDs := make(map[string]bool)
	for i, it := range r.Items {
		label := fmt.Sprintf("line item %d", i+1)
		if strings.TrimSpace(it.Name) == "" {
			problems = append(problems, label+": name is empty")
		}
		if it.UnitPriceCents < 0 {
			problems = append(problems, label+": unit price is negative")
		}
		if it.Quantity < 0 {
			problems = append(problems, label+": quantity is negative")
		}
		if it.Confidence < 0 || it.Confidence > 1 {
			problems = append(problems, label+": confidence must be between 0 and 1")
		}
		if it.ID != "" {
			if itemIDs[it.ID] {
				problems = append(problems, fmt.Sprintf("%s: duplicate id %q", label, it.ID))
			}
			itemIDs[it.ID] = true
		}
	}

	personIDs := make(map[string]bool)
	for i, p := range r.People {
		label := fmt.Sprintf("person %d", i+1)
		if strings.TrimSpace(p.DisplayName) == "" {
			problems = append(problems, label+": display name is empty")
		}
		if p.ID != "" {
			if personIDs[p.ID] {
				problems = append(problems, fmt.Sprintf("%s: duplicate id %q", label, p.ID))
			}
			personIDs[p.ID] = true
		}
	}
	return problems
}

// Validate returns ErrInvalidReceipt describing every problem found.
func (r *Receipt) Validate() error {
	problems := r.Problems()
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidReceipt, strings.Join(problems, "; "))
}

// Payload builds the initial session state. Missing ids are filled with
// UUIDs, missing quantities default to 1 and missing color tags are assigned
// from a fixed palette.
func (r *Receipt) Payload() protocol.SyncPayload {
	return r.payload(uuid.NewString)
}

func (r *Receipt) payload(newID func() string) protocol.SyncPayload {
	items := make([]protocol.LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		id := it.ID
		if id == "" {
			id = newID()
		}
		qty := it.Quantity
		if qty == 0 {
			qty = 1
		}
		items = append(items, protocol.LineItem{
			ID:             id,
			Name:           strings.TrimSpace(it.Name),
			UnitPriceCents: it.UnitPriceCents,
			Quantity:       qty,
			Confidence:     it.Confidence,
			ManuallyEdited: it.ManuallyEdited,
		})
	}

	people := make([]protocol.Person, 0, len(r.People))
	for i, p := range r.People {
		id := p.ID
		if id == "" {
			id = newID()
		}
		color := p.ColorTag
		if color == "" {
			color = colorTags[i%len(colorTags)]
		}
		people = append(people, protocol.Person{
			ID:          id,
			DisplayName: strings.TrimSpace(p.DisplayName),
			ColorTag:    color,
		})
	}
	return protocol.NewSyncPayload(items, people)
}

// LowConfidence returns the items whose extraction confidence is below
// threshold and that nobody has corrected by hand.
func (r *Receipt) LowConfidence(threshold float64) []Item {
	var out []Item
	for _, it := range r.Items {
		if !it.ManuallyEdited && it.Confidence > 0 && it.Confidence < threshold {
			out = append(out, it)
		}
	}
	return out
}
