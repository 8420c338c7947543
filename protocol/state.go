package protocol

import (
	"errors"
	"fmt"
	"sort"
)

// Phase is the stage of a bill-splitting session.
type Phase string

const (
	PhaseClaiming Phase = "claiming"
	PhaseTips     Phase = "tips"
	PhaseSummary  Phase = "summary"
)

// ErrFinalPhase is returned when advancing past the summary phase.
var ErrFinalPhase = errors.New("session is already in its final phase")

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseClaiming, PhaseTips, PhaseSummary:
		return true
	}
	return false
}

// Next returns the phase that follows p. Phases only move forward.
func (p Phase) Next() (Phase, error) {
	switch p {
	case PhaseClaiming:
		return PhaseTips, nil
	case PhaseTips:
		return PhaseSummary, nil
	case PhaseSummary:
		return p, ErrFinalPhase
	}
	return p, fmt.Errorf("unknown phase %q", p)
}

// TipMode selects how a person's tip is expressed.
type TipMode string

const (
	TipPercentage TipMode = "percentage"
	TipFixed      TipMode = "fixed"
)

// Valid reports whether m is a known tip mode.
func (m TipMode) Valid() bool {
	return m == TipPercentage || m == TipFixed
}

// LineItem is one line of the receipt.
type LineItem struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	UnitPriceCents int64   `json:"unitPriceCents"`
	Quantity       int     `json:"quantity"`
	Confidence     float64 `json:"confidence"`
	ManuallyEdited bool    `json:"manuallyEdited"`
}

// Person is someone splitting the bill.
type Person struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	ColorTag    string `json:"colorTag"`
}

// PersonTip is the tip choice of one person.
type PersonTip struct {
	Mode             TipMode `json:"mode"`
	Percentage       float64 `json:"percentage"`
	FixedAmountCents int64   `json:"fixedAmountCents"`
}

// SyncPayload is the full shared session state broadcast by the host.
//
// Assignments values and ClaimedPersonIDs are sets, kept sorted and free of
// duplicates. A missing Portions entry for an item means an equal split.
type SyncPayload struct {
	LineItems        []LineItem                    `json:"lineItems"`
	People           []Person                      `json:"people"`
	Assignments      map[string][]string           `json:"assignments"`
	Portions         map[string]map[string]float64 `json:"portions"`
	PersonTips       map[string]PersonTip          `json:"personTips"`
	Phase            Phase                         `json:"phase"`
	ClaimedPersonIDs []string                      `json:"claimedPersonIds"`
}

// NewSyncPayload returns an empty payload in the claiming phase with all maps
// allocated.
func NewSyncPayload(items []LineItem, people []Person) SyncPayload {
	p := SyncPayload{
		LineItems:        append([]LineItem{}, items...),
		People:           append([]Person{}, people...),
		Assignments:      make(map[string][]string),
		Portions:         make(map[string]map[string]float64),
		PersonTips:       make(map[string]PersonTip),
		Phase:            PhaseClaiming,
		ClaimedPersonIDs: []string{},
	}
	return p
}

// HasItem reports whether an item with id exists.
func (p *SyncPayload) HasItem(id string) bool {
	for _, it := range p.LineItems {
		if it.ID == id {
			return true
		}
	}
	return false
}

// HasPerson reports whether a person with id exists.
func (p *SyncPayload) HasPerson(id string) bool {
	for _, person := range p.People {
		if person.ID == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy that shares no maps or slices with p.
func (p SyncPayload) Clone() SyncPayload {
	out := SyncPayload{
		LineItems:        append([]LineItem{}, p.LineItems...),
		People:           append([]Person{}, p.People...),
		Assignments:      make(map[string][]string, len(p.Assignments)),
		Portions:         make(map[string]map[string]float64, len(p.Portions)),
		PersonTips:       make(map[string]PersonTip, len(p.PersonTips)),
		Phase:            p.Phase,
		ClaimedPersonIDs: append([]string{}, p.ClaimedPersonIDs...),
	}
	for item, ids := range p.Assignments {
		out.Assignments[item] = append([]string{}, ids...)
	}
	for item, weights := range p.Portions {
		w := make(map[string]float64, len(weights))
		for person, v := range weights {
			w[person] = v
		}
		out.Portions[item] = w
	}
	for person, tip := range p.PersonTips {
		out.PersonTips[person] = tip
	}
	return out
}

// Validate checks the referential invariant: every id used by assignments,
// portions, tips and claims exists, portion weights are positive and only
// name assignees, and sets are sorted without duplicates.
func (p *SyncPayload) Validate() error {
	if !p.Phase.Valid() {
		return fmt.Errorf("invalid phase %q", p.Phase)
	}

	items := make(map[string]bool, len(p.LineItems))
	for _, it := range p.LineItems {
		if it.ID == "" {
			return errors.New("line item with empty id")
		}
		if items[it.ID] {
			return fmt.Errorf("duplicate line item id %q", it.ID)
		}
		items[it.ID] = true
	}
	people := make(map[string]bool, len(p.People))
	for _, person := range p.People {
		if person.ID == "" {
			return errors.New("person with empty id")
		}
		if people[person.ID] {
			return fmt.Errorf("duplicate person id %q", person.ID)
		}
		people[person.ID] = true
	}

	for item, ids := range p.Assignments {
		if !items[item] {
			return fmt.Errorf("assignment references unknown item %q", item)
		}
		if err := checkSet(ids, people, "assignment"); err != nil {
			return err
		}
	}
	for item, weights := range p.Portions {
		if !items[item] {
			return fmt.Errorf("portions reference unknown item %q", item)
		}
		assigned := p.Assignments[item]
		for person, w := range weights {
			if w <= 0 {
				return fmt.Errorf("non-positive portion %v for %q on %q", w, person, item)
			}
			if !contains(assigned, person) {
				return fmt.Errorf("portion for %q on %q but person is not assigned", person, item)
			}
		}
	}
	for person, tip := range p.PersonTips {
		if !people[person] {
			return fmt.Errorf("tip references unknown person %q", person)
		}
		if !tip.Mode.Valid() {
			return fmt.Errorf("invalid tip mode %q for %q", tip.Mode, person)
		}
	}
	return checkSet(p.ClaimedPersonIDs, people, "claimed person")
}

func checkSet(ids []string, known map[string]bool, what string) error {
	if !sort.StringsAreSorted(ids) {
		return fmt.Errorf("%s set is not sorted", what)
	}
	for i, id := range ids {
		if !known[id] {
			return fmt.Errorf("%s references unknown person %q", what, id)
		}
		if i > 0 && ids[i-1] == id {
			return fmt.Errorf("%s set has duplicate %q", what, id)
		}
	}
	return nil
}

func contains(ids []string, id string) bool {
	i := sort.SearchStrings(ids, id)
	return i < len(ids) && ids[i] == id
}

// SetAdd inserts id into the sorted set ids.
func SetAdd(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// SetRemove deletes id from the sorted set ids.
func SetRemove(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	if i < len(ids) && ids[i] == id {
		return append(ids[:i], ids[i+1:]...)
	}
	return ids
}

// SetOf builds a sorted, de-duplicated set from ids.
func SetOf(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = SetAdd(out, id)
	}
	return out
}

// SetContains reports whether the sorted set ids holds id.
func SetContains(ids []string, id string) bool {
	return contains(ids, id)
}
