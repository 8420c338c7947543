package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Guest → host intents.
const (
	TypeIdentify     = "IDENTIFY"
	TypeClaimItem    = "CLAIM_ITEM"
	TypeUnclaimItem  = "UNCLAIM_ITEM"
	TypeSetAssignees = "SET_ASSIGNEES"
	TypeSetTip       = "SET_TIP"
	TypeAddPerson    = "ADD_PERSON"
)

// Host → guest messages.
const (
	TypeSyncState   = "SYNC_STATE"
	TypePhaseChange = "PHASE_CHANGE"
)

// Heartbeat messages. They are handled by the session layer only.
const (
	TypePing = "__PING"
	TypePong = "__PONG"
)

// ErrInvalidMessage is wrapped by every message validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// GuestMessage is an intent sent by a guest to the host.
type GuestMessage struct {
	Type        string             `json:"type"`
	PersonID    string             `json:"personId,omitempty"`
	DisplayName string             `json:"displayName,omitempty"`
	ItemID      string             `json:"itemId,omitempty"`
	PersonIDs   []string           `json:"personIds,omitempty"`
	Portions    map[string]float64 `json:"portions,omitempty"`
	Mode        TipMode            `json:"mode,omitempty"`
	Value       float64            `json:"value,omitempty"`
	Name        string             `json:"name,omitempty"`
}

func Identify(personID, displayName string) GuestMessage {
	return GuestMessage{Type: TypeIdentify, PersonID: personID, DisplayName: displayName}
}

func ClaimItem(itemID, personID string) GuestMessage {
	return GuestMessage{Type: TypeClaimItem, ItemID: itemID, PersonID: personID}
}

func UnclaimItem(itemID, personID string) GuestMessage {
	return GuestMessage{Type: TypeUnclaimItem, ItemID: itemID, PersonID: personID}
}

func SetAssignees(itemID string, personIDs []string, portions map[string]float64) GuestMessage {
	return GuestMessage{Type: TypeSetAssignees, ItemID: itemID, PersonIDs: personIDs, Portions: portions}
}

func SetTip(personID string, mode TipMode, value float64) GuestMessage {
	return GuestMessage{Type: TypeSetTip, PersonID: personID, Mode: mode, Value: value}
}

func AddPerson(name string) GuestMessage {
	return GuestMessage{Type: TypeAddPerson, Name: name}
}

// Validate checks that the fields required by the message type are present.
// It does not look at session state; the coordinator does that.
func (m GuestMessage) Validate() error {
	switch m.Type {
	case TypeIdentify:
		if m.PersonID == "" {
			return invalid(m.Type, "personId is required")
		}
	case TypeClaimItem, TypeUnclaimItem:
		if m.ItemID == "" || m.PersonID == "" {
			return invalid(m.Type, "itemId and personId are required")
		}
	case TypeSetAssignees:
		if m.ItemID == "" {
			return invalid(m.Type, "itemId is required")
		}
		for person, w := range m.Portions {
			if w <= 0 {
				return invalid(m.Type, fmt.Sprintf("portion for %q must be positive", person))
			}
		}
	case TypeSetTip:
		if m.PersonID == "" {
			return invalid(m.Type, "personId is required")
		}
		if !m.Mode.Valid() {
			return invalid(m.Type, fmt.Sprintf("unknown tip mode %q", m.Mode))
		}
		if m.Value < 0 {
			return invalid(m.Type, "value must not be negative")
		}
	case TypeAddPerson:
		if strings.TrimSpace(m.Name) == "" {
			return invalid(m.Type, "name is required")
		}
	default:
		return fmt.Errorf("%w: unknown guest message type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// HostMessage is sent by the host to guests.
type HostMessage struct {
	Type    string       `json:"type"`
	Payload *SyncPayload `json:"payload,omitempty"`
	Phase   Phase        `json:"phase,omitempty"`
}

// SyncState wraps a copy of payload in a SYNC_STATE message.
func SyncState(payload SyncPayload) HostMessage {
	p := payload.Clone()
	return HostMessage{Type: TypeSyncState, Payload: &p}
}

func PhaseChange(phase Phase) HostMessage {
	return HostMessage{Type: TypePhaseChange, Phase: phase}
}

// Validate checks that the fields required by the message type are present.
func (m HostMessage) Validate() error {
	switch m.Type {
	case TypeSyncState:
		if m.Payload == nil {
			return invalid(m.Type, "payload is required")
		}
	case TypePhaseChange:
		if !m.Phase.Valid() {
			return invalid(m.Type, fmt.Sprintf("unknown phase %q", m.Phase))
		}
	default:
		return fmt.Errorf("%w: unknown host message type %q", ErrInvalidMessage, m.Type)
	}
	return nil
}

// DecodeGuestMessage parses and validates a guest intent.
func DecodeGuestMessage(data []byte) (GuestMessage, error) {
	var m GuestMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return GuestMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, m.Validate()
}

// DecodeHostMessage parses and validates a host message.
func DecodeHostMessage(data []byte) (HostMessage, error) {
	var m HostMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return HostMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return m, m.Validate()
}

// Heartbeat is the body of __PING and __PONG.
type Heartbeat struct {
	Type string `json:"type"`
}

func Ping() Heartbeat { return Heartbeat{Type: TypePing} }
func Pong() Heartbeat { return Heartbeat{Type: TypePong} }

// IsHeartbeat reports whether a message type belongs to the heartbeat.
func IsHeartbeat(msgType string) bool {
	return msgType == TypePing || msgType == TypePong
}

func invalid(msgType, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidMessage, msgType, reason)
}
