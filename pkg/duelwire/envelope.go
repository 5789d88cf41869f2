package duelwire

import (
	"encoding/json"
	"fmt"
)

// Type names an envelope payload.
type Type string

const (
	TypeJoin              Type = "join"
	TypeWelcome           Type = "welcome"
	TypeMoveRequest       Type = "move_request"
	TypeMoveRejected      Type = "move_rejected"
	TypePromotionRequired Type = "promotion_required"
	TypePromotionChoice   Type = "promotion_choice"
	TypeStateSnapshot     Type = "state_snapshot"
	TypeTurnChanged       Type = "turn_changed"
	TypeGameEnded         Type = "game_ended"
	TypeResignRequest     Type = "resign_request"
	TypeReconnectRequest  Type = "reconnect_request"
	TypeLeave             Type = "leave"
	TypeError             Type = "error"
	TypePlayerStatus      Type = "player_status"
)

// Envelope is the single frame shape on the wire.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a payload into an envelope.
func Encode(t Type, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	return Envelope{Type: t, Data: raw}, nil
}

// MustEncode is Encode for payload types that cannot fail to marshal.
func MustEncode(t Type, payload any) Envelope {
	env, err := Encode(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s: empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", e.Type, err)
	}
	return nil
}
