package client

import (
	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/pkg/duelwire"
)

type EventKind string

const (
	EventSnapshot     EventKind = "snapshot"
	EventTurn         EventKind = "turn"
	EventRejected     EventKind = "rejected"
	EventPromotion    EventKind = "promotion"
	EventEnded        EventKind = "ended"
	EventPlayer       EventKind = "player"
	EventError        EventKind = "error"
	EventReconnecting EventKind = "reconnecting"
	EventReconnected  EventKind = "reconnected"
	EventLost         EventKind = "lost"
)

// Event is one thing the participant should show. Only the field matching
// Kind is set.
type Event struct {
	Kind      EventKind
	Side      duel.Side
	Snapshot  duelwire.StateSnapshot
	Turn      duelwire.TurnChanged
	Rejected  duelwire.MoveRejected
	Promotion duelwire.PromotionRequired
	Ended     duelwire.GameEnded
	Player    duelwire.PlayerStatus
	Err       error
}
