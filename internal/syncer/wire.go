package syncer

import (
	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/pkg/duelwire"
)

// ToWire converts a canonical snapshot to its wire form.
func ToWire(s duel.Snapshot) duelwire.StateSnapshot {
	out := duelwire.StateSnapshot{
		Epoch:         s.Epoch,
		Revision:      s.Revision,
		FEN:           s.FEN,
		HalfMoveIndex: s.HalfMoveIndex,
		TurnSide:      string(s.TurnSide),
		Sequence:      s.Sequence,
	}
	if s.LastMove != nil {
		out.LastMove = &duelwire.LastMove{
			From: s.LastMove.From,
			To:   s.LastMove.To,
			UCI:  s.LastMove.UCI,
			SAN:  s.LastMove.SAN,
		}
	}
	if s.End != nil && s.End.Over {
		out.End = &duelwire.End{WinningSide: s.End.WinnerSide(), Reason: string(s.End.Reason)}
	}
	return out
}

// EndToWire converts a final game state to the broadcast message.
func EndToWire(st duel.GameEndState) duelwire.GameEnded {
	return duelwire.GameEnded{WinningSide: st.WinnerSide(), Reason: string(st.Reason)}
}
