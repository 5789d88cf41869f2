// Package console is the line-oriented front end both binaries share.
package console

import (
	"fmt"
	"strings"
	"sync"

	"github.com/park285/duel/internal/client"
	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/internal/msgcat"
	"github.com/park285/duel/internal/rules"
	"github.com/park285/duel/pkg/duelwire"
)

// Formatter renders participant events as text from the message catalog.
type Formatter struct {
	cat *msgcat.Catalog

	mu   sync.Mutex
	seen map[string]bool
}

func NewFormatter(cat *msgcat.Catalog) *Formatter {
	if cat == nil {
		cat = msgcat.Default()
	}
	return &Formatter{cat: cat, seen: map[string]bool{}}
}

func (f *Formatter) Text(key string, data map[string]any) string { return f.cat.Text(key, data) }

// Event returns the lines to show for ev, as seen by mine. Nothing to show
// yields "".
func (f *Formatter) Event(ev client.Event, mine duel.Side) string {
	switch ev.Kind {
	case client.EventSnapshot:
		return f.Snapshot(ev.Snapshot, mine)
	case client.EventTurn:
		side := ev.Turn.NewSide
		if side == string(mine) {
			return f.cat.Text("turn.yours", map[string]any{"Side": side, "Sequence": ev.Turn.Sequence + 1})
		}
		return f.cat.Text("turn.theirs", map[string]any{"Side": side})
	case client.EventRejected:
		return f.cat.Text("reject."+ev.Rejected.Reason, nil)
	case client.EventPromotion:
		return f.cat.Text("turn.promotion", map[string]any{"From": ev.Promotion.From, "To": ev.Promotion.To})
	case client.EventEnded:
		return f.End(ev.Ended)
	case client.EventPlayer:
		return f.player(ev.Player)
	case client.EventReconnecting:
		return f.cat.Text("session.reconnecting", nil)
	case client.EventReconnected:
		return f.cat.Text("session.resumed", map[string]any{"Side": string(ev.Side)})
	case client.EventLost:
		return f.cat.Text("session.connection_timeout", nil)
	case client.EventError:
		if ev.Err != nil {
			return f.cat.Text("session.bad_request", map[string]any{"Detail": ev.Err.Error()})
		}
	}
	return ""
}

// player announces the first connection of a side as a join and every later
// one as a return.
func (f *Formatter) player(ps duelwire.PlayerStatus) string {
	data := map[string]any{"Side": ps.Side, "Name": ps.Name}
	if !ps.Connected {
		return f.cat.Text("player.disconnected", data)
	}
	f.mu.Lock()
	first := !f.seen[ps.Side]
	f.seen[ps.Side] = true
	f.mu.Unlock()
	if first {
		return f.cat.Text("player.joined", data)
	}
	return f.cat.Text("player.reconnected", data)
}

func (f *Formatter) End(g duelwire.GameEnded) string {
	return f.cat.Text("end."+g.Reason, map[string]any{"Winner": g.WinningSide, "Detail": g.Reason})
}

// Snapshot draws the board from mine's side with the last move and side to
// move underneath. A spectator or unjoined view is drawn from white.
func (f *Formatter) Snapshot(s duelwire.StateSnapshot, mine duel.Side) string {
	var b strings.Builder
	view := rules.White
	if mine == duel.Black {
		view = rules.Black
	}
	board, err := rules.Draw(s.FEN, view)
	if err != nil {
		board = s.FEN + "\n"
	}
	b.WriteString(strings.TrimPrefix(board, "\n"))
	if s.LastMove != nil {
		mv := s.LastMove.SAN
		if mv == "" {
			mv = s.LastMove.UCI
		}
		fmt.Fprintf(&b, "last: %s  ", mv)
	}
	fmt.Fprintf(&b, "half-moves: %d  to move: %s", s.HalfMoveIndex, s.TurnSide)
	return b.String()
}
