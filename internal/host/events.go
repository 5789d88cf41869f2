package host

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/park285/duel/internal/archive"
	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/internal/syncer"
	"github.com/park285/duel/pkg/duelwire"
)

const archiveTimeout = 10 * time.Second

// SnapshotPublished replicates every canonical mutation.
func (h *Host) SnapshotPublished(ctx context.Context, snap duel.Snapshot) {
	h.pusher.Push(ctx, snap)
}

func (h *Host) TurnChanged(ctx context.Context, epoch uint64, side duel.Side, seq uint64) {
	env, err := duelwire.Encode(duelwire.TypeTurnChanged, duelwire.TurnChanged{
		Epoch:    epoch,
		NewSide:  string(side),
		Sequence: seq,
	})
	if err != nil {
		return
	}
	h.hub.Broadcast(ctx, env)
}

// PromotionRequired goes to the mover only.
func (h *Host) PromotionRequired(ctx context.Context, side duel.Side, from, to string, seq uint64) {
	pl, ok := h.coord.Player(ctx, side)
	if !ok || !pl.Connected {
		return
	}
	h.send(ctx, pl.ClientID, duelwire.TypePromotionRequired, duelwire.PromotionRequired{From: from, To: to, Sequence: seq})
}

// GameEnded broadcasts the result, archives the game and runs end listeners.
func (h *Host) GameEnded(ctx context.Context, st duel.GameEndState) {
	env, err := duelwire.Encode(duelwire.TypeGameEnded, syncer.EndToWire(st))
	if err == nil {
		h.hub.Broadcast(ctx, env)
	}

	h.mu.Lock()
	listeners := append([]func(duel.GameEndState){}, h.listeners...)
	h.mu.Unlock()

	if h.archive != nil {
		g := h.archiveRecord(st)
		h.spawn(func() {
			actx, cancel := context.WithTimeout(context.WithoutCancel(h.ctx), archiveTimeout)
			defer cancel()
			if err := h.archive.Save(actx, g); err != nil {
				h.logger.Warn("archive_save_failed", zap.String("session_id", g.SessionID), zap.Uint64("epoch", g.Epoch), zap.Error(err))
				return
			}
			h.logger.Info("archive_saved", zap.String("session_id", g.SessionID), zap.Uint64("epoch", g.Epoch))
		})
	}
	for _, fn := range listeners {
		fn(st)
	}
}

func (h *Host) archiveRecord(st duel.GameEndState) *archive.Game {
	snap := h.match.Snapshot()
	hist := h.match.History()
	g := &archive.Game{
		SessionID: h.coord.ID(),
		Epoch:     snap.Epoch,
		StartFEN:  h.opts.StartFEN,
		MovesUCI:  make([]string, 0, len(hist)),
		MovesSAN:  make([]string, 0, len(hist)),
		Reason:    string(st.Reason),
		Winner:    st.WinnerSide(),
		EndedAt:   st.At,
	}
	for _, rec := range hist {
		g.MovesUCI = append(g.MovesUCI, rec.UCI)
		g.MovesSAN = append(g.MovesSAN, rec.SAN)
	}
	h.mu.Lock()
	g.WhiteName = h.names[duel.White]
	g.BlackName = h.names[duel.Black]
	g.StartedAt = h.startedAt
	h.mu.Unlock()
	if g.EndedAt.IsZero() {
		g.EndedAt = h.clock.Now()
	}
	return g
}
