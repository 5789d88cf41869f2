package host

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/park285/duel/internal/duel"
	"github.com/park285/duel/internal/reconnect"
	"github.com/park285/duel/internal/session"
	"github.com/park285/duel/internal/transport"
	"github.com/park285/duel/pkg/duelwire"
)

var errNotBack = errors.New("player has not resumed")

// Connected is a no-op: a peer has no side until it sends join or
// reconnect_request.
func (h *Host) Connected(_ context.Context, p transport.Peer) {
	h.logger.Debug("host_peer_connected", zap.String("client_id", p.ID()))
}

// Message routes one inbound envelope.
func (h *Host) Message(ctx context.Context, p transport.Peer, env duelwire.Envelope) {
	switch env.Type {
	case duelwire.TypeJoin:
		h.handleJoin(ctx, p, env)
	case duelwire.TypeMoveRequest:
		h.handleMove(ctx, p, env)
	case duelwire.TypePromotionChoice:
		h.handlePromotion(ctx, p, env)
	case duelwire.TypeResignRequest:
		h.handleResign(ctx, p, env)
	case duelwire.TypeReconnectRequest:
		h.handleReconnect(ctx, p, env)
	case duelwire.TypeLeave:
		h.coord.MarkIntentional(p.ID())
		h.hub.Drop(p.ID(), "leave")
	default:
		h.sendError(ctx, p, duelwire.CodeBadRequest, "unknown message type "+string(env.Type))
	}
}

func (h *Host) handleJoin(ctx context.Context, p transport.Peer, env duelwire.Envelope) {
	var msg duelwire.Join
	if len(env.Data) > 0 {
		if err := env.Decode(&msg); err != nil {
			h.sendError(ctx, p, duelwire.CodeBadRequest, err.Error())
			return
		}
	}
	player, err := h.coord.OnConnected(ctx, p.ID(), msg.Name)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionFull):
			h.refuse(ctx, p, duelwire.CodeSessionFull, h.catalog.Text("session.full", nil))
		case errors.Is(err, session.ErrSessionClosed):
			h.refuse(ctx, p, duelwire.CodeBadRequest, h.catalog.Text("session.closed", nil))
		default:
			h.sendError(ctx, p, duelwire.CodeBadRequest, err.Error())
		}
		return
	}
	h.mu.Lock()
	h.names[player.Side] = player.Name
	h.mu.Unlock()

	h.send(ctx, p.ID(), duelwire.TypeWelcome, duelwire.Welcome{
		SessionID:   h.coord.ID(),
		ClientID:    p.ID(),
		Side:        string(player.Side),
		ResumeToken: player.ResumeToken,
		JoinCode:    h.coord.JoinCode(),
	})
	_ = h.pusher.Resync(ctx, p.ID())
	h.broadcastStatus(ctx, player.Side, player.Name, true)
	h.startIfReady(ctx)
}

// handleMove submits on its own goroutine: a promotion suspends the move until
// the choice arrives from whichever connection holds the side.
func (h *Host) handleMove(ctx context.Context, p transport.Peer, env duelwire.Envelope) {
	side, ok := h.coord.GetSide(p.ID())
	if !ok {
		h.sendError(ctx, p, duelwire.CodeBadRequest, "join first")
		return
	}
	var msg duelwire.MoveRequest
	if err := env.Decode(&msg); err != nil {
		h.sendError(ctx, p, duelwire.CodeBadRequest, err.Error())
		return
	}
	if claimed, err := duel.ParseSide(msg.Side); err == nil && claimed != side {
		h.logger.Info("host_move_side_mismatch",
			zap.String("client_id", p.ID()),
			zap.String("bound", string(side)),
			zap.String("claimed", string(claimed)),
		)
	}
	req := duel.MoveRequest{
		Side:      side,
		From:      msg.From,
		To:        msg.To,
		Promotion: msg.Promotion,
		Sequence:  msg.Sequence,
	}
	// the move is bound to the host rather than this connection so a pending
	// promotion outlives a resumable drop; reset, game end and Close end it
	h.spawn(func() {
		if _, err := h.match.Submit(h.ctx, req); err != nil {
			code, ok := duel.CodeOf(err)
			if !ok {
				code = duel.CodeIllegalMove
			}
			h.sendToSide(side, duelwire.TypeMoveRejected, duelwire.MoveRejected{
				Reason:   string(code),
				Sequence: req.Sequence,
			})
		}
	})
}

func (h *Host) handlePromotion(ctx context.Context, p transport.Peer, env duelwire.Envelope) {
	side, ok := h.coord.GetSide(p.ID())
	if !ok {
		h.sendError(ctx, p, duelwire.CodeBadRequest, "join first")
		return
	}
	var msg duelwire.PromotionChoice
	if err := env.Decode(&msg); err != nil {
		h.sendError(ctx, p, duelwire.CodeBadRequest, err.Error())
		return
	}
	if err := h.match.ChoosePromotion(side, msg.Piece); err != nil {
		h.sendError(ctx, p, duelwire.CodeBadRequest, err.Error())
	}
}

func (h *Host) handleResign(ctx context.Context, p transport.Peer, env duelwire.Envelope) {
	side, ok := h.coord.GetSide(p.ID())
	if !ok {
		h.sendError(ctx, p, duelwire.CodeBadRequest, "join first")
		return
	}
	var msg duelwire.ResignRequest
	if err := env.Decode(&msg); err != nil {
		h.sendError(ctx, p, duelwire.CodeBadRequest, err.Error())
		return
	}
	claimed, err := duel.ParseSide(msg.Side)
	if err != nil {
		claimed = side
	}
	if err := h.match.Resign(side, claimed); err != nil {
		if code, ok := duel.CodeOf(err); ok {
			h.send(ctx, p.ID(), duelwire.TypeMoveRejected, duelwire.MoveRejected{Reason: string(code)})
			return
		}
		h.sendError(ctx, p, duelwire.CodeBadRequest, err.Error())
	}
}

func (h *Host) handleReconnect(ctx context.Context, p transport.Peer, env duelwire.Envelope) {
	var msg duelwire.ReconnectRequest
	if err := env.Decode(&msg); err != nil {
		h.sendError(ctx, p, duelwire.CodeBadRequest, err.Error())
		return
	}
	side, err := duel.ParseSide(msg.Side)
	if err != nil || msg.SessionID != h.coord.ID() {
		h.refuse(ctx, p, duelwire.CodeResumeRejected, h.catalog.Text("session.resume_rejected", nil))
		return
	}
	player, err := h.coord.Resume(ctx, p.ID(), side, msg.ResumeToken)
	if err != nil {
		h.refuse(ctx, p, duelwire.CodeResumeRejected, h.catalog.Text("session.resume_rejected", nil))
		return
	}
	h.recon.Resolve(side)

	h.send(ctx, p.ID(), duelwire.TypeWelcome, duelwire.Welcome{
		SessionID:   h.coord.ID(),
		ClientID:    p.ID(),
		Side:        string(side),
		ResumeToken: player.ResumeToken,
		JoinCode:    h.coord.JoinCode(),
		Resumed:     true,
	})
	_ = h.pusher.Resync(ctx, p.ID())
	if ps, from, to, seq, ok := h.match.PendingPromotion(); ok && ps == side {
		h.send(ctx, p.ID(), duelwire.TypePromotionRequired, duelwire.PromotionRequired{From: from, To: to, Sequence: seq})
	}
	h.broadcastStatus(ctx, side, player.Name, true)
	h.logger.Info("host_resume",
		zap.String("client_id", p.ID()),
		zap.String("side", string(side)),
		zap.Int("client_half_move", msg.LastKnownHalfMoveIndex),
		zap.Int("half_move", h.match.HalfMoveIndex()),
	)
}

// Disconnected keeps the side reserved. An announced departure forfeits at
// once; anything else starts a reconnection run.
func (h *Host) Disconnected(ctx context.Context, p transport.Peer, cause error) {
	h.pusher.Forget(p.ID())
	side, ok := h.coord.GetSide(p.ID())
	if !ok {
		return
	}
	player, err := h.coord.OnDisconnected(ctx, p.ID())
	if err != nil {
		h.logger.Warn("host_disconnect_untracked", zap.String("client_id", p.ID()), zap.Error(err))
		return
	}
	h.broadcastStatus(ctx, side, player.Name, false)
	if h.ctx.Err() != nil || h.match.EndState().Over {
		return
	}
	if player.Intentional {
		h.recon.Cancel(side)
		h.match.Forfeit(side)
		return
	}
	rec := reconnect.Record{
		SessionID:      h.coord.ID(),
		Side:           side,
		ClientID:       p.ID(),
		DisconnectedAt: h.clock.Now(),
		LastHalfMove:   h.match.HalfMoveIndex(),
	}
	if err := h.recon.Begin(ctx, rec, h.probeResumed(side)); err != nil {
		h.logger.Warn("host_reconnect_begin_failed", zap.String("side", string(side)), zap.Error(err))
		h.match.Forfeit(side)
	}
}

// probeResumed succeeds once side is bound to a live connection again.
func (h *Host) probeResumed(side duel.Side) reconnect.Attempt {
	return func(ctx context.Context, _ int) error {
		pl, ok := h.coord.Player(ctx, side)
		if ok && pl.Connected {
			return nil
		}
		return errNotBack
	}
}

func (h *Host) reconnectRecovered(rec reconnect.Record) {
	ctx := h.ctx
	pl, ok := h.coord.Player(ctx, rec.Side)
	if !ok {
		return
	}
	_ = h.pusher.Resync(ctx, pl.ClientID)
}

func (h *Host) reconnectExhausted(rec reconnect.Record) {
	ctx := context.WithoutCancel(h.ctx)
	h.match.Forfeit(rec.Side)
	if err := h.coord.Purge(ctx, rec.Side); err != nil {
		h.logger.Warn("host_purge_failed", zap.String("side", string(rec.Side)), zap.Error(err))
	}
}

func (h *Host) broadcastStatus(ctx context.Context, side duel.Side, name string, connected bool) {
	env, err := duelwire.Encode(duelwire.TypePlayerStatus, duelwire.PlayerStatus{
		Side:      string(side),
		Name:      name,
		Connected: connected,
	})
	if err != nil {
		return
	}
	h.hub.Broadcast(ctx, env)
}

func (h *Host) send(ctx context.Context, clientID string, t duelwire.Type, payload any) {
	env, err := duelwire.Encode(t, payload)
	if err != nil {
		h.logger.Error("host_encode_failed", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := h.hub.Send(ctx, clientID, env); err != nil {
		h.logger.Debug("host_send_failed", zap.String("client_id", clientID), zap.String("type", string(t)), zap.Error(err))
	}
}

// sendToSide writes to whichever connection currently holds side.
func (h *Host) sendToSide(side duel.Side, t duelwire.Type, payload any) {
	pl, ok := h.coord.Player(h.ctx, side)
	if !ok || !pl.Connected {
		return
	}
	h.send(h.ctx, pl.ClientID, t, payload)
}

func (h *Host) sendError(ctx context.Context, p transport.Peer, code, message string) {
	h.send(ctx, p.ID(), duelwire.TypeError, duelwire.Error{Code: code, Message: message})
}

// refuse reports a connection-level error and closes the link.
func (h *Host) refuse(ctx context.Context, p transport.Peer, code, message string) {
	h.sendError(ctx, p, code, message)
	_ = p.Close(code)
}
