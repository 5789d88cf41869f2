package duel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/park285/duel/internal/obslog"
	"github.com/park285/duel/internal/rules"
)

// MoveRecord is one entry of the append-only move history.
type MoveRecord struct {
	Sequence  uint64
	Side      Side
	From      string
	To        string
	Promotion string
	UCI       string
	SAN       string
	At        time.Time
}

// Snapshot is the full replicated state. Replicas replace their copy
// wholesale when Revision is newer than the one they hold.
type Snapshot struct {
	Epoch         uint64
	Revision      uint64
	FEN           string
	HalfMoveIndex int
	TurnSide      Side
	Sequence      uint64
	LastMove      *MoveRecord
	End           *GameEndState
}

// MoveRequest is a move submitted on behalf of Side. Side must come from the
// session binding of the sender, not from the payload.
type MoveRequest struct {
	Side      Side
	From      string
	To        string
	Promotion string
	Sequence  uint64
}

// Observer receives authority events in the order they happen.
type Observer interface {
	SnapshotPublished(ctx context.Context, snap Snapshot)
	TurnChanged(ctx context.Context, epoch uint64, side Side, seq uint64)
	PromotionRequired(ctx context.Context, side Side, from, to string, seq uint64)
	GameEnded(ctx context.Context, st GameEndState)
}

type Options struct {
	Engine         rules.Engine
	Clock          clockwork.Clock
	Logger         *zap.Logger
	Observer       Observer
	StartFEN       string
	TransitionLock time.Duration
	TurnTimeout    time.Duration
}

type pendingPromotion struct {
	side   Side
	from   string
	to     string
	seq    uint64
	choice chan string
}

// Match owns the one writable copy of a game. Every mutation goes through it.
type Match struct {
	mu     sync.Mutex
	engine rules.Engine
	clock  clockwork.Clock
	logger *zap.Logger
	obs    Observer
	opts   Options

	board    *rules.Board
	history  []MoveRecord
	epoch    uint64
	revision uint64
	turn     *TurnMachine
	end      *EndDetector
	pending  *pendingPromotion
	stop     chan struct{}

	started   bool
	turnTimer clockwork.Timer
}

func NewMatch(opts Options) (*Match, error) {
	if opts.Engine == nil {
		opts.Engine = rules.NewChessEngine()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	board, err := opts.Engine.Deserialize(opts.StartFEN)
	if err != nil {
		return nil, err
	}
	m := &Match{
		engine: opts.Engine,
		clock:  opts.Clock,
		logger: opts.Logger,
		obs:    opts.Observer,
		opts:   opts,
	}
	m.turn = NewTurnMachine(sideFrom(opts.Engine.SideToMove(board)), opts.Clock)
	m.turn.OnLockRelease(m.lockReleased)
	m.resetLocked(board)
	return m, nil
}

// Start arms the turn clock. Moves are accepted before Start.
func (m *Match) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.armTurnTimerLocked()
}

// Submit validates and applies one move. It blocks while a promotion choice
// is outstanding for the mover.
func (m *Match) Submit(ctx context.Context, req MoveRequest) (MoveRecord, error) {
	m.mu.Lock()
	if m.end.Over() {
		m.mu.Unlock()
		return MoveRecord{}, ErrGameOver
	}
	if err := m.turn.Begin(req.Side); err != nil {
		m.mu.Unlock()
		return MoveRecord{}, err
	}
	rm, err := m.validateLocked(req)
	if err != nil {
		m.turn.Abort(req.Side)
		m.mu.Unlock()
		m.logRejected(req, err)
		return MoveRecord{}, err
	}

	if rm.Pending {
		rm, err = m.awaitPromotion(ctx, req, rm)
		if err != nil {
			// m.mu is released on every error path of awaitPromotion
			m.logRejected(req, err)
			return MoveRecord{}, err
		}
	}

	next, fx, err := m.engine.Apply(m.board, rm)
	if err != nil {
		m.turn.Abort(req.Side)
		m.mu.Unlock()
		err = reject(CodeIllegalMove, err)
		m.logRejected(req, err)
		return MoveRecord{}, err
	}
	m.board = next
	rec := MoveRecord{
		Sequence:  uint64(len(m.history)) + 1,
		Side:      req.Side,
		From:      rm.From,
		To:        rm.To,
		Promotion: rm.Promotion,
		UCI:       rm.UCI,
		SAN:       fx.SAN,
		At:        m.clock.Now(),
	}
	m.history = append(m.history, rec)
	m.revision++
	snap := m.snapshotLocked()
	epoch := m.epoch
	nextSide := sideFrom(m.engine.SideToMove(next))
	end := m.end
	m.stopTurnTimerLocked()
	// the hand-over happens under m.mu so a Reset cannot land between the
	// applied move and the turn change
	if err := m.turn.Complete(nextSide, rec.Sequence, m.opts.TransitionLock); err != nil {
		m.logger.Warn("duel_turn_complete", zap.Uint64("seq", rec.Sequence), zap.Error(err))
	}
	m.mu.Unlock()

	m.logger.Info("duel_move_applied",
		zap.Uint64("epoch", epoch),
		zap.Uint64("seq", rec.Sequence),
		zap.String("side", string(rec.Side)),
		zap.String("uci", rec.UCI),
		zap.String("san", rec.SAN),
		zap.Bool("check", fx.Check),
	)

	m.obs.SnapshotPublished(ctx, snap)
	if end.FromEffects(rec.Side, fx) {
		return rec, nil
	}
	m.mu.Lock()
	current := m.epoch == epoch
	if current {
		m.armTurnTimerLocked()
	}
	m.mu.Unlock()
	if current {
		m.obs.TurnChanged(ctx, epoch, nextSide, rec.Sequence)
	}
	return rec, nil
}

func (m *Match) validateLocked(req MoveRequest) (rules.ResolvedMove, error) {
	color, ok := m.engine.PieceColor(m.board, req.From)
	if !ok || sideFrom(color) != req.Side {
		return rules.ResolvedMove{}, ErrWrongOwner
	}
	if want := uint64(len(m.history)) + 1; req.Sequence != want {
		return rules.ResolvedMove{}, ErrStaleSequence
	}
	mv, err := m.engine.IsLegal(m.board, req.From, req.To)
	if err != nil {
		return rules.ResolvedMove{}, reject(CodeIllegalMove, err)
	}
	rm, err := m.engine.Resolve(m.board, mv, req.Promotion)
	if err != nil {
		return rules.ResolvedMove{}, reject(CodeIllegalMove, err)
	}
	return rm, nil
}

// awaitPromotion is entered with m.mu held. On success it returns with m.mu
// held; on error m.mu has been released.
func (m *Match) awaitPromotion(ctx context.Context, req MoveRequest, rm rules.ResolvedMove) (rules.ResolvedMove, error) {
	p := &pendingPromotion{
		side:   req.Side,
		from:   rm.From,
		to:     rm.To,
		seq:    req.Sequence,
		choice: make(chan string, 1),
	}
	m.pending = p
	epoch := m.epoch
	stop := m.stop
	m.mu.Unlock()

	m.obs.PromotionRequired(ctx, req.Side, rm.From, rm.To, req.Sequence)

	var piece string
	cancelled := false
	select {
	case piece = <-p.choice:
	case <-ctx.Done():
		cancelled = true
	case <-stop:
		cancelled = true
	}

	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
	}
	if m.epoch != epoch {
		m.mu.Unlock()
		return rules.ResolvedMove{}, ErrPromotionCancelled
	}
	if m.end.Over() {
		m.mu.Unlock()
		return rules.ResolvedMove{}, ErrGameOver
	}
	if cancelled {
		m.turn.Abort(req.Side)
		m.mu.Unlock()
		return rules.ResolvedMove{}, ErrPromotionCancelled
	}
	mv := rules.Move{From: rm.From, To: rm.To, NeedsPromotion: true}
	resolved, err := m.engine.Resolve(m.board, mv, piece)
	if err == nil && resolved.Pending {
		err = rules.ErrInvalidPromotion
	}
	if err != nil {
		m.turn.Abort(req.Side)
		m.mu.Unlock()
		return rules.ResolvedMove{}, reject(CodeIllegalMove, err)
	}
	return resolved, nil
}

// ChoosePromotion delivers side's piece choice to a suspended move.
func (m *Match) ChoosePromotion(side Side, piece string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.pending
	if p == nil || p.side != side {
		return ErrNoPendingPromotion
	}
	select {
	case p.choice <- strings.TrimSpace(piece):
		return nil
	default:
		return ErrNoPendingPromotion
	}
}

// PendingPromotion reports the outstanding promotion, if any.
func (m *Match) PendingPromotion() (side Side, from, to string, seq uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return "", "", "", 0, false
	}
	p := m.pending
	return p.side, p.from, p.to, p.seq, true
}

// Resign ends the game for claimed when requesting matches it.
func (m *Match) Resign(requesting, claimed Side) error {
	m.mu.Lock()
	end := m.end
	m.mu.Unlock()
	return end.Resign(requesting, claimed)
}

// Forfeit ends the game because lost did not come back.
func (m *Match) Forfeit(lost Side) bool {
	m.mu.Lock()
	end := m.end
	m.mu.Unlock()
	return end.Forfeit(lost)
}

// Reset discards the current game and starts a new epoch from the initial
// position. Any suspended promotion is cancelled.
func (m *Match) Reset(ctx context.Context) error {
	board, err := m.engine.Deserialize(m.opts.StartFEN)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.resetLocked(board)
	snap := m.snapshotLocked()
	if m.started {
		m.armTurnTimerLocked()
	}
	m.mu.Unlock()

	m.logger.Info("duel_reset", zap.Uint64("epoch", snap.Epoch))
	m.obs.SnapshotPublished(ctx, snap)
	m.obs.TurnChanged(ctx, snap.Epoch, snap.TurnSide, 0)
	return nil
}

func (m *Match) resetLocked(board *rules.Board) {
	if m.stop != nil {
		close(m.stop)
	}
	m.stopTurnTimerLocked()
	m.stop = make(chan struct{})
	m.pending = nil
	m.board = board
	m.history = nil
	m.epoch++
	m.revision++
	m.turn.Reset(sideFrom(m.engine.SideToMove(board)))
	epoch := m.epoch
	m.end = NewEndDetector(nil, m.clock, func(st GameEndState) { m.ended(epoch, st) })
}

func (m *Match) ended(epoch uint64, st GameEndState) {
	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		return
	}
	m.turn.End()
	m.stopTurnTimerLocked()
	close(m.stop)
	m.stop = make(chan struct{})
	m.revision++
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info("game_end",
		zap.Uint64("epoch", epoch),
		zap.String("reason", string(st.Reason)),
		zap.String("winner", st.WinnerSide()),
		zap.String("detail", st.Detail),
	)
	ctx := context.Background()
	m.obs.SnapshotPublished(ctx, snap)
	m.obs.GameEnded(ctx, st)
}

// lockReleased bumps the revision so every replica gets a fresh copy once
// the side to move may act.
func (m *Match) lockReleased() {
	m.mu.Lock()
	m.revision++
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.obs.SnapshotPublished(context.Background(), snap)
}

func (m *Match) armTurnTimerLocked() {
	m.stopTurnTimerLocked()
	if m.opts.TurnTimeout <= 0 || m.end.Over() {
		return
	}
	end := m.end
	side := m.turn.State().Side
	seq := uint64(len(m.history))
	epoch := m.epoch
	m.turnTimer = m.clock.AfterFunc(m.opts.TurnTimeout, func() {
		m.mu.Lock()
		stale := m.epoch != epoch || uint64(len(m.history)) != seq
		m.mu.Unlock()
		if stale {
			return
		}
		end.TimedOut(side)
	})
}

func (m *Match) stopTurnTimerLocked() {
	if m.turnTimer != nil {
		m.turnTimer.Stop()
		m.turnTimer = nil
	}
}

func (m *Match) snapshotLocked() Snapshot {
	snap := Snapshot{
		Epoch:         m.epoch,
		Revision:      m.revision,
		FEN:           m.engine.Serialize(m.board),
		HalfMoveIndex: len(m.history),
		TurnSide:      sideFrom(m.engine.SideToMove(m.board)),
		Sequence:      uint64(len(m.history)),
	}
	if n := len(m.history); n > 0 {
		last := m.history[n-1]
		snap.LastMove = &last
	}
	if st := m.end.State(); st.Over {
		snap.End = &st
	}
	return snap
}

// Snapshot returns the current full state.
func (m *Match) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Match) Turn() TurnState { return m.turn.State() }

func (m *Match) EndState() GameEndState {
	m.mu.Lock()
	end := m.end
	m.mu.Unlock()
	return end.State()
}

func (m *Match) History() []MoveRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MoveRecord(nil), m.history...)
}

// Moves returns the UCI moves of the current epoch.
func (m *Match) Moves() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.board.Moves()
}

func (m *Match) HalfMoveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

func (m *Match) logRejected(req MoveRequest, err error) {
	code, _ := CodeOf(err)
	m.logger.Info("duel_move_rejected",
		zap.String("side", string(req.Side)),
		zap.String("from", req.From),
		zap.String("to", req.To),
		zap.Uint64("seq", req.Sequence),
		zap.String("code", string(code)),
		zap.Error(errors.Unwrap(err)),
	)
}

type nopObserver struct{}

func (nopObserver) SnapshotPublished(context.Context, Snapshot) {}
func (nopObserver) TurnChanged(context.Context, uint64, Side, uint64) {}
func (nopObserver) PromotionRequired(context.Context, Side, string, string, uint64) {}
func (nopObserver) GameEnded(context.Context, GameEndState) {}
