package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// StartFEN is the standard initial position.
const StartFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

// Board is an immutable position plus the moves played from its base FEN.
// History is kept so repetition-based draws are detected on the authority.
type Board struct {
	baseFEN string
	moves   []string
	game    *nchess.Game
}

// FEN returns the serialized current position.
func (b *Board) FEN() string {
	if b == nil || b.game == nil {
		return ""
	}
	return b.game.FEN()
}

// Moves returns the UCI moves played since the base position.
func (b *Board) Moves() []string { return append([]string(nil), b.moves...) }

// ChessEngine implements Engine on top of corentings/chess.
type ChessEngine struct{}

func NewChessEngine() *ChessEngine { return &ChessEngine{} }

func (e *ChessEngine) NewBoard() *Board {
	b, _ := buildBoard(StartFEN, nil)
	return b
}

func (e *ChessEngine) IsLegal(b *Board, from, to string) (Move, error) {
	if b == nil {
		return Move{}, ErrInvalidPosition
	}
	from, to = strings.ToLower(strings.TrimSpace(from)), strings.ToLower(strings.TrimSpace(to))
	if _, err := parseSquare(from); err != nil {
		return Move{}, err
	}
	if _, err := parseSquare(to); err != nil {
		return Move{}, err
	}
	if tryMove(b, from+to) {
		return Move{From: from, To: to}, nil
	}
	// only a promotion is legal with an extra piece letter
	if tryMove(b, from+to+"q") {
		return Move{From: from, To: to, NeedsPromotion: true}, nil
	}
	return Move{}, ErrIllegalMove
}

func (e *ChessEngine) Resolve(b *Board, m Move, promotion string) (ResolvedMove, error) {
	rm := ResolvedMove{From: m.From, To: m.To, UCI: m.From + m.To}
	if !m.NeedsPromotion {
		return rm, nil
	}
	piece, err := NormalizePromotion(promotion)
	if err != nil {
		return ResolvedMove{}, err
	}
	if piece == "" {
		rm.Pending = true
		return rm, nil
	}
	rm.Promotion = piece
	rm.UCI = m.From + m.To + piece
	return rm, nil
}

func (e *ChessEngine) Apply(b *Board, rm ResolvedMove) (*Board, Effects, error) {
	if b == nil {
		return nil, Effects{}, ErrInvalidPosition
	}
	if rm.Pending {
		return nil, Effects{}, ErrPromotionPending
	}
	next, err := buildBoard(b.baseFEN, b.moves)
	if err != nil {
		return nil, Effects{}, err
	}
	pos := next.game.Position()
	mv, err := nchess.UCINotation{}.Decode(pos, rm.UCI)
	if err != nil {
		return nil, Effects{}, ErrIllegalMove
	}
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	if err := next.game.Move(mv, nil); err != nil {
		return nil, Effects{}, ErrIllegalMove
	}
	next.moves = append(next.moves, rm.UCI)

	fx := Effects{SAN: san}
	if last := lastMove(next.game); last != nil {
		fx.Check = last.HasTag(nchess.Check)
	}
	switch next.game.Method() {
	case nchess.Checkmate:
		fx.Checkmate = true
	case nchess.Stalemate:
		fx.Stalemate = true
	default:
		if next.game.Outcome() == nchess.Draw {
			fx.Draw = true
			fx.DrawMethod = strings.ToLower(next.game.Method().String())
		}
	}
	return next, fx, nil
}

func (e *ChessEngine) Serialize(b *Board) string { return b.FEN() }

func (e *ChessEngine) Deserialize(s string) (*Board, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "startpos" {
		s = StartFEN
	}
	return buildBoard(s, nil)
}

func (e *ChessEngine) PieceColor(b *Board, square string) (Color, bool) {
	if b == nil || b.game == nil {
		return "", false
	}
	sq, err := parseSquare(strings.ToLower(strings.TrimSpace(square)))
	if err != nil {
		return "", false
	}
	piece := b.game.Position().Board().Piece(sq)
	if piece == nchess.NoPiece {
		return "", false
	}
	return colorFrom(piece.Color()), true
}

func (e *ChessEngine) SideToMove(b *Board) Color {
	if b == nil || b.game == nil {
		return White
	}
	return colorFrom(b.game.Position().Turn())
}

// Draw renders fen as a text board seen from perspective, with that side's
// pieces at the bottom.
func Draw(fen string, perspective Color) (string, error) {
	b, err := buildBoard(fen, nil)
	if err != nil {
		return "", err
	}
	view := nchess.White
	if perspective == Black {
		view = nchess.Black
	}
	return b.game.Position().Board().Draw2(view, false), nil
}

func buildBoard(baseFEN string, moves []string) (*Board, error) {
	opt, err := nchess.FEN(baseFEN)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPosition, err)
	}
	game := nchess.NewGame(opt)
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay %s: %w", mv, err)
		}
	}
	return &Board{baseFEN: baseFEN, moves: append([]string(nil), moves...), game: game}, nil
}

func tryMove(b *Board, uci string) bool {
	probe, err := buildBoard(b.baseFEN, b.moves)
	if err != nil {
		return false
	}
	return probe.game.PushNotationMove(uci, nchess.UCINotation{}, nil) == nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func parseSquare(s string) (nchess.Square, error) {
	if len(s) != 2 || s[0] < 'a' || s[0] > 'h' || s[1] < '1' || s[1] > '8' {
		return nchess.NoSquare, fmt.Errorf("%w: %q", ErrInvalidSquare, s)
	}
	return nchess.NewSquare(nchess.File(s[0]-'a'), nchess.Rank(s[1]-'1')), nil
}

func colorFrom(c nchess.Color) Color {
	if c == nchess.White {
		return White
	}
	return Black
}
