// Package rules adapts a chess rules library to the narrow engine surface the
// authority consumes. Everything here is pure with respect to its inputs.
package rules

import (
	"errors"
	"strings"
)

var (
	ErrIllegalMove      = errors.New("illegal move")
	ErrInvalidSquare    = errors.New("invalid square")
	ErrInvalidPromotion = errors.New("invalid promotion piece")
	ErrPromotionPending = errors.New("promotion choice pending")
	ErrInvalidPosition  = errors.New("invalid position")
)

// Color is the side owning a piece or the side to move.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Move is a legal (from, to) pair on a given board. NeedsPromotion reports a
// pawn reaching the last rank, which is only resolvable with a piece choice.
type Move struct {
	From           string
	To             string
	NeedsPromotion bool
}

// ResolvedMove is a move with every special case settled. Pending is set when a
// promotion still lacks its piece.
type ResolvedMove struct {
	From      string
	To        string
	Promotion string
	UCI       string
	Pending   bool
}

// Effects are read back from the position after a move is applied.
type Effects struct {
	Check      bool
	Checkmate  bool
	Stalemate  bool
	Draw       bool
	DrawMethod string
	SAN        string
}

// Engine is the rules collaborator of the authority.
type Engine interface {
	NewBoard() *Board
	IsLegal(b *Board, from, to string) (Move, error)
	Resolve(b *Board, m Move, promotion string) (ResolvedMove, error)
	Apply(b *Board, rm ResolvedMove) (*Board, Effects, error)
	Serialize(b *Board) string
	Deserialize(s string) (*Board, error)
	PieceColor(b *Board, square string) (Color, bool)
	SideToMove(b *Board) Color
}

// NormalizePromotion maps user input to a single lowercase UCI piece letter.
func NormalizePromotion(s string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "q", "queen":
		return "q", nil
	case "r", "rook":
		return "r", nil
	case "b", "bishop":
		return "b", nil
	case "n", "knight":
		return "n", nil
	default:
		return "", ErrInvalidPromotion
	}
}

// Other returns the opposing color.
func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}
