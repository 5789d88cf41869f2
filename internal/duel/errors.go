package duel

import (
	"errors"
	"fmt"
)

// RejectCode is the protocol-level reason a move request was refused.
type RejectCode string

const (
	CodeWrongTurn          RejectCode = "wrong_turn"
	CodeWrongOwner         RejectCode = "wrong_owner"
	CodeIllegalMove        RejectCode = "illegal_move"
	CodeStaleSequence      RejectCode = "stale_sequence"
	CodeMoveInProgress     RejectCode = "move_in_progress"
	CodeGameOver           RejectCode = "game_over"
	CodePromotionCancelled RejectCode = "promotion_cancelled"
)

// RejectError is returned to the originating client only. Two RejectErrors
// match under errors.Is when their codes are equal.
type RejectError struct {
	Code  RejectCode
	Cause error
}

func (e *RejectError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	}
	return string(e.Code)
}

func (e *RejectError) Unwrap() error { return e.Cause }

func (e *RejectError) Is(target error) bool {
	t, ok := target.(*RejectError)
	return ok && t.Code == e.Code
}

var (
	ErrWrongTurn          = &RejectError{Code: CodeWrongTurn}
	ErrWrongOwner         = &RejectError{Code: CodeWrongOwner}
	ErrIllegalMove        = &RejectError{Code: CodeIllegalMove}
	ErrStaleSequence      = &RejectError{Code: CodeStaleSequence}
	ErrMoveInProgress     = &RejectError{Code: CodeMoveInProgress}
	ErrGameOver           = &RejectError{Code: CodeGameOver}
	ErrPromotionCancelled = &RejectError{Code: CodePromotionCancelled}
)

var (
	ErrResignMismatch     = errors.New("resigning side does not match requester")
	ErrNoPendingPromotion = errors.New("no promotion pending for side")
	ErrTurnOrder          = errors.New("turn did not alternate")
)

func reject(code RejectCode, cause error) error {
	return &RejectError{Code: code, Cause: cause}
}

// CodeOf extracts the reject code from err, if any.
func CodeOf(err error) (RejectCode, bool) {
	var re *RejectError
	if errors.As(err, &re) {
		return re.Code, true
	}
	return "", false
}

// ParseRejectCode maps a wire reason back to a sentinel error.
func ParseRejectCode(reason string) error {
	switch RejectCode(reason) {
	case CodeWrongTurn:
		return ErrWrongTurn
	case CodeWrongOwner:
		return ErrWrongOwner
	case CodeIllegalMove:
		return ErrIllegalMove
	case CodeStaleSequence:
		return ErrStaleSequence
	case CodeMoveInProgress:
		return ErrMoveInProgress
	case CodeGameOver:
		return ErrGameOver
	case CodePromotionCancelled:
		return ErrPromotionCancelled
	default:
		return fmt.Errorf("unknown reject reason %q", reason)
	}
}
