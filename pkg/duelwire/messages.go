package duelwire

// Join is the first frame a fresh participant sends.
type Join struct {
	Name string `json:"name"`
}

// Welcome confirms a join or a resume.
type Welcome struct {
	SessionID   string `json:"sessionId"`
	ClientID    string `json:"clientId"`
	Side        string `json:"side"`
	ResumeToken string `json:"resumeToken"`
	JoinCode    string `json:"joinCode,omitempty"`
	Resumed     bool   `json:"resumed,omitempty"`
}

type MoveRequest struct {
	Side      string `json:"side"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	Sequence  uint64 `json:"sequence"`
}

type MoveRejected struct {
	Reason   string `json:"reason"`
	Sequence uint64 `json:"sequence"`
}

// PromotionRequired asks the mover to pick a promotion piece for a suspended move.
type PromotionRequired struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Sequence uint64 `json:"sequence"`
}

type PromotionChoice struct {
	Side  string `json:"side"`
	Piece string `json:"piece"`
}

type LastMove struct {
	From string `json:"from"`
	To   string `json:"to"`
	UCI  string `json:"uci"`
	SAN  string `json:"san,omitempty"`
}

type End struct {
	WinningSide string `json:"winningSide,omitempty"`
	Reason      string `json:"reason"`
}

// StateSnapshot is always a complete copy of canonical state.
type StateSnapshot struct {
	Epoch         uint64    `json:"epoch"`
	Revision      uint64    `json:"revision"`
	FEN           string    `json:"fen"`
	HalfMoveIndex int       `json:"halfMoveIndex"`
	TurnSide      string    `json:"turnSide"`
	Sequence      uint64    `json:"sequence"`
	LastMove      *LastMove `json:"lastMove,omitempty"`
	End           *End      `json:"end,omitempty"`
}

type TurnChanged struct {
	Epoch    uint64 `json:"epoch"`
	NewSide  string `json:"newSide"`
	Sequence uint64 `json:"sequence"`
}

type GameEnded struct {
	WinningSide string `json:"winningSide,omitempty"`
	Reason      string `json:"reason"`
}

type ResignRequest struct {
	Side string `json:"side"`
}

type ReconnectRequest struct {
	SessionID              string `json:"sessionId"`
	Side                   string `json:"side"`
	LastKnownHalfMoveIndex int    `json:"lastKnownHalfMoveIndex"`
	ResumeToken            string `json:"resumeToken"`
}

// Error carries connection-level failures back to the connecting client only.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

type PlayerStatus struct {
	Side      string `json:"side"`
	Name      string `json:"name,omitempty"`
	Connected bool   `json:"connected"`
}

// Error codes used in Error.Code.
const (
	CodeSessionFull       = "session_full"
	CodeInvalidJoinCode   = "invalid_join_code"
	CodeResumeRejected    = "resume_rejected"
	CodeBadRequest        = "bad_request"
	CodeConnectionTimeout = "connection_timeout"
)
