package session

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/park285/duel/internal/duel"
)

// Status is the lifecycle of a session.
type Status string

const (
	StatusOpen   Status = "open"
	StatusFull   Status = "full"
	StatusClosed Status = "closed"
)

// Session is stored as JSON under duel:session:<id>.
type Session struct {
	ID          string    `json:"id"`
	HostAddress string    `json:"host_address"`
	HostPort    int       `json:"host_port"`
	JoinCode    string    `json:"join_code"`
	CreatedAt   time.Time `json:"created_at"`
	Status      Status    `json:"status"`
	Players     []Player  `json:"players"`
}

// Player is a participant bound to one side for the life of the session.
type Player struct {
	ClientID       string    `json:"client_id"`
	Side           duel.Side `json:"side"`
	Name           string    `json:"name,omitempty"`
	Connected      bool      `json:"connected"`
	JoinedAt       time.Time `json:"joined_at"`
	LastDisconnect time.Time `json:"last_disconnect,omitempty"`
	ResumeToken    string    `json:"resume_token"`
	Intentional    bool      `json:"intentional,omitempty"`
}

// Listing is the directory entry a join code resolves to.
type Listing struct {
	SessionID string `json:"session_id"`
	Address   string `json:"address"`
	Port      int    `json:"port"`
}

func (s *Session) clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Players = append([]Player(nil), s.Players...)
	return &cp
}

func (s *Session) byClient(clientID string) *Player {
	for i := range s.Players {
		if s.Players[i].ClientID == clientID {
			return &s.Players[i]
		}
	}
	return nil
}

func (s *Session) bySide(side duel.Side) *Player {
	for i := range s.Players {
		if s.Players[i].Side == side {
			return &s.Players[i]
		}
	}
	return nil
}

// Player returns a copy of the player holding side.
func (s *Session) Player(side duel.Side) (Player, bool) {
	if p := s.bySide(side); p != nil {
		return *p, true
	}
	return Player{}, false
}

// ColorChoice is the host's side preference.
type ColorChoice string

const (
	ColorWhite  ColorChoice = "white"
	ColorBlack  ColorChoice = "black"
	ColorRandom ColorChoice = "random"
)

func ParseColorChoice(s string) ColorChoice {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return ColorWhite
	case "black", "b":
		return ColorBlack
	default:
		return ColorRandom
	}
}

// Side resolves the choice, drawing a side for ColorRandom.
func (c ColorChoice) Side() duel.Side {
	switch c {
	case ColorWhite:
		return duel.White
	case ColorBlack:
		return duel.Black
	}
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err == nil && n.Int64() == 1 {
		return duel.Black
	}
	return duel.White
}

var (
	ErrInvalidArgs     = errf("invalid arguments")
	ErrSessionFull     = errf("session already has two participants")
	ErrSessionClosed   = errf("session closed")
	ErrSessionGone     = errf("session not found")
	ErrUnknownClient   = errf("client not bound to session")
	ErrResumeRejected  = errf("resume token rejected")
	ErrNotDisconnected = errf("player is still connected")
	ErrPlayerGone      = errf("player no longer in session")
	ErrCodeExhausted   = errf("failed to allocate join code")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }
