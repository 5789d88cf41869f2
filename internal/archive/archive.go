// Package archive keeps finished games, with their PGN, in Postgres.
package archive

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
)

// Game is one finished game of a session epoch.
type Game struct {
	SessionID string
	Epoch     uint64
	WhiteName string
	BlackName string
	StartFEN  string
	MovesUCI  []string
	MovesSAN  []string
	Reason    string
	Winner    string
	StartedAt time.Time
	EndedAt   time.Time
}

// Saver persists finished games.
type Saver interface {
	Save(ctx context.Context, g *Game) error
}

// Memory is a Saver that keeps games in process.
type Memory struct {
	mu    sync.Mutex
	games []Game
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Save(_ context.Context, g *Game) error {
	if g == nil {
		return nil
	}
	cp := *g
	cp.MovesUCI = append([]string(nil), g.MovesUCI...)
	cp.MovesSAN = append([]string(nil), g.MovesSAN...)
	m.mu.Lock()
	m.games = append(m.games, cp)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Games() []Game {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Game(nil), m.games...)
}

// FillSAN recomputes MovesSAN from MovesUCI when the two disagree in length.
func FillSAN(g *Game) error {
	if g == nil || len(g.MovesSAN) == len(g.MovesUCI) {
		return nil
	}
	fen := strings.TrimSpace(g.StartFEN)
	if fen == "" || fen == "startpos" {
		fen = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"
	}
	opt, err := nchess.FEN(fen)
	if err != nil {
		return fmt.Errorf("archive start fen: %w", err)
	}
	game := nchess.NewGame(opt)
	sans := make([]string, 0, len(g.MovesUCI))
	for _, uci := range g.MovesUCI {
		pos := game.Position()
		mv, err := nchess.UCINotation{}.Decode(pos, uci)
		if err != nil {
			return fmt.Errorf("archive replay %s: %w", uci, err)
		}
		sans = append(sans, nchess.AlgebraicNotation{}.Encode(pos, mv))
		if err := game.Move(mv, nil); err != nil {
			return fmt.Errorf("archive replay %s: %w", uci, err)
		}
	}
	g.MovesSAN = sans
	return nil
}

// ResultToken maps the winner to white, black or draw. Unfinished games
// yield "".
func ResultToken(g *Game) string {
	if g == nil {
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(g.Winner)) {
	case "white", "black":
		return strings.ToLower(strings.TrimSpace(g.Winner))
	}
	switch g.Reason {
	case "stalemate", "draw":
		return "draw"
	}
	return ""
}

func mapResultToPGN(result string) string {
	switch result {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders g with the seven-tag roster plus Termination.
func BuildPGN(g *Game) string {
	if g == nil {
		return ""
	}
	result := mapResultToPGN(ResultToken(g))
	date := g.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	var b strings.Builder
	fmt.Fprintf(&b, "[Event \"Duel\"]\n")
	fmt.Fprintf(&b, "[Site \"%s\"]\n", sanitizePGN(g.SessionID))
	fmt.Fprintf(&b, "[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day())
	fmt.Fprintf(&b, "[Round \"%d\"]\n", g.Epoch)
	fmt.Fprintf(&b, "[White \"%s\"]\n", sanitizePGN(g.WhiteName))
	fmt.Fprintf(&b, "[Black \"%s\"]\n", sanitizePGN(g.BlackName))
	fmt.Fprintf(&b, "[Result \"%s\"]\n", result)
	if reason := strings.TrimSpace(g.Reason); reason != "" {
		fmt.Fprintf(&b, "[Termination \"%s\"]\n", sanitizePGN(reason))
	}
	if fen := strings.TrimSpace(g.StartFEN); fen != "" && fen != "startpos" {
		fmt.Fprintf(&b, "[SetUp \"1\"]\n[FEN \"%s\"]\n", sanitizePGN(fen))
	}
	b.WriteString("\n")

	for i := 0; i < len(g.MovesSAN); i += 2 {
		fmt.Fprintf(&b, "%d. %s", i/2+1, strings.TrimSpace(g.MovesSAN[i]))
		if i+1 < len(g.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(g.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
