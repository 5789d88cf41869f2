package archive

import (
	"context"
	"strings"
	"testing"
	"time"
)

func foolsMate() *Game {
	return &Game{
		SessionID: "s-1",
		Epoch:     1,
		WhiteName: "alice",
		BlackName: "bob \"the rook\"",
		MovesUCI:  []string{"f2f3", "e7e5", "g2g4", "d8h4"},
		Reason:    "checkmate",
		Winner:    "black",
		StartedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC),
	}
}

func TestFillSANReplaysUCI(t *testing.T) {
	g := foolsMate()
	if err := FillSAN(g); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if len(g.MovesSAN) != 4 || strings.Join(g.MovesSAN[:3], " ") != "f3 e5 g4" || !strings.HasPrefix(g.MovesSAN[3], "Qh4") {
		t.Fatalf("san = %v", g.MovesSAN)
	}
}

func TestFillSANRejectsBadMove(t *testing.T) {
	g := &Game{MovesUCI: []string{"e2e5"}}
	if err := FillSAN(g); err == nil {
		t.Fatalf("expected replay error")
	}
}

func TestBuildPGN(t *testing.T) {
	g := foolsMate()
	if err := FillSAN(g); err != nil {
		t.Fatalf("fill: %v", err)
	}
	pgn := BuildPGN(g)
	for _, want := range []string{
		`[Date "2026.03.01"]`,
		`[White "alice"]`,
		`[Black "bob 'the rook'"]`,
		`[Result "0-1"]`,
		`[Termination "checkmate"]`,
		"1. f3 e5 2. g4 Qh4",
		" 0-1",
	} {
		if !strings.Contains(pgn, want) {
			t.Fatalf("pgn missing %q:\n%s", want, pgn)
		}
	}
}

func TestResultToken(t *testing.T) {
	cases := map[string]*Game{
		"white": {Winner: "white", Reason: "resignation"},
		"draw":  {Reason: "stalemate"},
		"":      {Reason: "checkmate"},
	}
	for want, g := range cases {
		if got := ResultToken(g); got != want {
			t.Fatalf("ResultToken(%+v) = %q, want %q", g, got, want)
		}
	}
}

func TestMemorySaverCopies(t *testing.T) {
	m := NewMemory()
	g := foolsMate()
	if err := m.Save(context.Background(), g); err != nil {
		t.Fatalf("save: %v", err)
	}
	g.MovesUCI[0] = "zzzz"
	got := m.Games()
	if len(got) != 1 || got[0].MovesUCI[0] != "f2f3" {
		t.Fatalf("memory archive aliased caller slice: %+v", got)
	}
}

func TestNewRepositoryRequiresURL(t *testing.T) {
	if _, err := NewRepository(context.Background(), "  "); err == nil {
		t.Fatalf("expected error for empty url")
	}
}
