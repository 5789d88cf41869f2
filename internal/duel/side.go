package duel

import (
	"fmt"
	"strings"

	"github.com/park285/duel/internal/rules"
)

// Side is one of the two participants' colors.
type Side string

const (
	White Side = "white"
	Black Side = "black"
)

// Other returns the opposing side.
func (s Side) Other() Side {
	if s == White {
		return Black
	}
	return White
}

func (s Side) Valid() bool { return s == White || s == Black }

func (s Side) String() string { return string(s) }

// ParseSide accepts "white"/"w" and "black"/"b" in any case.
func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "white", "w":
		return White, nil
	case "black", "b":
		return Black, nil
	default:
		return "", fmt.Errorf("unknown side %q", v)
	}
}

func sideFrom(c rules.Color) Side {
	if c == rules.Black {
		return Black
	}
	return White
}
