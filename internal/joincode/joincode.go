// Package joincode turns what a player types into a host address. A join
// code is either "address:port" or a short directory code like CH-7KQ2ZD.
package joincode

import (
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/park285/duel/internal/session"
)

var codePattern = regexp.MustCompile(`^CH-[A-Z0-9]{6}$`)

var (
	ErrInvalidJoinCode = errf("invalid join code")
	ErrNoResolver      = errf("no resolver for join code")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error { return staticErr(s) }

// Target is a parsed join code. Exactly one field is set.
type Target struct {
	Address string
	Code    string
}

// Parse classifies input without any lookup.
func Parse(input string) (Target, error) {
	s := strings.TrimSpace(input)
	if up := strings.ToUpper(s); codePattern.MatchString(up) {
		return Target{Code: up}, nil
	}
	host, port, err := net.SplitHostPort(s)
	if err != nil || strings.TrimSpace(host) == "" {
		return Target{}, ErrInvalidJoinCode
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return Target{}, ErrInvalidJoinCode
	}
	return Target{Address: net.JoinHostPort(host, port)}, nil
}

// Resolver maps a directory code to "address:port".
type Resolver interface {
	Resolve(ctx context.Context, code string) (string, error)
}

// Directory is the lookup side of a session store.
type Directory interface {
	LookupCode(ctx context.Context, code string) (*session.Listing, error)
}

// Resolve parses input and, for directory codes, asks r.
func Resolve(ctx context.Context, input string, r Resolver) (string, error) {
	t, err := Parse(input)
	if err != nil {
		return "", err
	}
	if t.Address != "" {
		return t.Address, nil
	}
	if r == nil {
		return "", ErrNoResolver
	}
	return r.Resolve(ctx, t.Code)
}

// RedisResolver reads the directory the host registered its code in.
type RedisResolver struct{ dir Directory }

func NewRedisResolver(store *session.RedisStore) *RedisResolver { return &RedisResolver{dir: store} }

// NewDirectoryResolver resolves against any Directory.
func NewDirectoryResolver(dir Directory) *RedisResolver { return &RedisResolver{dir: dir} }

func (r *RedisResolver) Resolve(ctx context.Context, code string) (string, error) {
	l, err := r.dir.LookupCode(ctx, code)
	if err != nil {
		return "", err
	}
	if l == nil {
		return "", ErrInvalidJoinCode
	}
	return listingAddr(l), nil
}

func listingAddr(l *session.Listing) string {
	return net.JoinHostPort(l.Address, strconv.Itoa(l.Port))
}

// Chain tries each resolver in order and returns the first answer.
type Chain []Resolver

func (c Chain) Resolve(ctx context.Context, code string) (string, error) {
	if len(c) == 0 {
		return "", ErrNoResolver
	}
	var last error
	for _, r := range c {
		if r == nil {
			continue
		}
		addr, err := r.Resolve(ctx, code)
		if err == nil {
			return addr, nil
		}
		last = err
	}
	return "", last
}
