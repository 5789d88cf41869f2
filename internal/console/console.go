package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/park285/duel/internal/duel"
)

// Player is what the console drives.
type Player interface {
	Move(ctx context.Context, from, to, promotion string) error
	Promote(ctx context.Context, piece string) error
	Resign(ctx context.Context) error
	Leave(ctx context.Context) error
}

// Command is an extra verb a binary adds, like rematch on the host.
type Command func(ctx context.Context, args []string) error

// Console reads commands line by line and writes output under one lock so
// event lines and prompts do not interleave.
type Console struct {
	out    io.Writer
	mu     sync.Mutex
	fmt    *Formatter
	player Player
	extra  map[string]Command
}

func New(out io.Writer, f *Formatter, p Player) *Console {
	return &Console{out: out, fmt: f, player: p, extra: map[string]Command{}}
}

// Handle registers an extra command.
func (c *Console) Handle(name string, cmd Command) { c.extra[strings.ToLower(name)] = cmd }

// Println writes one block of output.
func (c *Console) Println(s string) {
	if strings.TrimSpace(s) == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, strings.TrimRight(s, "\n"))
}

// Run processes commands from in until EOF, leave, or ctx ends.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case line := <-lines:
			done, err := c.Exec(ctx, line)
			if err != nil {
				c.Println(c.Explain(err))
			}
			if done {
				return nil
			}
		}
	}
}

var errUsage = errors.New("commands: <from><to>[piece] | move <from> <to> [piece] | promote <q|r|b|n> | resign | leave | help")

// Exec runs one command line. done reports that the session was left.
func (c *Console) Exec(ctx context.Context, line string) (done bool, err error) {
	parts := strings.Fields(strings.TrimSpace(line))
	if len(parts) == 0 {
		return false, nil
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		return false, errUsage
	case "move", "mv":
		from, to, promo, ok := ParseMove(strings.Join(args, ""))
		if !ok {
			return false, errUsage
		}
		return false, c.player.Move(ctx, from, to, promo)
	case "promote":
		if len(args) != 1 {
			return false, errUsage
		}
		return false, c.player.Promote(ctx, args[0])
	case "resign":
		return false, c.player.Resign(ctx)
	case "leave", "quit", "exit":
		return true, c.player.Leave(ctx)
	}
	if fn, ok := c.extra[cmd]; ok {
		return false, fn(ctx, args)
	}
	if from, to, promo, ok := ParseMove(cmd); ok && len(args) == 0 {
		return false, c.player.Move(ctx, from, to, promo)
	}
	return false, errUsage
}

// Explain renders err for the player, using catalog text for rejections.
func (c *Console) Explain(err error) string {
	if code, ok := duel.CodeOf(err); ok {
		return c.fmt.Text("reject."+string(code), nil)
	}
	return err.Error()
}

// ParseMove accepts e2e4, e2-e4 and e7e8q.
func ParseMove(s string) (from, to, promotion string, ok bool) {
	s = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", ""))
	if len(s) != 4 && len(s) != 5 {
		return "", "", "", false
	}
	if !isSquare(s[0:2]) || !isSquare(s[2:4]) {
		return "", "", "", false
	}
	if len(s) == 5 {
		if !strings.ContainsRune("qrbn", rune(s[4])) {
			return "", "", "", false
		}
		promotion = s[4:]
	}
	return s[0:2], s[2:4], promotion, true
}

func isSquare(s string) bool {
	return len(s) == 2 && s[0] >= 'a' && s[0] <= 'h' && s[1] >= '1' && s[1] <= '8'
}
