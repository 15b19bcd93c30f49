// Package console is the line-oriented user interface of the peercall
// client. It turns typed commands into coordinator intents and prints the
// events the coordinator publishes.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/peercall/internal/negotiate"
)

// Caller is the part of the session coordinator the console drives.
type Caller interface {
	LocalID() string
	Peers() []string
	Sessions() []string
	RequestPeerList(ctx context.Context) error
	InitiateCall(ctx context.Context, peer, room string) error
	HangUp(peer string)
}

const help = `commands:
  peers            refresh and list peers in the room
  call <peer>      call a peer (prefix or approximate name)
  hangup <peer>    end a call
  status           list active calls
  quit             leave the room and exit`

// Console reads commands from an input stream and writes events to an
// output stream. Event methods are safe for concurrent use.
type Console struct {
	in       io.Reader
	resolver *Resolver
	logger   *slog.Logger

	mu  sync.Mutex
	out io.Writer
}

// New creates a console reading in and writing out.
func New(in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{in: in, out: out, resolver: NewResolver(), logger: logger}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// ─── coordinator.UI ──────────────────────────────────────────────────────────

// PeerListUpdated prints the room members.
func (c *Console) PeerListUpdated(peers []string) {
	if len(peers) == 0 {
		c.printf("peers: (nobody else here)")
		return
	}
	c.printf("peers: %s", strings.Join(peers, ", "))
}

// CallStateChanged prints a call transition.
func (c *Console) CallStateChanged(peer string, state negotiate.State, err error) {
	if err != nil {
		c.printf("call %s: %s: %v", peer, state, err)
		return
	}
	c.printf("call %s: %s", peer, state)
}

// Warning prints a non-fatal problem.
func (c *Console) Warning(peer string, err error) {
	c.printf("warning %s: %v", peer, err)
}

// ─── Commands ────────────────────────────────────────────────────────────────

// Run executes commands until quit, end of input or ctx is done.
func (c *Console) Run(ctx context.Context, caller Caller) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
		scanErr <- sc.Err()
	}()

	c.printf("peercall: you are %s (type 'help')", caller.LocalID())
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if quit := c.exec(ctx, caller, line); quit {
				return nil
			}
		}
	}
}

// exec runs one command line and reports whether the user asked to quit.
func (c *Console) exec(ctx context.Context, caller Caller, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]
	switch cmd {
	case "help", "?":
		c.printf("%s", help)
	case "peers", "ls":
		if err := caller.RequestPeerList(ctx); err != nil {
			c.printf("error: %v", err)
		}
	case "call":
		peer, ok := c.peerArg(caller.Peers(), args)
		if !ok {
			return false
		}
		if err := caller.InitiateCall(ctx, peer, ""); err != nil {
			c.printf("error: %v", err)
			return false
		}
		c.printf("calling %s", peer)
	case "hangup", "bye":
		peer, ok := c.peerArg(caller.Sessions(), args)
		if !ok {
			return false
		}
		caller.HangUp(peer)
	case "status":
		sessions := caller.Sessions()
		if len(sessions) == 0 {
			c.printf("no active calls")
			return false
		}
		c.printf("calls: %s", strings.Join(sessions, ", "))
	case "quit", "exit":
		return true
	default:
		c.printf("unknown command %q (type 'help')", cmd)
	}
	return false
}

func (c *Console) peerArg(candidates []string, args []string) (string, bool) {
	if len(args) != 1 {
		c.printf("usage: <command> <peer>")
		return "", false
	}
	peer, err := c.resolver.Resolve(args[0], candidates)
	if err != nil {
		c.printf("error: %v", err)
		return "", false
	}
	if peer != args[0] {
		c.logger.Debug("console: resolved peer", "input", args[0], "peer", peer)
	}
	return peer, true
}
