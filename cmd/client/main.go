// Command client is a line-based terminal chat client.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gookit/color"

	"go-meet/internal/protocol"
	"go-meet/internal/session"
)

const help = `commands:
  /reply N            reply to transcript entry N
  /noreply            drop the reply target
  /up N, /down N      scroll the transcript view
  /latest             jump to the latest entry and follow it
  /view               print the visible part of the transcript
  /room join|leave R U
  /quit`

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "chat server websocket url")
	name := flag.String("name", "", "display name")
	height := flag.Int("lines", 20, "transcript lines shown by /view")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s := session.New(session.Options{Logger: logger, ViewportHeight: *height})
	out := &printer{s: s}
	s.OnChange(out.flush)

	ctx := context.Background()
	if err := s.Connect(ctx, *url); err != nil {
		color.Error.Println(err)
		os.Exit(1)
	}
	defer s.Close()
	go out.signals()

	in := bufio.NewScanner(os.Stdin)
	for s.State() == session.NotJoined {
		if *name == "" {
			fmt.Print("display name: ")
			if !in.Scan() {
				return
			}
			*name = in.Text()
		}
		if err := s.Join(*name); err != nil {
			color.Warn.Println(err)
			*name = ""
		}
	}
	fmt.Println(help)

	for in.Scan() {
		if s.State() == session.Disconnected {
			color.Error.Println("connection lost")
			return
		}
		if quit := command(s, in.Text()); quit {
			return
		}
	}
}

// command runs one input line and reports whether the client should exit.
func command(s *session.Session, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		s.SetText(line)
		report(s.Send())
		return false
	}

	arg := func(i int) int {
		if len(fields) <= i {
			return 1
		}
		n, err := strconv.Atoi(fields[i])
		if err != nil {
			return 1
		}
		return n
	}

	switch fields[0] {
	case "/quit":
		return true
	case "/reply":
		if len(fields) < 2 {
			report(session.ErrNoSuchEntry)
			break
		}
		report(s.SelectReply(arg(1)))
		if d := s.Draft(); d.ReplyTo != nil {
			fmt.Printf("replying to %s: %s\n", d.ReplyTo.User, d.ReplyTo.Message)
		}
	case "/noreply":
		s.ClearReply()
	case "/up":
		s.ScrollBy(-arg(1))
		view(s)
	case "/down":
		s.ScrollBy(arg(1))
		view(s)
	case "/latest":
		s.ScrollToLatest()
		view(s)
	case "/view":
		view(s)
	case "/room":
		if len(fields) != 4 {
			fmt.Println(help)
			break
		}
		if fields[1] == "leave" {
			report(s.LeaveRoom(fields[2], fields[3]))
		} else {
			report(s.JoinRoom(fields[2], fields[3]))
		}
	default:
		fmt.Println(help)
	}
	return false
}

func view(s *session.Session) {
	entries, top := s.Visible()
	for i, e := range entries {
		fmt.Println(renderEntry(top+i, e))
	}
}

func report(err error) {
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrEmptyMessage):
	default:
		color.Warn.Println(err)
	}
}

// printer echoes new transcript entries and server errors as they arrive.
type printer struct {
	s       *session.Session
	mu      sync.Mutex
	printed int
	lastErr *protocol.ErrorPayload
}

func (p *printer) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ; p.printed < p.s.Len(); p.printed++ {
		if e, ok := p.s.Entry(p.printed); ok {
			fmt.Println(renderEntry(p.printed, e))
		}
	}
	if e := p.s.LastError(); e != nil && e != p.lastErr {
		p.lastErr = e
		fmt.Println(renderError(e))
	}
}

func (p *printer) signals() {
	for env := range p.s.Signals() {
		p.mu.Lock()
		fmt.Println(renderSignal(env))
		p.mu.Unlock()
	}
}
