package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"go-meet/internal/protocol"
	"go-meet/internal/session"
)

type stats struct {
	connected atomic.Int64
	sent      atomic.Int64
	received  atomic.Int64
	signals   atomic.Int64
	failed    atomic.Int64
}

func main() {
	url := flag.String("url", "ws://localhost:8080/ws", "chat server websocket url")
	pairs := flag.Int("pairs", 50, "number of user pairs; each pair shares a meeting room")
	msgCount := flag.Int("messages", 20, "chat messages per user")
	settle := flag.Duration("settle", 2*time.Second, "time to wait for deliveries after sending")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	logger.Info("🔥 STARTING STRESS TEST", "users", *pairs*2, "messages_each", *msgCount)

	var st stats
	start := time.Now()
	ctx := context.Background()
	var g errgroup.Group
	for i := 0; i < *pairs; i++ {
		i := i
		g.Go(func() error {
			return runPair(ctx, logger, &st, *url, i, *msgCount, *settle)
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("❌ Some pairs failed", "first_error", err, "failed", st.failed.Load())
	}

	logger.Info("✅ LOAD TEST COMPLETE",
		"elapsed", time.Since(start).Round(time.Millisecond),
		"connected", st.connected.Load(),
		"sent", st.sent.Load(),
		"received", st.received.Load(),
		"signals", st.signals.Load(),
		"failed", st.failed.Load(),
	)
}

// runPair connects two users into the chat and one meeting room, exchanges
// an offer and answer, then floods the chat from both sides.
func runPair(ctx context.Context, logger *slog.Logger, st *stats, url string, pairID, msgCount int, settle time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	room := fmt.Sprintf("room-%d", pairID)
	users := []string{fmt.Sprintf("u_%d_a", pairID), fmt.Sprintf("u_%d_b", pairID)}

	sessions := make([]*session.Session, 0, len(users))
	for _, name := range users {
		s := session.New(session.Options{Logger: logger})
		s.OnChange(func() {})
		if err := s.Connect(ctx, url); err != nil {
			logger.Error("❌ WS Connect Fail", "user", name, "error", err)
			st.failed.Add(1)
			return err
		}
		defer s.Close()
		st.connected.Add(1)
		if err := s.Join(name); err != nil {
			logger.Error("❌ Join Fail", "user", name, "error", err)
			st.failed.Add(1)
			return err
		}
		if err := s.JoinRoom(room, name); err != nil {
			st.failed.Add(1)
			return err
		}
		sessions = append(sessions, s)
	}

	caller, callee := sessions[0], sessions[1]
	_ = caller.Signal(protocol.EventOffer, room, map[string]any{"sdp": "v=0 loadtest"})
	go drainSignals(ctx, callee, st, func(env protocol.Envelope) {
		if env.Event == protocol.EventOffer {
			_ = callee.Signal(protocol.EventAnswer, room, map[string]any{"sdp": "v=0 answer"})
		}
	})
	go drainSignals(ctx, caller, st, func(protocol.Envelope) {})

	var sends errgroup.Group
	for i, s := range sessions {
		i, s := i, s
		sends.Go(func() error {
			return spamChat(s, users[i], msgCount, st, logger)
		})
	}
	err := sends.Wait()

	time.Sleep(settle)
	for _, s := range sessions {
		st.received.Add(int64(s.Len()))
	}
	if err != nil {
		return fmt.Errorf("pair %d: %w", pairID, err)
	}
	return nil
}

func spamChat(s *session.Session, user string, msgCount int, st *stats, logger *slog.Logger) error {
	for i := 0; i < msgCount; i++ {
		s.SetText(fmt.Sprintf("LoadTest Msg %d from %s", i, user))
		if err := s.Send(); err != nil {
			logger.Error("❌ Send Fail", "user", user, "error", err)
			st.failed.Add(1)
			return err
		}
		st.sent.Add(1)
		// Small sleep to simulate a real network instead of a localhost burst.
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// drainSignals consumes room events until the pair is done.
func drainSignals(ctx context.Context, s *session.Session, st *stats, fn func(protocol.Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.Signals():
			st.signals.Add(1)
			fn(env)
		}
	}
}
