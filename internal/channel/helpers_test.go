package channel

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"gltchgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// fakeRouter records every routed message and answers with reply or err.
type fakeRouter struct {
	mu    sync.Mutex
	reply string
	err   error
	got   []domain.IncomingMessage
}

func (r *fakeRouter) Route(_ context.Context, msg domain.IncomingMessage) (*domain.RouteReply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, msg)
	if r.err != nil {
		return nil, r.err
	}
	return &domain.RouteReply{Response: r.reply}, nil
}

func (r *fakeRouter) calls() []domain.IncomingMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.IncomingMessage(nil), r.got...)
}

var errAgentDown = errors.New("agent unreachable")

type sentText struct {
	target string
	text   string
}

// sendRecorder captures texts handed to a plugin's send seam.
type sendRecorder struct {
	mu   sync.Mutex
	sent []sentText
}

func (s *sendRecorder) record(target, text string) {
	s.mu.Lock()
	s.sent = append(s.sent, sentText{target: target, text: text})
	s.mu.Unlock()
}

func (s *sendRecorder) all() []sentText {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentText(nil), s.sent...)
}
