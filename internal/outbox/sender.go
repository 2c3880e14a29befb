package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pkruglov/phantom/internal/store"
	"github.com/pkruglov/phantom/internal/transport"
	"go.uber.org/zap"
)

// FailureMarker closes the retry window of a message that never got
// acknowledged. Implemented by the delivery tracker.
type FailureMarker interface {
	MarkFailed(messageID string, cause error) error
}

// Config tunes the retry loop.
type Config struct {
	MaxAttempts   int
	RetryInterval time.Duration
	PollInterval  time.Duration
	BatchSize     int
}

// DefaultConfig matches the daemon defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   5,
		RetryInterval: 10 * time.Second,
		PollInterval:  500 * time.Millisecond,
		BatchSize:     50,
	}
}

// Sender drains pending messages and dispatches them over the relay
// channel. A message stays pending until the relay acknowledges it with a
// status frame; the sender only retries and, past the attempt budget,
// gives up.
type Sender struct {
	db      *store.DB
	channel transport.Channel
	failed  FailureMarker
	cfg     Config
	logger  *zap.Logger
	cancel  context.CancelFunc
}

// NewSender creates an outbox sender.
func NewSender(db *store.DB, channel transport.Channel, failed FailureMarker, cfg Config, logger *zap.Logger) *Sender {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Sender{
		db:      db,
		channel: channel,
		failed:  failed,
		cfg:     cfg,
		logger:  logger,
	}
}

// Start begins polling for pending messages.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.RetryInterval).UnixMilli()
	pending, err := s.db.PendingMessages(cutoff, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("failed to read pending messages", zap.Error(err))
		return
	}

	for _, m := range pending {
		if ctx.Err() != nil {
			return
		}
		s.dispatch(ctx, &m)
	}
}

func (s *Sender) dispatch(ctx context.Context, m *store.Message) {
	if m.Attempts >= s.cfg.MaxAttempts {
		cause := fmt.Errorf("gave up after %d attempts", m.Attempts)
		if err := s.failed.MarkFailed(m.ID, cause); err != nil {
			s.logger.Error("failed to mark message failed", zap.Error(err), zap.String("msg_id", m.ID))
		}
		return
	}

	env := &transport.Envelope{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Cipher:     m.Cipher,
		IV:         m.IV,
		Timestamp:  m.Timestamp,
	}
	err := s.channel.SendMessage(ctx, env)
	switch {
	case errors.Is(err, transport.ErrUnavailable):
		// An unavailable relay still consumes retry budget; the window is
		// bounded by wall clock, so a message cannot stay pending forever
		// while disconnected.
		s.logger.Debug("relay unavailable", zap.String("msg_id", m.ID))
	case err != nil:
		s.logger.Error("failed to dispatch message", zap.Error(err), zap.String("msg_id", m.ID))
	}

	if err := s.db.RecordSendAttempt(m.ID, time.Now().UnixMilli()); err != nil {
		s.logger.Error("failed to record send attempt", zap.Error(err), zap.String("msg_id", m.ID))
	}
}
