// Package telegram delivers announcements to one Telegram chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"github.com/koorzenb/announcement-scheduler/internal/delivery"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

type Config struct {
	Token       string
	ChatID      int64
	ThreadID    int // forum topic thread id (0 if none)
	ParseMode   string
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	SendTimeout time.Duration
}

// bot is the slice of *tele.Bot the sender uses.
type bot interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
	ChatByID(id int64) (*tele.Chat, error)
}

// Sender implements delivery.Sender and delivery.Gate for a single chat.
type Sender struct {
	cfg     Config
	bot     bot
	limiter *rate.Limiter
	log     logx.Logger
}

// New connects to the Bot API (validating the token) and returns a Sender.
func New(cfg Config, log logx.Logger) (*Sender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token})
	if err != nil {
		return nil, err
	}
	return newSender(cfg, b, log), nil
}

func newSender(cfg Config, b bot, log logx.Logger) *Sender {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sender{
		cfg: cfg,
		bot: b,
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		log:     log.With(logx.String("comp", "telegram")),
	}
}

var _ delivery.Sender = (*Sender)(nil)
var _ delivery.Gate = (*Sender)(nil)

// HasPermission reports whether the bot can see the configured chat.
func (s *Sender) HasPermission(ctx context.Context) bool {
	if _, err := s.bot.ChatByID(s.cfg.ChatID); err != nil {
		s.log.Warn("chat not accessible", logx.Int64("chat_id", s.cfg.ChatID), logx.Err(err))
		return false
	}
	return true
}

// Send posts the announcement, splitting long text and retrying with backoff.
func (s *Sender) Send(ctx context.Context, id int64, p delivery.Payload) error {
	text := formatText(p)
	if text == "" {
		return nil
	}
	chat := &tele.Chat{ID: s.cfg.ChatID}
	opts := &tele.SendOptions{ParseMode: s.cfg.ParseMode, ThreadID: s.cfg.ThreadID}

	for _, chunk := range splitText(text, textLimit) {
		if err := s.sendChunk(ctx, chat, chunk, opts); err != nil {
			return fmt.Errorf("announcement %d: %w", id, err)
		}
	}
	s.log.Debug("announcement sent", logx.Int64("id", id))
	return nil
}

func (s *Sender) sendChunk(ctx context.Context, chat *tele.Chat, chunk string, opts *tele.SendOptions) error {
	attempts := 1 + s.cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := s.sendWithTimeout(ctx, chat, chunk, opts)
		if err == nil {
			return nil
		}
		lastErr = err
		s.log.Debug("send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(s.cfg.RetryBase, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
	return lastErr
}

// sendWithTimeout bounds one Bot API call; telebot itself takes no context.
func (s *Sender) sendWithTimeout(ctx context.Context, chat *tele.Chat, chunk string, opts *tele.SendOptions) (*tele.Message, error) {
	type result struct {
		msg *tele.Message
		err error
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	defer cancel()
	ch := make(chan result, 1)
	go func() {
		m, err := s.bot.Send(chat, chunk, opts)
		ch <- result{m, err}
	}()
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func formatText(p delivery.Payload) string {
	text := strings.TrimSpace(p.Content)
	if title, ok := p.Metadata["title"].(string); ok && strings.TrimSpace(title) != "" {
		text = strings.TrimSpace(title) + "\n\n" + text
	}
	return text
}

func retryDelay(base time.Duration, attempt int) time.Duration {
	const maxDelay = 10 * time.Second
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			d = maxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	return time.Duration(float64(d) * (0.7 + 0.6*rand.Float64()))
}

const textLimit = 4000

// splitText cuts s into chunks of at most limit runes, preferring newline
// boundaries that keep chunks above a third of the limit.
func splitText(s string, limit int) []string {
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
