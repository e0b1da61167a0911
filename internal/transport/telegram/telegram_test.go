package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"github.com/koorzenb/announcement-scheduler/internal/delivery"
	logx "github.com/koorzenb/announcement-scheduler/pkg/logx"
)

type fakeBot struct {
	mu       sync.Mutex
	sent     []string
	failures int
	chatErr  error
}

func (b *fakeBot) Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return nil, errors.New("flood wait")
	}
	b.sent = append(b.sent, what.(string))
	return &tele.Message{ID: len(b.sent)}, nil
}

func (b *fakeBot) ChatByID(id int64) (*tele.Chat, error) {
	if b.chatErr != nil {
		return nil, b.chatErr
	}
	return &tele.Chat{ID: id}, nil
}

func testSender(b *fakeBot, retries int) *Sender {
	return newSender(Config{ChatID: 42, RatePerSec: 100, RetryMax: retries, RetryBase: time.Millisecond}, b, logx.Nop())
}

func TestSendFormatsTitle(t *testing.T) {
	b := &fakeBot{}
	s := testSender(b, 0)
	err := s.Send(context.Background(), 1, delivery.Payload{Content: "Standup in 5", Metadata: map[string]any{"title": "Team"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Team\n\nStandup in 5"}, b.sent)
}

func TestSendRetries(t *testing.T) {
	b := &fakeBot{failures: 2}
	require.NoError(t, testSender(b, 2).Send(context.Background(), 1, delivery.Payload{Content: "hi"}))
	assert.Len(t, b.sent, 1)

	b = &fakeBot{failures: 3}
	err := testSender(b, 2).Send(context.Background(), 7, delivery.Payload{Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "announcement 7")
}

func TestHasPermission(t *testing.T) {
	assert.True(t, testSender(&fakeBot{}, 0).HasPermission(context.Background()))
	assert.False(t, testSender(&fakeBot{chatErr: errors.New("chat not found")}, 0).HasPermission(context.Background()))
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10))

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	assert.Equal(t, []string{strings.Repeat("a", 8), strings.Repeat("b", 8)}, splitText(long, 10))

	chunks := splitText(strings.Repeat("x", 25), 10)
	assert.Equal(t, []int{10, 10, 5}, []int{len(chunks[0]), len(chunks[1]), len(chunks[2])})
}

func TestNewRequiresTokenAndChat(t *testing.T) {
	_, err := New(Config{ChatID: 1}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "x"}, logx.Nop())
	assert.Error(t, err)
}
