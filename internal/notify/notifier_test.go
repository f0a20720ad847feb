package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) Titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersAndDeduplicates(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, []string{"loan_failed", " bridge_failed "}, time.Minute, quietLogger())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, domain.Event{Type: domain.EventLoanFunded, LoanID: "a"}))
	require.NoError(t, n.Notify(ctx, domain.Event{Type: domain.EventLoanFailed, LoanID: "a"}))
	require.NoError(t, n.Notify(ctx, domain.Event{Type: domain.EventLoanFailed, LoanID: "a"}))
	require.NoError(t, n.Notify(ctx, domain.Event{Type: domain.EventLoanFailed, LoanID: "b"}))
	require.NoError(t, n.Notify(ctx, domain.Event{Type: domain.EventBridgeFailed, LoanID: "a"}))

	assert.Equal(t, []string{"loan failed", "loan failed", "bridge failed"}, rec.Titles())
}

func TestNotifierCombinesSenderErrors(t *testing.T) {
	ok := &recordingSender{}
	bad := &recordingSender{err: errors.New("boom")}
	n := NewNotifier([]Sender{bad, ok}, nil, 0, quietLogger())

	err := n.Notify(context.Background(), domain.Event{Type: domain.EventWithdrawn})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Len(t, ok.Titles(), 1, "remaining senders still receive the alert")
}

func TestFormat(t *testing.T) {
	title, body := Format(domain.Event{
		Type:    domain.EventLoanFailed,
		LoanID:  "loan-1",
		Account: "8453:0xabc",
		Detail:  map[string]any{"reason": "slippage", "code": "SLIPPAGE_EXCEEDED"},
	})
	assert.Equal(t, "loan failed", title)
	assert.Equal(t, "account: 8453:0xabc\nloan: loan-1\ncode: SLIPPAGE_EXCEEDED\nreason: slippage", body)
}

func TestRunConsumesBus(t *testing.T) {
	rec := &recordingSender{}
	n := NewNotifier([]Sender{rec}, nil, 0, quietLogger())
	bus := &chanBus{subs: make(map[string]chan []byte)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx, bus) }()

	require.Eventually(t, func() bool { return bus.subscribed() == 3 }, time.Second, 5*time.Millisecond)
	payload, err := json.Marshal(domain.Event{Type: domain.EventStaked, LoanID: "x"})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.ChannelStaking, payload))

	require.Eventually(t, func() bool { return len(rec.Titles()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestSendersPostJSON(t *testing.T) {
	var (
		mu   sync.Mutex
		got  []map[string]string
		path []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = append(got, body)
		path = append(path, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/fail" {
			http.Error(w, "nope", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tg := NewTelegramSender("tok", "42").WithBaseURL(srv.URL + "/")
	require.NoError(t, tg.Send(context.Background(), "loan failed", "details"))

	dc := NewDiscordSender(srv.URL + "/hook")
	require.NoError(t, dc.Send(context.Background(), "staked", "details"))

	err := NewDiscordSender(srv.URL+"/fail").Send(context.Background(), "x", "y")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "/bottok/sendMessage", path[0])
	assert.Equal(t, "42", got[0]["chat_id"])
	assert.Equal(t, "*loan failed*\ndetails", got[0]["text"])
	assert.Equal(t, "**staked**\ndetails", got[1]["content"])
}

// chanBus is a minimal domain.SignalBus for Run.
type chanBus struct {
	mu   sync.Mutex
	subs map[string]chan []byte
}

func (b *chanBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	ch := b.subs[channel]
	b.mu.Unlock()
	if ch != nil {
		ch <- payload
	}
	return nil
}

func (b *chanBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 8)
	b.mu.Lock()
	b.subs[channel] = ch
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, channel)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (b *chanBus) subscribed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
