// Package notify forwards loan lifecycle events to operator chat channels.
// Events arrive on the signal bus, are filtered by type, collapsed when the
// same alert repeats within a short window, and dispatched to every
// configured Sender.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches alerts to one or more Senders. Only events whose type
// is in the allowed set are forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[domain.EventType]bool
	dedup   *dedup
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. Identical alerts within quiet are sent once.
func NewNotifier(senders []Sender, events []string, quiet time.Duration, logger *slog.Logger) *Notifier {
	allowed := make(map[domain.EventType]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[domain.EventType(e)] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		dedup:   newDedup(quiet),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// Notify formats evt and sends it when its type is allowed and it is not a
// repeat of a recent alert.
func (n *Notifier) Notify(ctx context.Context, evt domain.Event) error {
	if len(n.events) > 0 && !n.events[evt.Type] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", string(evt.Type)))
		return nil
	}
	if n.dedup.seen(alertKey(evt)) {
		n.logger.DebugContext(ctx, "duplicate alert suppressed", slog.String("event", string(evt.Type)))
		return nil
	}
	title, message := Format(evt)
	return n.dispatch(ctx, title, message)
}

// Run subscribes to every lifecycle channel and notifies until ctx ends.
func (n *Notifier) Run(ctx context.Context, bus domain.SignalBus) error {
	channels := []string{domain.ChannelLoans, domain.ChannelStaking, domain.ChannelLedger}
	var wg sync.WaitGroup
	for _, ch := range channels {
		sub, err := bus.Subscribe(ctx, ch)
		if err != nil {
			return fmt.Errorf("notify: subscribe %s: %w", ch, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.consume(ctx, sub)
		}()
	}

	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-cleanup.C:
			n.dedup.cleanup()
		}
	}
}

func (n *Notifier) consume(ctx context.Context, sub <-chan []byte) {
	for raw := range sub {
		var evt domain.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			n.logger.WarnContext(ctx, "undecodable event", slog.String("error", err.Error()))
			continue
		}
		if err := n.Notify(ctx, evt); err != nil {
			n.logger.WarnContext(ctx, "notify failed", slog.String("event", string(evt.Type)), slog.String("error", err.Error()))
		}
	}
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the rest; failures are returned combined.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	if len(n.senders) == 0 {
		return nil
	}

	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}

	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}

// Format renders an event as an alert title and body.
func Format(evt domain.Event) (string, string) {
	title := strings.ReplaceAll(string(evt.Type), "_", " ")
	var b strings.Builder
	if evt.Account != "" {
		fmt.Fprintf(&b, "account: %s\n", evt.Account)
	}
	if evt.LoanID != "" {
		fmt.Fprintf(&b, "loan: %s\n", evt.LoanID)
	}
	keys := make([]string, 0, len(evt.Detail))
	for k := range evt.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, evt.Detail[k])
	}
	return title, strings.TrimRight(b.String(), "\n")
}

func alertKey(evt domain.Event) string {
	return string(evt.Type) + "|" + evt.Account + "|" + evt.LoanID
}

// dedup remembers alert keys for ttl.
type dedup struct {
	mu     sync.Mutex
	seenAt map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

func newDedup(ttl time.Duration) *dedup {
	return &dedup{seenAt: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// seen records key and reports whether it was already recorded within ttl.
func (d *dedup) seen(key string) bool {
	if d.ttl <= 0 {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if last, ok := d.seenAt[key]; ok && now.Sub(last) < d.ttl {
		return true
	}
	d.seenAt[key] = now
	return false
}

func (d *dedup) cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	for k, ts := range d.seenAt {
		if now.Sub(ts) >= d.ttl {
			delete(d.seenAt, k)
		}
	}
}
