package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// catchUpDays is how many days before the retention cutoff each run
// revisits, so days missed while the worker was down are still exported.
const catchUpDays = 7

// Archiver exports settled ledger history to cold storage on a cron schedule.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	now           func() time.Time
	trigger       <-chan struct{}
	logger        *slog.Logger
}

func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger.With(slog.String("component", "archiver")),
	}
}

// WithTrigger makes RunCron also run once whenever ch receives.
func (a *Archiver) WithTrigger(ch <-chan struct{}) *Archiver {
	a.trigger = ch
	return a
}

// Run exports every day in the catch-up window that ends at the retention
// cutoff. Days already archived are skipped by the blob archiver.
func (a *Archiver) Run(ctx context.Context) error {
	cutoff := a.now().Add(-time.Duration(a.retentionDays) * 24 * time.Hour).Truncate(24 * time.Hour)
	a.logger.InfoContext(ctx, "starting archive run", slog.Time("cutoff", cutoff))

	var txTotal, repTotal int64
	for i := catchUpDays; i >= 1; i-- {
		day := cutoff.Add(-time.Duration(i) * 24 * time.Hour)

		n, err := a.blobArchiver.ArchiveTransactions(ctx, day)
		if err != nil {
			return fmt.Errorf("archiving transactions for %s: %w", day.Format(time.DateOnly), err)
		}
		txTotal += n

		n, err = a.blobArchiver.ArchiveRepayments(ctx, day)
		if err != nil {
			return fmt.Errorf("archiving repayments for %s: %w", day.Format(time.DateOnly), err)
		}
		repTotal += n
	}

	a.logger.InfoContext(ctx, "archive run complete",
		slog.Int64("transactions_archived", txTotal),
		slog.Int64("repayments_archived", repTotal),
	)
	return nil
}

// RunCron runs the archiver on a 5-field cron schedule
// ("minute hour day-of-month month day-of-week", UTC) until ctx ends.
func (a *Archiver) RunCron(ctx context.Context, cronExpr string) error {
	cron, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	a.logger.InfoContext(ctx, "archiver cron started", slog.String("cron", cronExpr))

	for {
		next, err := cron.next(a.now())
		if err != nil {
			return err
		}
		wait := time.Until(next)
		a.logger.DebugContext(ctx, "archiver waiting", slog.Time("next_run", next), slog.Duration("wait", wait))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-a.trigger:
			timer.Stop()
			a.logger.InfoContext(ctx, "archive run triggered")
		case <-timer.C:
		}
		if err := a.Run(ctx); err != nil {
			a.logger.ErrorContext(ctx, "archive run failed", slog.String("error", err.Error()))
		}
	}
}

// cronField matches one field of a cron expression.
type cronField struct {
	wildcard bool
	step     int
	values   []int
}

func (f cronField) matches(val int) bool {
	if f.wildcard {
		return f.step <= 1 || val%f.step == 0
	}
	for _, v := range f.values {
		if v == val {
			return true
		}
	}
	return false
}

// parseCronField accepts "*", "*/n", "a-b" and comma lists of those.
func parseCronField(field string) (cronField, error) {
	if field == "*" {
		return cronField{wildcard: true}, nil
	}
	if rest, ok := strings.CutPrefix(field, "*/"); ok {
		step, err := strconv.Atoi(rest)
		if err != nil || step < 1 {
			return cronField{}, fmt.Errorf("invalid cron step %q", field)
		}
		return cronField{wildcard: true, step: step}, nil
	}

	var values []int
	for _, p := range strings.Split(field, ",") {
		p = strings.TrimSpace(p)
		if lo, hi, ok := strings.Cut(p, "-"); ok {
			from, err1 := strconv.Atoi(lo)
			to, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || from > to {
				return cronField{}, fmt.Errorf("invalid cron range %q", p)
			}
			for v := from; v <= to; v++ {
				values = append(values, v)
			}
			continue
		}
		v, err := strconv.Atoi(p)
		if err != nil {
			return cronField{}, fmt.Errorf("invalid cron field value %q: %w", p, err)
		}
		values = append(values, v)
	}
	return cronField{values: values}, nil
}

type parsedCron struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

func (c parsedCron) matchesTime(t time.Time) bool {
	return c.minute.matches(t.Minute()) &&
		c.hour.matches(t.Hour()) &&
		c.dayOfMonth.matches(t.Day()) &&
		c.month.matches(int(t.Month())) &&
		c.dayOfWeek.matches(int(t.Weekday()))
}

func parseCron(expr string) (parsedCron, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return parsedCron{}, fmt.Errorf("cron expression must have 5 fields, got %d", len(fields))
	}
	names := [5]string{"minute", "hour", "day-of-month", "month", "day-of-week"}
	var parsed [5]cronField
	for i, f := range fields {
		cf, err := parseCronField(f)
		if err != nil {
			return parsedCron{}, fmt.Errorf("parsing %s field: %w", names[i], err)
		}
		parsed[i] = cf
	}
	return parsedCron{
		minute:     parsed[0],
		hour:       parsed[1],
		dayOfMonth: parsed[2],
		month:      parsed[3],
		dayOfWeek:  parsed[4],
	}, nil
}

// next returns the first matching minute after after, searching one year.
func (c parsedCron) next(after time.Time) (time.Time, error) {
	candidate := after.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.matchesTime(candidate) {
			return candidate, nil
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no matching cron time within one year")
}
