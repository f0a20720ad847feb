package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// Operator jobs, normally run by the worker pipeline.
type (
	OverdueSweeper interface {
		SweepOverdue(ctx context.Context, limit int) (int, error)
	}
	DueFinalizer interface {
		FinalizeDue(ctx context.Context) (int, error)
	}
	LedgerHistory interface {
		Entries(ctx context.Context, acct domain.AccountRef, opts domain.ListOpts) ([]domain.LedgerEntry, error)
	}
)

// AdminHandler serves operator endpoints behind the API key.
type AdminHandler struct {
	sweeper   OverdueSweeper
	finalizer DueFinalizer
	history   LedgerHistory
	wallets   Wallets
	errs      Errors
	mode      string
	startedAt time.Time
	archiveCh chan<- struct{} // when non-nil, sending triggers one archive run
	logger    *slog.Logger
}

// NewAdminHandler creates an AdminHandler for a process running in mode.
func NewAdminHandler(sweeper OverdueSweeper, finalizer DueFinalizer, history LedgerHistory, wallets Wallets, errs Errors, mode string, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		sweeper:   sweeper,
		finalizer: finalizer,
		history:   history,
		wallets:   wallets,
		errs:      errs,
		mode:      mode,
		startedAt: time.Now().UTC(),
		logger:    logger,
	}
}

// WithArchiveTrigger sets the channel to send on when an archive run is
// requested. The archiver must receive from this channel.
func (h *AdminHandler) WithArchiveTrigger(ch chan<- struct{}) *AdminHandler {
	h.archiveCh = ch
	return h
}

// SweepOverdue penalizes accounts whose debt is past due.
// POST /api/admin/sweep?limit=
func (h *AdminHandler) SweepOverdue(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	n, err := h.sweeper.SweepOverdue(r.Context(), limit)
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	h.logger.InfoContext(r.Context(), "handler: overdue sweep", slog.Int("penalized", n))
	writeJSON(w, http.StatusOK, map[string]any{"penalized": n})
}

// FinalizeDue settles every position whose lock period has ended.
// POST /api/admin/finalize
func (h *AdminHandler) FinalizeDue(w http.ResponseWriter, r *http.Request) {
	n, err := h.finalizer.FinalizeDue(r.Context())
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"finalized": n})
}

// TriggerArchive enqueues one archive run. The send is non-blocking, so
// repeated requests before the archiver picks one up collapse into one.
// POST /api/admin/archive
func (h *AdminHandler) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiveCh == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "archive_disabled", Message: "archiving is not enabled in this process"})
		return
	}
	h.logger.InfoContext(r.Context(), "handler: archive trigger requested")
	select {
	case h.archiveCh <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"requestedAt": time.Now().UTC().Format(time.RFC3339),
	})
}

// LedgerEntries returns the account's ledger history, newest first.
// GET /api/admin/ledger/{wallet}
func (h *AdminHandler) LedgerEntries(w http.ResponseWriter, r *http.Request) {
	acct, err := h.wallets.parse(r, "wallet")
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	entries, err := h.history.Entries(r.Context(), acct, parseListOpts(r))
	if err != nil {
		h.errs.write(w, r, err)
		return
	}
	out := make([]ledgerEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newLedgerEntryView(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// Status reports the process mode and uptime.
// GET /api/status
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":      h.mode,
		"startedAt": h.startedAt.Format(time.RFC3339),
		"uptime":    time.Since(h.startedAt).Truncate(time.Second).String(),
	})
}
