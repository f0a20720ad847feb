// Package memory provides in-process implementations of the domain stores.
// They back the "memory" storage mode and the service tests. All returned
// values are deep copies, so callers may mutate them freely.
package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/gasrelay/internal/domain"
)

// DB holds every table behind a single lock, which makes LedgerCommit
// trivially atomic.
type DB struct {
	mu sync.RWMutex

	accounts   map[string]domain.Account
	escrows    map[string]domain.EscrowAccount
	entries    []domain.LedgerEntry
	entryKeys  map[string]int64
	loans      map[string]domain.Loan
	permitKeys map[string]string
	txs        map[string]domain.TransactionRecord
	positions  map[string]domain.StakingPosition
	rewards    map[string][]domain.Reward
	repayments []domain.Repayment
	audit      []domain.AuditEntry

	nextEntryID int64
	nextRepayID int64
	nextAuditID int64

	failApply error
}

// New returns an empty database.
func New() *DB {
	return &DB{
		accounts:   make(map[string]domain.Account),
		escrows:    make(map[string]domain.EscrowAccount),
		entryKeys:  make(map[string]int64),
		loans:      make(map[string]domain.Loan),
		permitKeys: make(map[string]string),
		txs:        make(map[string]domain.TransactionRecord),
		positions:  make(map[string]domain.StakingPosition),
		rewards:    make(map[string][]domain.Reward),
	}
}

// FailNextApply makes the next EscrowStore.Apply return err without writing.
func (db *DB) FailNextApply(err error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.failApply = err
}

// Store accessors.
func (db *DB) Accounts() domain.AccountStore { return accountStore{db} }
func (db *DB) Escrow() domain.EscrowStore { return escrowStore{db} }
func (db *DB) Loans() domain.LoanStore { return loanStore{db} }
func (db *DB) Transactions() domain.TransactionStore { return txStore{db} }
func (db *DB) Staking() domain.StakingStore { return stakingStore{db} }
func (db *DB) Repayments() domain.RepaymentStore { return repaymentStore{db} }
func (db *DB) Audit() domain.AuditStore { return auditStore{db} }

// ---------------------------------------------------------------------------
// accounts
// ---------------------------------------------------------------------------

type accountStore struct{ db *DB }

func (s accountStore) Get(_ context.Context, ref domain.AccountRef) (domain.Account, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	a, ok := s.db.accounts[ref.String()]
	if !ok {
		return domain.Account{}, domain.ErrNotFound
	}
	return copyAccount(a), nil
}

func (s accountStore) Upsert(_ context.Context, a domain.Account) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.accounts[a.Ref.String()] = copyAccount(a)
	return nil
}

// ---------------------------------------------------------------------------
// escrow + ledger entries
// ---------------------------------------------------------------------------

type escrowStore struct{ db *DB }

func (s escrowStore) Get(_ context.Context, ref domain.AccountRef) (domain.EscrowAccount, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	e, ok := s.db.escrows[ref.String()]
	if !ok {
		return domain.EscrowAccount{}, domain.ErrNotFound
	}
	return e.Clone(), nil
}

func (s escrowStore) Apply(_ context.Context, c domain.LedgerCommit) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()

	if err := s.db.failApply; err != nil {
		s.db.failApply = nil
		return err
	}

	key := c.Escrow.Ref.String()
	current, exists := s.db.escrows[key]
	currentVersion := int64(0)
	if exists {
		currentVersion = current.Version
	}
	if currentVersion != c.ExpectedVersion {
		return domain.ErrStaleVersion
	}
	for _, e := range c.Entries {
		if e.Ref == "" {
			continue
		}
		if _, dup := s.db.entryKeys[entryKey(e.Kind, e.Ref)]; dup {
			return domain.ErrAlreadyExists
		}
	}

	s.db.escrows[key] = c.Escrow.Clone()
	if c.Account != nil {
		s.db.accounts[key] = copyAccount(*c.Account)
	}
	for _, e := range c.Entries {
		s.db.nextEntryID++
		e.ID = s.db.nextEntryID
		if e.Ref != "" {
			s.db.entryKeys[entryKey(e.Kind, e.Ref)] = e.ID
		}
		s.db.entries = append(s.db.entries, copyEntry(e))
	}
	return nil
}

func (s escrowStore) FindEntry(_ context.Context, kind domain.LedgerEntryKind, ref string) (domain.LedgerEntry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	id, ok := s.db.entryKeys[entryKey(kind, ref)]
	if !ok {
		return domain.LedgerEntry{}, domain.ErrNotFound
	}
	for _, e := range s.db.entries {
		if e.ID == id {
			return copyEntry(e), nil
		}
	}
	return domain.LedgerEntry{}, domain.ErrNotFound
}

func (s escrowStore) ListEntries(_ context.Context, acct domain.AccountRef, opts domain.ListOpts) ([]domain.LedgerEntry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.LedgerEntry
	for _, e := range s.db.entries {
		if e.Account == acct && inWindow(e.CreatedAt, opts) {
			out = append(out, copyEntry(e))
		}
	}
	return paginate(out, opts), nil
}

func (s escrowStore) ListOverdue(_ context.Context, now time.Time, limit int) ([]domain.EscrowAccount, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.EscrowAccount
	for _, e := range s.db.escrows {
		if e.OutstandingDebt.Sign() > 0 && e.DebtDueAt != nil && !e.DebtDueAt.After(now) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DebtDueAt.Before(*out[j].DebtDueAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func entryKey(kind domain.LedgerEntryKind, ref string) string {
	return string(kind) + "|" + ref
}

// ---------------------------------------------------------------------------
// loans
// ---------------------------------------------------------------------------

type loanStore struct{ db *DB }

func (s loanStore) Create(_ context.Context, l domain.Loan) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.loans[l.ID]; ok {
		return domain.ErrAlreadyExists
	}
	pk := l.PermitKey()
	if _, ok := s.db.permitKeys[pk]; ok {
		return domain.ErrAlreadyExists
	}
	s.db.permitKeys[pk] = l.ID
	s.db.loans[l.ID] = copyLoan(l)
	return nil
}

func (s loanStore) Update(_ context.Context, l domain.Loan) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.loans[l.ID]; !ok {
		return domain.ErrNotFound
	}
	s.db.loans[l.ID] = copyLoan(l)
	return nil
}

func (s loanStore) GetByID(_ context.Context, id string) (domain.Loan, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	l, ok := s.db.loans[id]
	if !ok {
		return domain.Loan{}, domain.ErrNotFound
	}
	return copyLoan(l), nil
}

func (s loanStore) ListByAccount(_ context.Context, acct domain.AccountRef, opts domain.ListOpts) ([]domain.Loan, error) {
	return s.list(func(l domain.Loan) bool { return l.Account == acct }, opts), nil
}

func (s loanStore) ListByStatus(_ context.Context, status domain.LoanStatus, opts domain.ListOpts) ([]domain.Loan, error) {
	return s.list(func(l domain.Loan) bool { return l.Status == status }, opts), nil
}

func (s loanStore) list(match func(domain.Loan) bool, opts domain.ListOpts) []domain.Loan {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Loan
	for _, l := range s.db.loans {
		if match(l) && inWindow(l.CreatedAt, opts) {
			out = append(out, copyLoan(l))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return paginate(out, opts)
}

// ---------------------------------------------------------------------------
// transaction records
// ---------------------------------------------------------------------------

type txStore struct{ db *DB }

func (s txStore) Create(_ context.Context, r domain.TransactionRecord) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.txs[r.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.db.txs[r.ID] = copyTx(r)
	return nil
}

func (s txStore) UpdateStatus(_ context.Context, id string, status domain.TxStatus, txHash string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r, ok := s.db.txs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status.Terminal() {
		return domain.Wrapf(domain.ErrInvalidTransition, "transaction %s is %s", id, r.Status)
	}
	r.Status = status
	if txHash != "" {
		r.TxHash = txHash
	}
	r.UpdatedAt = time.Now().UTC()
	s.db.txs[id] = r
	return nil
}

func (s txStore) GetByID(_ context.Context, id string) (domain.TransactionRecord, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	r, ok := s.db.txs[id]
	if !ok {
		return domain.TransactionRecord{}, domain.ErrNotFound
	}
	return copyTx(r), nil
}

func (s txStore) ListByLoan(_ context.Context, loanID string) ([]domain.TransactionRecord, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.TransactionRecord
	for _, r := range s.db.txs {
		if r.LoanID == loanID {
			out = append(out, copyTx(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s txStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.TransactionRecord, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.TransactionRecord
	for _, r := range s.db.txs {
		if r.Status.Terminal() && r.UpdatedAt.Before(before) {
			out = append(out, copyTx(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// staking positions + rewards
// ---------------------------------------------------------------------------

type stakingStore struct{ db *DB }

func (s stakingStore) Create(_ context.Context, p domain.StakingPosition) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.positions[p.ID]; ok {
		return domain.ErrAlreadyExists
	}
	for _, other := range s.db.positions {
		if other.LoanID == p.LoanID && other.Status.Active() {
			return domain.ErrAlreadyExists
		}
	}
	s.db.positions[p.ID] = copyPosition(p)
	return nil
}

func (s stakingStore) Update(_ context.Context, p domain.StakingPosition) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.positions[p.ID]; !ok {
		return domain.ErrNotFound
	}
	s.db.positions[p.ID] = copyPosition(p)
	return nil
}

func (s stakingStore) GetByID(_ context.Context, id string) (domain.StakingPosition, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	p, ok := s.db.positions[id]
	if !ok {
		return domain.StakingPosition{}, domain.ErrNotFound
	}
	return copyPosition(p), nil
}

func (s stakingStore) GetByLoan(_ context.Context, loanID string) (domain.StakingPosition, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var (
		best  domain.StakingPosition
		found bool
	)
	for _, p := range s.db.positions {
		if p.LoanID != loanID {
			continue
		}
		if !found || p.CreatedAt.After(best.CreatedAt) {
			best, found = p, true
		}
	}
	if !found {
		return domain.StakingPosition{}, domain.ErrNotFound
	}
	return copyPosition(best), nil
}

func (s stakingStore) ListByStatus(_ context.Context, status domain.StakingStatus, opts domain.ListOpts) ([]domain.StakingPosition, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.StakingPosition
	for _, p := range s.db.positions {
		if p.Status == status && inWindow(p.CreatedAt, opts) {
			out = append(out, copyPosition(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return paginate(out, opts), nil
}

func (s stakingStore) AddReward(_ context.Context, r domain.Reward) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	r.Amount = cloneInt(r.Amount)
	s.db.rewards[r.PositionID] = append(s.db.rewards[r.PositionID], r)
	return nil
}

func (s stakingStore) ListRewards(_ context.Context, positionID string) ([]domain.Reward, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	src := s.db.rewards[positionID]
	out := make([]domain.Reward, len(src))
	for i, r := range src {
		r.Amount = cloneInt(r.Amount)
		out[i] = r
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// repayments
// ---------------------------------------------------------------------------

type repaymentStore struct{ db *DB }

func (s repaymentStore) Create(_ context.Context, r domain.Repayment) (domain.Repayment, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.nextRepayID++
	r.ID = s.db.nextRepayID
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.db.repayments = append(s.db.repayments, copyRepayment(r))
	return copyRepayment(r), nil
}

func (s repaymentStore) Latest(_ context.Context, acct domain.AccountRef) (domain.Repayment, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var (
		best  domain.Repayment
		found bool
	)
	for _, r := range s.db.repayments {
		if r.Account != acct {
			continue
		}
		if !found || r.CreatedAt.After(best.CreatedAt) ||
			(r.CreatedAt.Equal(best.CreatedAt) && r.ID > best.ID) {
			best, found = r, true
		}
	}
	if !found {
		return domain.Repayment{}, domain.ErrNotFound
	}
	return copyRepayment(best), nil
}

func (s repaymentStore) ListBefore(_ context.Context, before time.Time) ([]domain.Repayment, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	var out []domain.Repayment
	for _, r := range s.db.repayments {
		if r.CreatedAt.Before(before) {
			out = append(out, copyRepayment(r))
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// audit
// ---------------------------------------------------------------------------

type auditStore struct{ db *DB }

func (s auditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.nextAuditID++
	s.db.audit = append(s.db.audit, domain.AuditEntry{
		ID:        s.db.nextAuditID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s auditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.db.mu.RLock()
	defer s.db.mu.RUnlock()
	out := make([]domain.AuditEntry, 0, len(s.db.audit))
	for i := len(s.db.audit) - 1; i >= 0; i-- {
		if inWindow(s.db.audit[i].CreatedAt, opts) {
			out = append(out, s.db.audit[i])
		}
	}
	return paginate(out, opts), nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func inWindow(t time.Time, opts domain.ListOpts) bool {
	if opts.Since != nil && t.Before(*opts.Since) {
		return false
	}
	if opts.Until != nil && !t.Before(*opts.Until) {
		return false
	}
	return true
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyAccount(a domain.Account) domain.Account {
	a.BlacklistUntil = cloneTime(a.BlacklistUntil)
	return a
}

func copyEntry(e domain.LedgerEntry) domain.LedgerEntry {
	e.Amount = cloneInt(e.Amount)
	e.EscrowBefore = cloneInt(e.EscrowBefore)
	e.EscrowAfter = cloneInt(e.EscrowAfter)
	e.DebtBefore = cloneInt(e.DebtBefore)
	e.DebtAfter = cloneInt(e.DebtAfter)
	return e
}

func copyLoan(l domain.Loan) domain.Loan {
	l.SourceAmount = cloneInt(l.SourceAmount)
	l.PermitNonce = cloneInt(l.PermitNonce)
	l.Proceeds = cloneInt(l.Proceeds)
	l.GasCost = cloneInt(l.GasCost)
	l.ServiceFee = cloneInt(l.ServiceFee)
	l.AmountOwed = cloneInt(l.AmountOwed)
	l.CompletedAt = cloneTime(l.CompletedAt)
	return l
}

func copyTx(r domain.TransactionRecord) domain.TransactionRecord {
	r.Amount = cloneInt(r.Amount)
	if r.Detail != nil {
		d := make(map[string]any, len(r.Detail))
		for k, v := range r.Detail {
			d[k] = v
		}
		r.Detail = d
	}
	return r
}

func copyPosition(p domain.StakingPosition) domain.StakingPosition {
	p.StakedAmount = cloneInt(p.StakedAmount)
	p.RewardsAccrued = cloneInt(p.RewardsAccrued)
	p.StakedAt = cloneTime(p.StakedAt)
	return p
}

func copyRepayment(r domain.Repayment) domain.Repayment {
	r.Amount = cloneInt(r.Amount)
	r.Applied = cloneInt(r.Applied)
	r.NewOutstandingDebt = cloneInt(r.NewOutstandingDebt)
	r.RemainingBalance = cloneInt(r.RemainingBalance)
	return r
}
