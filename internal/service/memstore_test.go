package service_test

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tutor-wallet-backend/internal/domain"
	"tutor-wallet-backend/internal/repository"
)

// memStore is a transactional in-memory repository.Store. Transactions run
// one at a time on a copy of the data that is swapped in on commit, which is
// what a serializable Postgres transaction guarantees to its callers.
type memStore struct {
	mu   sync.Mutex
	data *memData

	// serializationFailures makes the next n commits fail with ErrSerialization,
	// once passCommits further commits have gone through.
	serializationFailures int
	passCommits           int
	commits               int
}

type memData struct {
	wallets  map[domain.WalletOwnerRef]domain.Wallet
	entries  []domain.LedgerEntry
	payouts  map[int64]domain.PayoutRequest
	tasks    map[int64]domain.SettlementTask
	accounts map[int64]domain.BankAccount
	owners   map[domain.WalletOwnerRef]domain.OwnerProfile
	nextID   int64
}

func newMemStore() *memStore {
	return &memStore{data: &memData{
		wallets:  map[domain.WalletOwnerRef]domain.Wallet{},
		payouts:  map[int64]domain.PayoutRequest{},
		tasks:    map[int64]domain.SettlementTask{},
		accounts: map[int64]domain.BankAccount{},
		owners:   map[domain.WalletOwnerRef]domain.OwnerProfile{},
	}}
}

func (d *memData) clone() *memData {
	c := &memData{
		wallets:  maps.Clone(d.wallets),
		entries:  make([]domain.LedgerEntry, len(d.entries)),
		payouts:  make(map[int64]domain.PayoutRequest, len(d.payouts)),
		tasks:    maps.Clone(d.tasks),
		accounts: maps.Clone(d.accounts),
		owners:   maps.Clone(d.owners),
		nextID:   d.nextID,
	}
	copy(c.entries, d.entries)
	for id, p := range d.payouts {
		c.payouts[id] = copyPayout(p)
	}
	return c
}

func (d *memData) id() int64 {
	d.nextID++
	return d.nextID
}

func copyPayout(p domain.PayoutRequest) domain.PayoutRequest {
	p.Metadata = maps.Clone(p.Metadata)
	return p
}

// seed helpers

func (s *memStore) addOwner(owner domain.WalletOwnerRef, name string) {
	s.data.owners[owner] = domain.OwnerProfile{Owner: owner, DisplayName: name, Active: true}
}

// addWallet creates a wallet whose balance is backed by one successful credit.
func (s *memStore) addWallet(owner domain.WalletOwnerRef, balance string, currency string) {
	amount := decimal.RequireFromString(balance)
	s.data.wallets[owner] = domain.Wallet{Owner: owner, Balance: amount, Currency: currency}
	if amount.IsPositive() {
		s.data.entries = append(s.data.entries, domain.LedgerEntry{
			ID: s.data.id(), Owner: owner, Direction: domain.DirectionCredit, Amount: amount,
			Currency: currency, ServiceName: "Lesson Earnings", Reference: fmt.Sprintf("SEED-%s", owner),
			BalanceBefore: decimal.Zero, BalanceAfter: amount, Status: domain.EntryStatusSuccessful,
			Kind: domain.EntryKindTransaction, CreatedAt: time.Now().UTC(),
		})
	}
}

func (s *memStore) addAccount(owner domain.WalletOwnerRef, currency string, verified bool) int64 {
	id := s.data.id()
	s.data.accounts[id] = domain.BankAccount{
		ID: id, Owner: owner, BankCode: "058", AccountNumber: "0123456789", AccountName: "Ada Obi",
		Currency: currency, Verified: verified, IsDefault: true, CreatedAt: time.Now().UTC(),
	}
	return id
}

// setBalance overwrites the cached balance without a ledger entry.
func (s *memStore) setBalance(owner domain.WalletOwnerRef, balance string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.data.wallets[owner]
	w.Balance = decimal.RequireFromString(balance)
	s.data.wallets[owner] = w
}

// backdatePayout moves a payout's last update into the past.
func (s *memStore) backdatePayout(id int64, by time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.data.payouts[id]
	p.UpdatedAt = p.UpdatedAt.Add(-by)
	s.data.payouts[id] = p
}

func (s *memStore) wallet(owner domain.WalletOwnerRef) domain.Wallet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.wallets[owner]
}

func (s *memStore) payout(id int64) domain.PayoutRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyPayout(s.data.payouts[id])
}

func (s *memStore) entry(id int64) domain.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.entries[s.entryIndex(id)]
}

func (s *memStore) entryIndex(id int64) int {
	for i := range s.data.entries {
		if s.data.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *memStore) entriesFor(owner domain.WalletOwnerRef) []domain.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.LedgerEntry
	for _, e := range s.data.entries {
		if e.Owner == owner {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) taskFor(payoutID int64) domain.SettlementTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.data.tasks {
		if t.PayoutID == payoutID {
			return t
		}
	}
	return domain.SettlementTask{}
}

// failCommitsAfter lets the next pass commits through and then makes every
// transaction fail until n serialization failures have been spent.
func (s *memStore) failCommitsAfter(pass, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passCommits = pass
	s.serializationFailures = n
}

func (s *memStore) payoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data.payouts)
}

// repository.Store

func (s *memStore) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		work := s.data.clone()
		err = fn(ctx, memTx{r: memRepo{d: work}})
		if err == nil && s.passCommits == 0 && s.serializationFailures > 0 {
			s.serializationFailures--
			err = repository.ErrSerialization
		}
		if errors.Is(err, repository.ErrSerialization) {
			continue
		}
		if err == nil {
			s.data = work
			s.commits++
			if s.passCommits > 0 {
				s.passCommits--
			}
		}
		return err
	}
	return err
}

func (s *memStore) view() memRepo { return memRepo{s: s} }

func (s *memStore) Wallets() repository.WalletRepository           { return memWallets{s.view()} }
func (s *memStore) Ledger() repository.LedgerRepository            { return memLedger{s.view()} }
func (s *memStore) Payouts() repository.PayoutRepository           { return memPayouts{s.view()} }
func (s *memStore) Tasks() repository.TaskRepository               { return memTasks{s.view()} }
func (s *memStore) BankAccounts() repository.BankAccountRepository { return memAccounts{s.view()} }

func (s *memStore) ResolveOwner(ctx context.Context, owner domain.WalletOwnerRef) (*domain.OwnerProfile, error) {
	var out *domain.OwnerProfile
	err := s.view().do(func(d *memData) error {
		p, ok := d.owners[owner]
		if !ok {
			return repository.ErrNotFound
		}
		out = &p
		return nil
	})
	return out, err
}

type memTx struct{ r memRepo }

func (t memTx) Wallets() repository.WalletRepository           { return memWallets{t.r} }
func (t memTx) Ledger() repository.LedgerRepository            { return memLedger{t.r} }
func (t memTx) Payouts() repository.PayoutRepository           { return memPayouts{t.r} }
func (t memTx) Tasks() repository.TaskRepository               { return memTasks{t.r} }
func (t memTx) BankAccounts() repository.BankAccountRepository { return memAccounts{t.r} }

// memRepo works on a transaction's copy, or on the committed data under the
// store lock when used outside a transaction.
type memRepo struct {
	s *memStore
	d *memData
}

func (r memRepo) do(fn func(d *memData) error) error {
	if r.d != nil {
		return fn(r.d)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return fn(r.s.data)
}

type memWallets struct{ memRepo }

func (r memWallets) Create(ctx context.Context, w *domain.Wallet) error {
	return r.do(func(d *memData) error {
		if _, ok := d.wallets[w.Owner]; ok {
			return repository.ErrDuplicate
		}
		now := time.Now().UTC()
		w.CreatedAt, w.UpdatedAt = now, now
		d.wallets[w.Owner] = *w
		return nil
	})
}

func (r memWallets) GetByOwner(ctx context.Context, owner domain.WalletOwnerRef) (*domain.Wallet, error) {
	var out *domain.Wallet
	err := r.do(func(d *memData) error {
		w, ok := d.wallets[owner]
		if !ok {
			return repository.ErrNotFound
		}
		out = &w
		return nil
	})
	return out, err
}

func (r memWallets) GetForUpdate(ctx context.Context, owner domain.WalletOwnerRef) (*domain.Wallet, error) {
	return r.GetByOwner(ctx, owner)
}

func (r memWallets) UpdateBalance(ctx context.Context, owner domain.WalletOwnerRef, balance decimal.Decimal) error {
	return r.do(func(d *memData) error {
		w, ok := d.wallets[owner]
		if !ok {
			return repository.ErrNotFound
		}
		if balance.IsNegative() {
			return errors.New("wallets_balance_check violated")
		}
		w.Balance = balance
		d.wallets[owner] = w
		return nil
	})
}

func (r memWallets) AddLifetimePayout(ctx context.Context, owner domain.WalletOwnerRef, amount decimal.Decimal) error {
	return r.do(func(d *memData) error {
		w, ok := d.wallets[owner]
		if !ok {
			return repository.ErrNotFound
		}
		w.LifetimePayouts = w.LifetimePayouts.Add(amount)
		d.wallets[owner] = w
		return nil
	})
}

func (r memWallets) ListOwners(ctx context.Context, limit, offset int) ([]domain.WalletOwnerRef, error) {
	var out []domain.WalletOwnerRef
	err := r.do(func(d *memData) error {
		for owner := range d.wallets {
			out = append(out, owner)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	if offset >= len(out) {
		return nil, err
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type memLedger struct{ memRepo }

func (r memLedger) Insert(ctx context.Context, e *domain.LedgerEntry) error {
	return r.do(func(d *memData) error {
		for _, existing := range d.entries {
			if existing.Reference == e.Reference {
				return repository.ErrDuplicate
			}
			if e.IdempotencyKey != nil && existing.IdempotencyKey != nil && *existing.IdempotencyKey == *e.IdempotencyKey {
				return repository.ErrDuplicate
			}
		}
		if e.Kind == "" {
			e.Kind = domain.EntryKindTransaction
		}
		e.ID = d.id()
		now := time.Now().UTC()
		e.CreatedAt, e.UpdatedAt = now, now
		d.entries = append(d.entries, *e)
		return nil
	})
}

func (r memLedger) GetByID(ctx context.Context, id int64) (*domain.LedgerEntry, error) {
	var out *domain.LedgerEntry
	err := r.do(func(d *memData) error {
		for _, e := range d.entries {
			if e.ID == id {
				out = &e
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r memLedger) UpdateStatus(ctx context.Context, id int64, status domain.EntryStatus) error {
	return r.do(func(d *memData) error {
		for i := range d.entries {
			if d.entries[i].ID == id {
				d.entries[i].Status = status
				return nil
			}
		}
		return repository.ErrNotFound
	})
}

func (r memLedger) ListByOwner(ctx context.Context, owner domain.WalletOwnerRef, page, limit int) ([]domain.LedgerEntry, int64, error) {
	all, err := r.ListForAudit(ctx, owner)
	if err != nil {
		return nil, 0, err
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return paginate(all, page, limit), int64(len(all)), nil
}

func (r memLedger) ListForAudit(ctx context.Context, owner domain.WalletOwnerRef) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	err := r.do(func(d *memData) error {
		for _, e := range d.entries {
			if e.Owner == owner {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (r memLedger) SumForAudit(ctx context.Context, owner domain.WalletOwnerRef) (decimal.Decimal, decimal.Decimal, error) {
	settled, reserved := decimal.Zero, decimal.Zero
	err := r.do(func(d *memData) error {
		for _, e := range d.entries {
			if e.Owner != owner || e.Kind != domain.EntryKindTransaction {
				continue
			}
			if e.Status == domain.EntryStatusSuccessful {
				if e.Direction == domain.DirectionCredit {
					settled = settled.Add(e.Amount)
				} else {
					settled = settled.Sub(e.Amount)
				}
			}
			if e.Status == domain.EntryStatusPending && e.Direction == domain.DirectionDebit {
				reserved = reserved.Add(e.Amount)
			}
		}
		return nil
	})
	return settled, reserved, err
}

type memPayouts struct{ memRepo }

func (r memPayouts) Create(ctx context.Context, p *domain.PayoutRequest) error {
	return r.do(func(d *memData) error {
		for _, existing := range d.payouts {
			if existing.Owner == p.Owner && existing.Status.InFlight() {
				return fmt.Errorf("%w: payout_requests_one_in_flight", repository.ErrInFlightPayout)
			}
		}
		p.ID = d.id()
		now := time.Now().UTC()
		p.CreatedAt, p.UpdatedAt = now, now
		d.payouts[p.ID] = copyPayout(*p)
		return nil
	})
}

func (r memPayouts) GetByID(ctx context.Context, id int64) (*domain.PayoutRequest, error) {
	var out *domain.PayoutRequest
	err := r.do(func(d *memData) error {
		p, ok := d.payouts[id]
		if !ok {
			return repository.ErrNotFound
		}
		p = copyPayout(p)
		out = &p
		return nil
	})
	return out, err
}

func (r memPayouts) GetForUpdate(ctx context.Context, id int64) (*domain.PayoutRequest, error) {
	return r.GetByID(ctx, id)
}

func (r memPayouts) Update(ctx context.Context, p *domain.PayoutRequest) error {
	return r.do(func(d *memData) error {
		if _, ok := d.payouts[p.ID]; !ok {
			return repository.ErrNotFound
		}
		p.UpdatedAt = time.Now().UTC()
		d.payouts[p.ID] = copyPayout(*p)
		return nil
	})
}

func (r memPayouts) SummarizeInFlight(ctx context.Context, owner domain.WalletOwnerRef) (*domain.InFlightSummary, error) {
	s := &domain.InFlightSummary{}
	err := r.do(func(d *memData) error {
		for _, p := range d.payouts {
			if p.Owner == owner && p.Status.InFlight() {
				s.Count++
				s.Amount = s.Amount.Add(p.RequestedAmount)
			}
		}
		return nil
	})
	return s, err
}

func (r memPayouts) ListByOwner(ctx context.Context, owner domain.WalletOwnerRef, status *domain.PayoutStatus, page, limit int) ([]domain.PayoutRequest, int64, error) {
	var out []domain.PayoutRequest
	err := r.do(func(d *memData) error {
		for _, p := range d.payouts {
			if p.Owner == owner && (status == nil || p.Status == *status) {
				out = append(out, copyPayout(p))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return paginate(out, page, limit), int64(len(out)), err
}

func (r memPayouts) ListAwaitingGateway(ctx context.Context, olderThan time.Time, limit int) ([]domain.PayoutRequest, error) {
	var out []domain.PayoutRequest
	err := r.do(func(d *memData) error {
		for _, p := range d.payouts {
			if p.Status == domain.PayoutStatusProcessing && p.ExternalTransferID != nil && p.UpdatedAt.Before(olderThan) {
				out = append(out, copyPayout(p))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type memTasks struct{ memRepo }

func (r memTasks) Enqueue(ctx context.Context, t *domain.SettlementTask) error {
	return r.do(func(d *memData) error {
		for _, existing := range d.tasks {
			if existing.PayoutID == t.PayoutID {
				return repository.ErrDuplicate
			}
		}
		now := time.Now().UTC()
		t.ID = d.id()
		t.Status = domain.TaskStatusQueued
		if t.AvailableAt.IsZero() {
			t.AvailableAt = now
		}
		t.CreatedAt, t.UpdatedAt = now, now
		d.tasks[t.ID] = *t
		return nil
	})
}

func (r memTasks) GetByPayoutForUpdate(ctx context.Context, payoutID int64) (*domain.SettlementTask, error) {
	var out *domain.SettlementTask
	err := r.do(func(d *memData) error {
		for _, t := range d.tasks {
			if t.PayoutID == payoutID {
				out = &t
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r memTasks) Claim(ctx context.Context, workerID string, limit int, lease time.Duration) ([]domain.SettlementTask, error) {
	var out []domain.SettlementTask
	err := r.do(func(d *memData) error {
		now := time.Now().UTC()
		ids := make([]int64, 0, len(d.tasks))
		for id := range d.tasks {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			if len(out) == limit {
				break
			}
			t := d.tasks[id]
			due := t.Status == domain.TaskStatusQueued && !t.AvailableAt.After(now)
			expired := t.Status == domain.TaskStatusRunning && t.LockedUntil != nil && t.LockedUntil.Before(now)
			if !due && !expired {
				continue
			}
			until := now.Add(lease)
			worker := workerID
			t.Status = domain.TaskStatusRunning
			t.Attempts++
			t.LockedBy = &worker
			t.LockedUntil = &until
			d.tasks[id] = t
			out = append(out, t)
		}
		return nil
	})
	return out, err
}

func (r memTasks) setStatus(id int64, fn func(t *domain.SettlementTask)) error {
	return r.do(func(d *memData) error {
		t, ok := d.tasks[id]
		if !ok {
			return repository.ErrNotFound
		}
		fn(&t)
		t.LockedBy, t.LockedUntil = nil, nil
		t.UpdatedAt = time.Now().UTC()
		d.tasks[id] = t
		return nil
	})
}

func (r memTasks) Complete(ctx context.Context, id int64) error {
	return r.setStatus(id, func(t *domain.SettlementTask) { t.Status = domain.TaskStatusDone })
}

func (r memTasks) Retry(ctx context.Context, id int64, lastErr string, availableAt time.Time) error {
	return r.setStatus(id, func(t *domain.SettlementTask) {
		t.Status = domain.TaskStatusQueued
		t.LastError = &lastErr
		t.AvailableAt = availableAt
	})
}

func (r memTasks) DeadLetter(ctx context.Context, id int64, lastErr string) error {
	return r.setStatus(id, func(t *domain.SettlementTask) {
		t.Status = domain.TaskStatusDead
		t.LastError = &lastErr
	})
}

func (r memTasks) ReleaseExpired(ctx context.Context) (int64, error) {
	var n int64
	err := r.do(func(d *memData) error {
		now := time.Now().UTC()
		for id, t := range d.tasks {
			if t.Status == domain.TaskStatusRunning && t.LockedUntil != nil && t.LockedUntil.Before(now) {
				t.Status = domain.TaskStatusQueued
				t.LockedBy, t.LockedUntil = nil, nil
				d.tasks[id] = t
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r memTasks) ListDead(ctx context.Context, limit int) ([]domain.SettlementTask, error) {
	var out []domain.SettlementTask
	err := r.do(func(d *memData) error {
		for _, t := range d.tasks {
			if t.Status == domain.TaskStatusDead {
				out = append(out, t)
			}
		}
		return nil
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

type memAccounts struct{ memRepo }

func (r memAccounts) FindForOwner(ctx context.Context, owner domain.WalletOwnerRef, accountID *int64) (*domain.BankAccount, error) {
	var out *domain.BankAccount
	err := r.do(func(d *memData) error {
		for _, a := range d.accounts {
			if a.Owner != owner {
				continue
			}
			if accountID == nil && a.IsDefault || accountID != nil && a.ID == *accountID {
				out = &a
				return nil
			}
		}
		return repository.ErrNotFound
	})
	return out, err
}

func (r memAccounts) GetByID(ctx context.Context, id int64) (*domain.BankAccount, error) {
	var out *domain.BankAccount
	err := r.do(func(d *memData) error {
		a, ok := d.accounts[id]
		if !ok {
			return repository.ErrNotFound
		}
		out = &a
		return nil
	})
	return out, err
}

func paginate[T any](items []T, page, limit int) []T {
	start := (page - 1) * limit
	if start >= len(items) {
		return nil
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

var _ repository.Store = (*memStore)(nil)
