// Package ledgertest provides in-memory stand-ins for the ledger store and
// for pgx transactions, for tests that exercise services without Postgres.
package ledgertest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/models"
)

// Tx satisfies pgx.Tx. Fakes register undo functions with OnRollback so a
// rolled back Tx leaves no trace, like a real transaction.
type Tx struct {
	mu       sync.Mutex
	undo     []func()
	finished bool
	Commits  int
}

func (t *Tx) OnRollback(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, f)
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return t, nil }

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return pgx.ErrTxClosed
	}
	t.finished = true
	t.undo = nil
	t.Commits++
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return pgx.ErrTxClosed
	}
	t.finished = true
	undo := t.undo
	t.undo = nil
	t.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	return nil
}

func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// Undo registers f on tx when tx is a *Tx and is a no-op otherwise.
func Undo(tx pgx.Tx, f func()) {
	if t, ok := tx.(*Tx); ok {
		t.OnRollback(f)
	}
}

// Pool hands out fresh *Tx values.
type Pool struct {
	mu  sync.Mutex
	Txs []*Tx
}

func (p *Pool) Begin(context.Context) (pgx.Tx, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := &Tx{}
	p.Txs = append(p.Txs, t)
	return t, nil
}

// Store is an in-memory ledger store enforcing the same constraints as the
// Postgres schema.
type Store struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
	txs      []*models.Transaction
	keys     map[string]bool
}

func NewStore() *Store {
	return &Store{accounts: make(map[uuid.UUID]*models.Account), keys: make(map[string]bool)}
}

// Seed creates or overwrites an account.
func (s *Store) Seed(userID uuid.UUID, balance, frozen string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[userID] = &models.Account{
		UserID:        userID,
		Balance:       decimal.RequireFromString(balance),
		FrozenBalance: decimal.RequireFromString(frozen),
	}
}

func (s *Store) EnsureAccount(_ context.Context, tx pgx.Tx, userID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[userID]; ok {
		return nil
	}
	s.accounts[userID] = &models.Account{UserID: userID}
	Undo(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.accounts, userID)
	})
	return nil
}

func (s *Store) LockAccounts(_ context.Context, _ pgx.Tx, ids ...uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.accounts[id]; !ok {
			return apperr.ErrNotFound
		}
	}
	return nil
}

func (s *Store) ApplyDelta(_ context.Context, tx pgx.Tx, userID uuid.UUID, amount, frozen decimal.Decimal) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, apperr.ErrInsufficientFunds
	}
	nb := a.Balance.Add(amount)
	nf := a.FrozenBalance.Add(frozen)
	if nb.IsNegative() || nf.IsNegative() || nf.GreaterThan(nb) {
		return nil, apperr.ErrInsufficientFunds
	}
	a.Balance, a.FrozenBalance = nb, nf
	Undo(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		a.Balance = a.Balance.Sub(amount)
		a.FrozenBalance = a.FrozenBalance.Sub(frozen)
	})
	cp := *a
	return &cp, nil
}

func (s *Store) InsertTransaction(_ context.Context, tx pgx.Tx, t *models.Transaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.IdempotencyKey != nil {
		if s.keys[*t.IdempotencyKey] {
			return false, nil
		}
		s.keys[*t.IdempotencyKey] = true
	}
	cp := *t
	s.txs = append(s.txs, &cp)
	Undo(tx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, row := range s.txs {
			if row.ID == cp.ID {
				s.txs = append(s.txs[:i], s.txs[i+1:]...)
				break
			}
		}
		if cp.IdempotencyKey != nil {
			delete(s.keys, *cp.IdempotencyKey)
		}
	})
	return true, nil
}

func (s *Store) GetAccount(_ context.Context, userID uuid.UUID) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListTransactions(_ context.Context, userID uuid.UUID, limit int) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Transaction
	for i := len(s.txs) - 1; i >= 0 && len(out) < limit; i-- {
		if s.txs[i].UserID == userID {
			cp := *s.txs[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Balance returns balance and frozen balance of userID, zero if absent.
func (s *Store) Balance(userID uuid.UUID) (decimal.Decimal, decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return decimal.Zero, decimal.Zero
	}
	return a.Balance, a.FrozenBalance
}

// ByType returns the logged transactions of the given type in insert order.
func (s *Store) ByType(txType string) []*models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Transaction
	for _, t := range s.txs {
		if t.Type == txType {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out
}

// All returns every logged transaction in insert order.
func (s *Store) All() []*models.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Transaction, len(s.txs))
	for i, t := range s.txs {
		cp := *t
		out[i] = &cp
	}
	return out
}

// CheckInvariants returns the sorted ids of accounts that violate
// 0 <= frozen <= balance.
func (s *Store) CheckInvariants() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var bad []uuid.UUID
	for id, a := range s.accounts {
		if a.FrozenBalance.IsNegative() || a.FrozenBalance.GreaterThan(a.Balance) {
			bad = append(bad, id)
		}
	}
	sort.Slice(bad, func(i, j int) bool { return bad[i].String() < bad[j].String() })
	return bad
}
