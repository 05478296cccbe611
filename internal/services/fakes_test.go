package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/ledger/ledgertest"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/notify"
)

// ---------------------------------------------------------------------------
// In-memory repositories. Writes made through a *ledgertest.Tx are undone
// when that transaction rolls back.
// ---------------------------------------------------------------------------

type mockTasks struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*models.Task
}

func newMockTasks() *mockTasks {
	return &mockTasks{tasks: make(map[uuid.UUID]*models.Task)}
}

func (m *mockTasks) put(t *models.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
}

// mutate applies f to the stored task and registers the inverse on tx.
func (m *mockTasks) mutate(tx pgx.Tx, id uuid.UUID, f func(t *models.Task)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return apperr.ErrNotFound
	}
	before := *t
	f(t)
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		*m.tasks[id] = before
	})
	return nil
}

func (m *mockTasks) Create(_ context.Context, tx pgx.Tx, t *models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.CreatedAt = time.Now()
	t.UpdatedAt = t.CreatedAt
	cp := *t
	m.tasks[t.ID] = &cp
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.tasks, t.ID)
	})
	return nil
}

func (m *mockTasks) GetByID(_ context.Context, id uuid.UUID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockTasks) GetForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.Task, error) {
	return m.GetByID(ctx, id)
}

func (m *mockTasks) SetEscrow(_ context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) error {
	return m.mutate(tx, id, func(t *models.Task) { t.EscrowAmount = amount })
}

func (m *mockTasks) Assign(_ context.Context, tx pgx.Tx, id, executorID uuid.UUID) (bool, error) {
	assigned := false
	err := m.mutate(tx, id, func(t *models.Task) {
		if t.Status != models.TaskStatusOpen {
			return
		}
		t.Status = models.TaskStatusInProgress
		t.ExecutorID = &executorID
		assigned = true
	})
	return assigned, err
}

func (m *mockTasks) Close(_ context.Context, tx pgx.Tx, id uuid.UUID, status string, commission *decimal.Decimal) error {
	return m.mutate(tx, id, func(t *models.Task) {
		t.Status = status
		t.EscrowAmount = decimal.Zero
		t.Commission = commission
	})
}

type mockUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
}

func newMockUsers(users ...*models.User) *mockUsers {
	m := &mockUsers{users: make(map[uuid.UUID]*models.User)}
	for _, u := range users {
		m.put(u)
	}
	return m
}

func (m *mockUsers) put(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	if cp.Role == "" {
		cp.Role = models.RoleUser
	}
	m.users[u.ID] = &cp
}

func (m *mockUsers) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *mockUsers) GetForUpdate(ctx context.Context, _ pgx.Tx, id uuid.UUID) (*models.User, error) {
	return m.GetByID(ctx, id)
}

func (m *mockUsers) IncrementCompleted(_ context.Context, tx pgx.Tx, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperr.ErrNotFound
	}
	u.CompletedTasksCount++
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.users[id].CompletedTasksCount--
	})
	return nil
}

func (m *mockUsers) SetPayoutCard(_ context.Context, id uuid.UUID, cardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return apperr.ErrNotFound
	}
	u.PayoutCardID = &cardID
	return nil
}

type mockDisputes struct {
	mu       sync.Mutex
	disputes map[uuid.UUID]*models.Dispute
	tasks    *mockTasks
}

func newMockDisputes(tasks *mockTasks) *mockDisputes {
	return &mockDisputes{disputes: make(map[uuid.UUID]*models.Dispute), tasks: tasks}
}

func active(status string) bool {
	return status == models.DisputeStatusOpen || status == models.DisputeStatusInReview
}

func (m *mockDisputes) Create(_ context.Context, tx pgx.Tx, d *models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.disputes {
		if other.TaskID == d.TaskID && active(other.Status) {
			return apperr.ErrInvalidState
		}
	}
	d.CreatedAt = time.Now()
	cp := *d
	m.disputes[d.ID] = &cp
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.disputes, d.ID)
	})
	return nil
}

func (m *mockDisputes) GetByID(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockDisputes) MarkInReview(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok || d.Status != models.DisputeStatusOpen {
		return false, nil
	}
	d.Status = models.DisputeStatusInReview
	return true, nil
}

func (m *mockDisputes) Resolve(_ context.Context, tx pgx.Tx, id uuid.UUID, decision, resolution string, at time.Time) (*models.Dispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok || !active(d.Status) {
		return nil, nil
	}
	before := *d
	d.Status = models.DisputeStatusResolved
	d.AdminDecision = &decision
	d.Resolution = &resolution
	d.ResolvedAt = &at
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		*m.disputes[id] = before
	})
	cp := *d
	return &cp, nil
}

func (m *mockDisputes) HasActiveForUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	var taskIDs []uuid.UUID
	for _, d := range m.disputes {
		if active(d.Status) {
			taskIDs = append(taskIDs, d.TaskID)
		}
	}
	m.mu.Unlock()
	for _, id := range taskIDs {
		t, err := m.tasks.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if t.IsParty(userID) {
			return true, nil
		}
	}
	return false, nil
}

type mockDeals struct {
	mu       sync.Mutex
	deals    map[uuid.UUID]*models.Deal
	payments map[string]*models.Payment
}

func newMockDeals() *mockDeals {
	return &mockDeals{deals: make(map[uuid.UUID]*models.Deal), payments: make(map[string]*models.Payment)}
}

func (m *mockDeals) put(d *models.Deal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.deals[d.ID] = &cp
}

func (m *mockDeals) deal(id uuid.UUID) models.Deal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.deals[id]
}

func (m *mockDeals) payment(id string) (models.Payment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return models.Payment{}, false
	}
	return *p, true
}

func (m *mockDeals) FindOpenForUser(_ context.Context, userID uuid.UUID) (*models.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *models.Deal
	for _, d := range m.deals {
		if d.UserID == userID && d.Status == models.DealStatusOpen && (found == nil || d.CreatedAt.After(found.CreatedAt)) {
			found = d
		}
	}
	if found == nil {
		return nil, apperr.ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (m *mockDeals) Ensure(_ context.Context, tx pgx.Tx, d *models.Deal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.deals {
		if existing.SpAccumulationID == d.SpAccumulationID {
			*d = *existing
			return nil
		}
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Status = models.DealStatusOpen
	d.CreatedAt = time.Now()
	cp := *d
	m.deals[d.ID] = &cp
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.deals, cp.ID)
	})
	return nil
}

func (m *mockDeals) adjust(tx pgx.Tx, id uuid.UUID, total, paid, remaining decimal.Decimal) {
	d := m.deals[id]
	d.TotalAmount = d.TotalAmount.Add(total)
	d.PaidAmount = d.PaidAmount.Add(paid)
	d.RemainingBalance = d.RemainingBalance.Add(remaining)
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		d := m.deals[id]
		d.TotalAmount = d.TotalAmount.Sub(total)
		d.PaidAmount = d.PaidAmount.Sub(paid)
		d.RemainingBalance = d.RemainingBalance.Sub(remaining)
	})
}

func (m *mockDeals) AddDeposit(_ context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deals[id]; !ok {
		return apperr.ErrNotFound
	}
	m.adjust(tx, id, amount, decimal.Zero, amount)
	return nil
}

func (m *mockDeals) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *mockDeals) FindForPayout(_ context.Context, _ pgx.Tx, userID uuid.UUID, amount decimal.Decimal) (*models.Deal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var candidates []*models.Deal
	for _, d := range m.deals {
		if d.UserID == userID && d.Status == models.DealStatusOpen && d.RemainingBalance.GreaterThanOrEqual(amount) {
			candidates = append(candidates, d)
		}
	}
	if len(candidates) == 0 {
		return nil, apperr.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	cp := *candidates[0]
	return &cp, nil
}

func (m *mockDeals) Reserve(_ context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deals[id]
	if !ok || d.RemainingBalance.LessThan(amount) {
		return false, nil
	}
	m.adjust(tx, id, decimal.Zero, amount, amount.Neg())
	return true, nil
}

func (m *mockDeals) Release(_ context.Context, tx pgx.Tx, id uuid.UUID, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deals[id]; !ok {
		return apperr.ErrNotFound
	}
	m.adjust(tx, id, decimal.Zero, amount.Neg(), amount)
	return nil
}

func (m *mockDeals) CreatePayment(_ context.Context, tx pgx.Tx, p *models.Payment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.PaymentID]; ok {
		return false, nil
	}
	p.CreatedAt = time.Now()
	cp := *p
	m.payments[p.PaymentID] = &cp
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.payments, cp.PaymentID)
	})
	return true, nil
}

func (m *mockDeals) GetPayment(_ context.Context, paymentID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockDeals) GetPaymentForUpdate(ctx context.Context, _ pgx.Tx, paymentID string) (*models.Payment, error) {
	return m.GetPayment(ctx, paymentID)
}

func (m *mockDeals) UpdatePaymentStatus(_ context.Context, tx pgx.Tx, paymentID, status string, confirmedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[paymentID]
	if !ok {
		return apperr.ErrNotFound
	}
	before := *p
	p.Status = status
	if p.ConfirmedAt == nil {
		p.ConfirmedAt = confirmedAt
	}
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		*m.payments[paymentID] = before
	})
	return nil
}

type mockPayouts struct {
	mu      sync.Mutex
	payouts map[uuid.UUID]*models.Payout
}

func newMockPayouts() *mockPayouts {
	return &mockPayouts{payouts: make(map[uuid.UUID]*models.Payout)}
}

func (m *mockPayouts) all() []models.Payout {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Payout
	for _, p := range m.payouts {
		out = append(out, *p)
	}
	return out
}

func (m *mockPayouts) mutate(tx pgx.Tx, id uuid.UUID, f func(p *models.Payout)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return apperr.ErrNotFound
	}
	before := *p
	f(p)
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		*m.payouts[id] = before
	})
	return nil
}

func (m *mockPayouts) Create(_ context.Context, tx pgx.Tx, p *models.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.CreatedAt = time.Now()
	cp := *p
	m.payouts[p.ID] = &cp
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.payouts, cp.ID)
	})
	return nil
}

func (m *mockPayouts) SetPaymentID(_ context.Context, tx pgx.Tx, id uuid.UUID, paymentID, status string) error {
	return m.mutate(tx, id, func(p *models.Payout) {
		p.PaymentID = &paymentID
		p.Status = status
	})
}

func (m *mockPayouts) GetByPaymentID(_ context.Context, paymentID string) (*models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payouts {
		if p.PaymentID != nil && *p.PaymentID == paymentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, apperr.ErrNotFound
}

func (m *mockPayouts) GetForUpdate(_ context.Context, _ pgx.Tx, id uuid.UUID) (*models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *mockPayouts) UpdateStatus(_ context.Context, tx pgx.Tx, id uuid.UUID, status string) error {
	return m.mutate(tx, id, func(p *models.Payout) { p.Status = status })
}

func (m *mockPayouts) MarkCompleted(_ context.Context, tx pgx.Tx, id uuid.UUID, at time.Time) error {
	return m.mutate(tx, id, func(p *models.Payout) {
		p.Status = models.PaymentCompleted
		if p.CompletedAt == nil {
			p.CompletedAt = &at
		}
	})
}

func (m *mockPayouts) MarkRefunded(_ context.Context, tx pgx.Tx, id uuid.UUID, status string, at time.Time) (bool, error) {
	marked := false
	err := m.mutate(tx, id, func(p *models.Payout) {
		if p.RefundedAt != nil {
			return
		}
		p.Status = status
		p.RefundedAt = &at
		marked = true
	})
	return marked, err
}

type mockBonuses struct {
	mu      sync.Mutex
	bonuses []*models.ReferralBonus
}

func (m *mockBonuses) CountForPair(_ context.Context, _ pgx.Tx, referrerID, referralID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.bonuses {
		if b.ReferrerID == referrerID && b.ReferralID == referralID {
			n++
		}
	}
	return n, nil
}

func (m *mockBonuses) Insert(_ context.Context, tx pgx.Tx, b *models.ReferralBonus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.bonuses {
		if other.ReferrerID == b.ReferrerID && other.ReferralID == b.ReferralID && other.TaskID == b.TaskID {
			return false, nil
		}
	}
	b.CreatedAt = time.Now()
	m.bonuses = append(m.bonuses, b)
	n := len(m.bonuses)
	ledgertest.Undo(tx, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.bonuses = m.bonuses[:n-1]
	})
	return true, nil
}

func (m *mockBonuses) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bonuses)
}

// recordingNotifier captures dispatched payloads and can be told to fail.
type recordingNotifier struct {
	mu   sync.Mutex
	sent map[uuid.UUID][]string
	fail error
}

func (n *recordingNotifier) Dispatch(_ context.Context, userID uuid.UUID, p notify.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[uuid.UUID][]string)
	}
	n.sent[userID] = append(n.sent[userID], p.Type)
	return n.fail
}

func (n *recordingNotifier) types(userID uuid.UUID) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent[userID]...)
}
