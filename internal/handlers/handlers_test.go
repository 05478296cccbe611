package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
	"github.com/workmarket/backend/internal/auth"
	"github.com/workmarket/backend/internal/gateway"
	"github.com/workmarket/backend/internal/gateway/gatewaytest"
	"github.com/workmarket/backend/internal/middleware"
	"github.com/workmarket/backend/internal/models"
	"github.com/workmarket/backend/internal/services"
)

// ---------------------------------------------------------------------------
// Stubs
// ---------------------------------------------------------------------------

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type stubTasks struct {
	created  *models.Task
	err      error
	calls    []string
	settle   *services.Settlement
	lastUser uuid.UUID
}

func (s *stubTasks) CreateTask(_ context.Context, customerID uuid.UUID, title string, price decimal.Decimal) (*models.Task, error) {
	s.calls = append(s.calls, "create")
	s.lastUser = customerID
	if s.err != nil {
		return nil, s.err
	}
	s.created = &models.Task{ID: uuid.New(), Title: title, Price: price, CustomerID: customerID, Status: models.TaskStatusOpen}
	return s.created, nil
}

func (s *stubTasks) AssignExecutor(_ context.Context, taskID, executorID uuid.UUID) (*models.Task, error) {
	s.calls = append(s.calls, "assign")
	s.lastUser = executorID
	return &models.Task{ID: taskID, ExecutorID: &executorID, Status: models.TaskStatusInProgress}, s.err
}

func (s *stubTasks) CompleteTask(_ context.Context, taskID, actorID uuid.UUID) (*services.Settlement, error) {
	s.calls = append(s.calls, "complete")
	s.lastUser = actorID
	return s.settle, s.err
}

func (s *stubTasks) CancelTask(_ context.Context, taskID, actorID uuid.UUID) (*models.Task, error) {
	s.calls = append(s.calls, "cancel")
	s.lastUser = actorID
	return &models.Task{ID: taskID, Status: models.TaskStatusCancelled}, s.err
}

type stubDisputes struct {
	err      error
	decision string
}

func (s *stubDisputes) Open(_ context.Context, taskID, initiatorID uuid.UUID, reason string) (*models.Dispute, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &models.Dispute{ID: uuid.New(), TaskID: taskID, InitiatorID: initiatorID, Reason: reason, Status: models.DisputeStatusOpen}, nil
}

func (s *stubDisputes) StartReview(_ context.Context, id uuid.UUID) (*models.Dispute, error) {
	return &models.Dispute{ID: id, Status: models.DisputeStatusInReview}, s.err
}

func (s *stubDisputes) Resolve(_ context.Context, id uuid.UUID, decision, _ string) (*services.Resolution, error) {
	s.decision = decision
	if s.err != nil {
		return nil, s.err
	}
	return &services.Resolution{Dispute: &models.Dispute{ID: id, Status: models.DisputeStatusResolved}}, nil
}

type stubDeposits struct {
	owner   uuid.UUID
	amount  decimal.Decimal
	err     error
	checked []string
}

func (s *stubDeposits) InitDeposit(_ context.Context, userID uuid.UUID, amount decimal.Decimal) (*models.Payment, error) {
	s.amount = amount
	if s.err != nil {
		return nil, s.err
	}
	return &models.Payment{PaymentID: "7001", UserID: userID, Amount: amount, Status: models.PaymentNew, PaymentURL: "https://pay.example.test/7001"}, nil
}

func (s *stubDeposits) CheckStatus(_ context.Context, paymentID string) (*services.DepositStatus, error) {
	s.checked = append(s.checked, paymentID)
	if s.err != nil {
		return nil, s.err
	}
	return &services.DepositStatus{PaymentID: paymentID, UserID: s.owner, Status: models.PaymentConfirmed, Credited: true, Final: true}, nil
}

func (s *stubDeposits) Payment(_ context.Context, paymentID string) (*models.Payment, error) {
	if s.owner == uuid.Nil {
		return nil, apperr.ErrNotFound
	}
	return &models.Payment{PaymentID: paymentID, UserID: s.owner, Status: models.PaymentNew}, nil
}

type stubPayouts struct {
	owner   uuid.UUID
	dealID  *uuid.UUID
	err     error
	checked []string
}

func (s *stubPayouts) InitPayout(_ context.Context, userID uuid.UUID, amount decimal.Decimal, dealID *uuid.UUID) (*models.Payout, error) {
	s.dealID = dealID
	if s.err != nil {
		return nil, s.err
	}
	return &models.Payout{ID: uuid.New(), RecipientID: userID, Amount: amount, Status: models.PaymentCompleted}, nil
}

func (s *stubPayouts) CheckPayoutStatus(_ context.Context, paymentID string) (*services.PayoutStatus, error) {
	s.checked = append(s.checked, paymentID)
	if s.err != nil {
		return nil, s.err
	}
	return &services.PayoutStatus{PaymentID: paymentID, UserID: s.owner, Status: models.PaymentCompleted, Final: true}, nil
}

func (s *stubPayouts) Payout(_ context.Context, paymentID string) (*models.Payout, error) {
	if s.owner == uuid.Nil {
		return nil, apperr.ErrNotFound
	}
	return &models.Payout{ID: uuid.New(), PaymentID: &paymentID, RecipientID: s.owner, Status: models.PaymentChecked}, nil
}

type stubGuard struct{ e *services.Eligibility }

func (s stubGuard) Check(context.Context, uuid.UUID, decimal.Decimal) (*services.Eligibility, error) {
	return s.e, nil
}

type stubCards struct {
	completed []*gateway.Notification
	err       error
}

func (s *stubCards) Start(context.Context, uuid.UUID) (*gateway.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.Result{PaymentURL: "https://pay.example.test/cards/req-1", RequestKey: "req-1"}, nil
}

func (s *stubCards) Complete(_ context.Context, n *gateway.Notification) error {
	s.completed = append(s.completed, n)
	return s.err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func do(t *testing.T, h http.HandlerFunc, method, pattern, path, body string, p *auth.Principal) *httptest.ResponseRecorder {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(method+" "+pattern, h)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if p != nil {
		req = req.WithContext(middleware.WithPrincipal(req.Context(), *p))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return m
}

func user() *auth.Principal  { return &auth.Principal{UserID: uuid.New(), Role: models.RoleUser} }
func admin() *auth.Principal { return &auth.Principal{UserID: uuid.New(), Role: models.RoleAdmin} }

// ---------------------------------------------------------------------------
// Tasks and disputes
// ---------------------------------------------------------------------------

func TestCreateTask(t *testing.T) {
	tasks := &stubTasks{}
	h := &TaskHandler{Tasks: tasks, Logger: quietLogger}
	p := user()

	rec := do(t, h.CreateTask, http.MethodPost, "/api/v1/tasks", "/api/v1/tasks", `{"title":"logo","price":"1500.50"}`, p)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if tasks.lastUser != p.UserID || !tasks.created.Price.Equal(decimal.RequireFromString("1500.50")) {
		t.Errorf("task = %+v", tasks.created)
	}
}

func TestCreateTask_Errors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		body string
		p    *auth.Principal
		want int
	}{
		{"no principal", nil, `{"title":"x","price":1}`, nil, http.StatusUnauthorized},
		{"bad json", nil, `{"title":`, user(), http.StatusBadRequest},
		{"validation", fmt.Errorf("%w: title is required", apperr.ErrValidation), `{"price":1}`, user(), http.StatusBadRequest},
		{"funds", apperr.ErrInsufficientAvailableBalance, `{"title":"x","price":1}`, user(), http.StatusPaymentRequired},
		{"internal", errors.New("connection reset"), `{"title":"x","price":1}`, user(), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &TaskHandler{Tasks: &stubTasks{err: tt.err}, Logger: quietLogger}
			rec := do(t, h.CreateTask, http.MethodPost, "/api/v1/tasks", "/api/v1/tasks", tt.body, tt.p)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestInternalErrorIsHidden(t *testing.T) {
	h := &TaskHandler{Tasks: &stubTasks{err: errors.New("pq: secret detail")}, Logger: quietLogger}
	rec := do(t, h.CreateTask, http.MethodPost, "/api/v1/tasks", "/api/v1/tasks", `{"title":"x","price":1}`, user())
	if strings.Contains(rec.Body.String(), "secret detail") {
		t.Fatalf("internal error leaked: %s", rec.Body.String())
	}
	if got := decodeMap(t, rec)["error"]; got != "internal error" {
		t.Errorf("error = %v", got)
	}
}

func TestTaskTransitions(t *testing.T) {
	p := user()
	taskID := uuid.New()
	tests := []struct {
		name    string
		handler func(*TaskHandler) http.HandlerFunc
		pattern string
		path    string
		call    string
	}{
		{"assign", func(h *TaskHandler) http.HandlerFunc { return h.AssignTask }, "/api/v1/tasks/{id}/assign", "/api/v1/tasks/" + taskID.String() + "/assign", "assign"},
		{"complete", func(h *TaskHandler) http.HandlerFunc { return h.CompleteTask }, "/api/v1/tasks/{id}/complete", "/api/v1/tasks/" + taskID.String() + "/complete", "complete"},
		{"cancel", func(h *TaskHandler) http.HandlerFunc { return h.CancelTask }, "/api/v1/tasks/{id}/cancel", "/api/v1/tasks/" + taskID.String() + "/cancel", "cancel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := &stubTasks{settle: &services.Settlement{TaskID: taskID}}
			h := &TaskHandler{Tasks: tasks, Logger: quietLogger}
			rec := do(t, tt.handler(h), http.MethodPost, tt.pattern, tt.path, "", p)
			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if len(tasks.calls) != 1 || tasks.calls[0] != tt.call || tasks.lastUser != p.UserID {
				t.Errorf("calls = %v user = %s", tasks.calls, tasks.lastUser)
			}
		})
	}
}

func TestTaskTransitions_BadID(t *testing.T) {
	h := &TaskHandler{Tasks: &stubTasks{}, Logger: quietLogger}
	rec := do(t, h.CompleteTask, http.MethodPost, "/api/v1/tasks/{id}/complete", "/api/v1/tasks/not-a-uuid/complete", "", user())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCompleteTwiceAnswersWithNote(t *testing.T) {
	tasks := &stubTasks{err: fmt.Errorf("%w: task is completed", apperr.ErrAlreadyProcessed)}
	h := &TaskHandler{Tasks: tasks, Logger: quietLogger}
	rec := do(t, h.CompleteTask, http.MethodPost, "/api/v1/tasks/{id}/complete", "/api/v1/tasks/"+uuid.NewString()+"/complete", "", user())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if note, _ := decodeMap(t, rec)["note"].(string); !strings.Contains(note, "already processed") {
		t.Errorf("note = %q", note)
	}
}

func TestOpenDispute(t *testing.T) {
	h := &TaskHandler{Disputes: &stubDisputes{}, Logger: quietLogger}
	rec := do(t, h.OpenDispute, http.MethodPost, "/api/v1/tasks/{id}/disputes", "/api/v1/tasks/"+uuid.NewString()+"/disputes", `{"reason":"work not delivered"}`, user())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	h.Disputes = &stubDisputes{err: fmt.Errorf("%w: not a party", apperr.ErrForbidden)}
	rec = do(t, h.OpenDispute, http.MethodPost, "/api/v1/tasks/{id}/disputes", "/api/v1/tasks/"+uuid.NewString()+"/disputes", `{"reason":"x"}`, user())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestResolveDispute(t *testing.T) {
	d := &stubDisputes{}
	h := &TaskHandler{Disputes: d, Logger: quietLogger}
	path := "/api/v1/disputes/" + uuid.NewString() + "/resolve"

	rec := do(t, h.ResolveDispute, http.MethodPost, "/api/v1/disputes/{id}/resolve", path, `{"decision":"executor","comment":"delivered"}`, admin())
	if rec.Code != http.StatusOK || d.decision != models.DecisionExecutor {
		t.Fatalf("got %d decision %q: %s", rec.Code, d.decision, rec.Body.String())
	}

	d.err = fmt.Errorf("%w: dispute is resolved", apperr.ErrAlreadyResolved)
	rec = do(t, h.ResolveDispute, http.MethodPost, "/api/v1/disputes/{id}/resolve", path, `{"decision":"executor"}`, admin())
	if rec.Code != http.StatusOK {
		t.Fatalf("second resolve: expected 200, got %d", rec.Code)
	}
	if _, ok := decodeMap(t, rec)["note"]; !ok {
		t.Errorf("second resolve carries no note: %s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Deposits, payouts, cards
// ---------------------------------------------------------------------------

func TestInitDeposit(t *testing.T) {
	deps := &stubDeposits{}
	h := &PaymentHandler{Deposits: deps, Logger: quietLogger}

	rec := do(t, h.InitDeposit, http.MethodPost, "/api/v1/deposits", "/api/v1/deposits", `{"amount":"250,75"}`, user())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !deps.amount.Equal(decimal.RequireFromString("250.75")) {
		t.Errorf("amount = %s", deps.amount)
	}
	if got := decodeMap(t, rec)["payment_url"]; got != "https://pay.example.test/7001" {
		t.Errorf("payment_url = %v", got)
	}
}

func TestInitDeposit_UsesAmountFromMiddleware(t *testing.T) {
	deps := &stubDeposits{}
	h := &PaymentHandler{Deposits: deps, Logger: quietLogger}
	chain := middleware.AmountCheck(decimal.NewFromInt(10), decimal.Zero)(http.HandlerFunc(h.InitDeposit))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/deposits", strings.NewReader(`{"amount":99.994}`))
	req = req.WithContext(middleware.WithPrincipal(req.Context(), *user()))
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if !deps.amount.Equal(decimal.RequireFromString("99.99")) {
		t.Errorf("amount = %s", deps.amount)
	}
}

func TestInitDeposit_GatewayRefusal(t *testing.T) {
	deps := &stubDeposits{err: &gateway.Error{Method: "Init", Code: "99", Message: "Операция отклонена"}}
	h := &PaymentHandler{Deposits: deps, Logger: quietLogger}

	rec := do(t, h.InitDeposit, http.MethodPost, "/api/v1/deposits", "/api/v1/deposits", `{"amount":100}`, user())
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	body := decodeMap(t, rec)
	if body["gateway_code"] != "99" || body["error"] != "Операция отклонена" {
		t.Errorf("body = %v", body)
	}
}

func TestDepositStatus_Ownership(t *testing.T) {
	owner := user()
	deps := &stubDeposits{owner: owner.UserID}
	h := &PaymentHandler{Deposits: deps, Logger: quietLogger}
	pattern := "/api/v1/deposits/{paymentId}/status"

	if rec := do(t, h.DepositStatus, http.MethodGet, pattern, "/api/v1/deposits/7001/status", "", owner); rec.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h.DepositStatus, http.MethodGet, pattern, "/api/v1/deposits/7001/status", "", user()); rec.Code != http.StatusNotFound {
		t.Fatalf("stranger: expected 404, got %d", rec.Code)
	}
	if rec := do(t, h.DepositStatus, http.MethodGet, pattern, "/api/v1/deposits/7001/status", "", admin()); rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", rec.Code)
	}
	if len(deps.checked) != 2 || deps.checked[0] != "7001" {
		t.Errorf("checked = %v, want the owner and admin calls only", deps.checked)
	}
}

func TestDepositStatus_UnknownPaymentNotReconciledForUser(t *testing.T) {
	deps := &stubDeposits{}
	h := &PaymentHandler{Deposits: deps, Logger: quietLogger}
	pattern := "/api/v1/deposits/{paymentId}/status"

	if rec := do(t, h.DepositStatus, http.MethodGet, pattern, "/api/v1/deposits/9999/status", "", user()); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if len(deps.checked) != 0 {
		t.Fatalf("gateway consulted for a payment the caller does not own: %v", deps.checked)
	}
	if rec := do(t, h.DepositStatus, http.MethodGet, pattern, "/api/v1/deposits/9999/status", "", admin()); rec.Code != http.StatusOK {
		t.Fatalf("admin: expected 200, got %d", rec.Code)
	}
	if len(deps.checked) != 1 {
		t.Errorf("admin reconciliation skipped: %v", deps.checked)
	}
}

func TestEligibility(t *testing.T) {
	h := &PaymentHandler{Guard: stubGuard{e: &services.Eligibility{Allowed: false, Reason: "account has an active dispute"}}, Logger: quietLogger}

	rec := do(t, h.Eligibility, http.MethodGet, "/api/v1/withdrawals/eligibility", "/api/v1/withdrawals/eligibility?amount=100", "", user())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeMap(t, rec); body["allowed"] != false || body["reason"] == "" {
		t.Errorf("body = %v", body)
	}

	rec = do(t, h.Eligibility, http.MethodGet, "/api/v1/withdrawals/eligibility", "/api/v1/withdrawals/eligibility?amount=abc", "", user())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad amount: expected 400, got %d", rec.Code)
	}
}

func TestInitPayout(t *testing.T) {
	pays := &stubPayouts{}
	h := &PaymentHandler{Payouts: pays, Logger: quietLogger}
	dealID := uuid.New()

	rec := do(t, h.InitPayout, http.MethodPost, "/api/v1/payouts", "/api/v1/payouts", `{"amount":300,"deal_id":"`+dealID.String()+`"}`, user())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if pays.dealID == nil || *pays.dealID != dealID {
		t.Errorf("deal id = %v", pays.dealID)
	}

	pays.err = fmt.Errorf("%w: account has an active dispute", apperr.ErrForbidden)
	rec = do(t, h.InitPayout, http.MethodPost, "/api/v1/payouts", "/api/v1/payouts", `{"amount":300}`, user())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("guard refusal: expected 403, got %d", rec.Code)
	}
}

func TestPayoutStatus_Ownership(t *testing.T) {
	owner := user()
	pays := &stubPayouts{owner: owner.UserID}
	h := &PaymentHandler{Payouts: pays, Logger: quietLogger}
	pattern := "/api/v1/payouts/{paymentId}/status"

	if rec := do(t, h.PayoutStatus, http.MethodGet, pattern, "/api/v1/payouts/8001/status", "", owner); rec.Code != http.StatusOK {
		t.Fatalf("owner: expected 200, got %d", rec.Code)
	}
	if rec := do(t, h.PayoutStatus, http.MethodGet, pattern, "/api/v1/payouts/8001/status", "", user()); rec.Code != http.StatusNotFound {
		t.Fatalf("stranger: expected 404, got %d", rec.Code)
	}
	if len(pays.checked) != 1 {
		t.Errorf("checked = %v, want the owner call only", pays.checked)
	}
}

func TestBindCard(t *testing.T) {
	h := &PaymentHandler{Cards: &stubCards{}, Logger: quietLogger}
	rec := do(t, h.BindCard, http.MethodPost, "/api/v1/cards", "/api/v1/cards", "", user())
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if decodeMap(t, rec)["request_key"] != "req-1" {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// ---------------------------------------------------------------------------
// Webhook
// ---------------------------------------------------------------------------

func newWebhook(t *testing.T) (*WebhookHandler, *gatewaytest.Bank, *stubDeposits, *stubPayouts, *stubCards) {
	t.Helper()
	bank := gatewaytest.NewBank()
	t.Cleanup(bank.Close)
	deps, pays, cards := &stubDeposits{}, &stubPayouts{}, &stubCards{}
	h := &WebhookHandler{
		Parser:   gateway.NewClient(bank.Config(), nil, quietLogger),
		Deposits: deps,
		Payouts:  pays,
		Cards:    cards,
		Logger:   quietLogger,
	}
	return h, bank, deps, pays, cards
}

func postWebhook(h *WebhookHandler, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/gateway/notifications", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.Notify(rec, req)
	return rec
}

func TestWebhook_Payment(t *testing.T) {
	h, bank, deps, pays, _ := newWebhook(t)
	bank.Put(gatewaytest.Operation{PaymentID: "9001", OrderID: "o-1", Amount: 150000, Status: "CONFIRMED"})

	rec := postWebhook(h, bank.Notification("9001"))
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if len(deps.checked) != 1 || deps.checked[0] != "9001" || len(pays.checked) != 0 {
		t.Errorf("deposits %v payouts %v", deps.checked, pays.checked)
	}
}

func TestWebhook_Payout(t *testing.T) {
	h, bank, deps, pays, _ := newWebhook(t)
	bank.Put(gatewaytest.Operation{PaymentID: "9002", OrderID: "o-2", Amount: 5000, Status: "REJECTED", Payout: true})

	rec := postWebhook(h, bank.Notification("9002"))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if len(pays.checked) != 1 || len(deps.checked) != 0 {
		t.Errorf("deposits %v payouts %v", deps.checked, pays.checked)
	}
}

func TestWebhook_Card(t *testing.T) {
	h, bank, _, _, cards := newWebhook(t)
	userID := uuid.New()

	rec := postWebhook(h, bank.CardNotification(userID.String(), "req-5", "card-77"))
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d %q", rec.Code, rec.Body.String())
	}
	if len(cards.completed) != 1 || cards.completed[0].CardID != "card-77" {
		t.Errorf("completed = %+v", cards.completed)
	}
}

func TestWebhook_ForgedToken(t *testing.T) {
	h, bank, deps, _, _ := newWebhook(t)
	bank.Put(gatewaytest.Operation{PaymentID: "9003", OrderID: "o-3", Amount: 100, Status: "CONFIRMED"})

	var doc map[string]interface{}
	_ = json.Unmarshal(bank.Notification("9003"), &doc)
	doc["Amount"] = 999999
	forged, _ := json.Marshal(doc)

	rec := postWebhook(h, forged)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if len(deps.checked) != 0 {
		t.Errorf("forged notification reached reconciliation: %v", deps.checked)
	}
}

func TestWebhook_Malformed(t *testing.T) {
	h, _, _, _, _ := newWebhook(t)
	if rec := postWebhook(h, []byte(`{"Status":"CONFIRMED"}`)); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhook_RetryOnFailure(t *testing.T) {
	h, bank, deps, _, _ := newWebhook(t)
	bank.Put(gatewaytest.Operation{PaymentID: "9004", OrderID: "o-4", Amount: 100, Status: "CONFIRMED"})

	deps.err = errors.New("db unavailable")
	if rec := postWebhook(h, bank.Notification("9004")); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	deps.err = fmt.Errorf("%w: deposit:9004", apperr.ErrAlreadyProcessed)
	if rec := postWebhook(h, bank.Notification("9004")); rec.Code != http.StatusOK {
		t.Fatalf("idempotent replay: expected 200, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

type stubLedger struct {
	acc   *models.Account
	txs   []*models.Transaction
	limit int
}

func (s *stubLedger) Account(_ context.Context, userID uuid.UUID) (*models.Account, error) {
	if s.acc == nil {
		return &models.Account{UserID: userID}, nil
	}
	return s.acc, nil
}

func (s *stubLedger) History(_ context.Context, _ uuid.UUID, limit int) ([]*models.Transaction, error) {
	s.limit = limit
	return s.txs, nil
}

func TestGetAccount(t *testing.T) {
	led := &stubLedger{acc: &models.Account{
		Balance:       decimal.RequireFromString("1000.00"),
		FrozenBalance: decimal.RequireFromString("250.00"),
	}}
	h := &AccountHandler{Ledger: led, Logger: quietLogger}

	rec := do(t, h.GetAccount, http.MethodGet, "/api/v1/account", "/api/v1/account", "", user())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decodeMap(t, rec)["available"]; got != "750" {
		t.Errorf("available = %v", got)
	}
}

func TestListTransactions(t *testing.T) {
	led := &stubLedger{}
	h := &AccountHandler{Ledger: led, Logger: quietLogger}

	rec := do(t, h.ListTransactions, http.MethodGet, "/api/v1/transactions", "/api/v1/transactions?limit=20", "", user())
	if rec.Code != http.StatusOK || led.limit != 20 {
		t.Fatalf("got %d limit %d", rec.Code, led.limit)
	}
	if !strings.Contains(rec.Body.String(), `"transactions":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}

	rec = do(t, h.ListTransactions, http.MethodGet, "/api/v1/transactions", "/api/v1/transactions?limit=-1", "", user())
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

type stubLister struct{ tasks []*models.Task }

func (s stubLister) ListByUser(context.Context, uuid.UUID) ([]*models.Task, error) { return s.tasks, nil }

func TestListTasks(t *testing.T) {
	h := &TaskHandler{Lister: stubLister{}, Logger: quietLogger}
	rec := do(t, h.ListTasks, http.MethodGet, "/api/v1/tasks", "/api/v1/tasks", "", user())
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"tasks":[]`) {
		t.Fatalf("got %d %s", rec.Code, rec.Body.String())
	}
}

type stubActive struct{ limit int }

func (s *stubActive) ListActive(_ context.Context, limit int) ([]*models.Dispute, error) {
	s.limit = limit
	return []*models.Dispute{{ID: uuid.New(), Status: models.DisputeStatusOpen}}, nil
}

func TestListDisputes(t *testing.T) {
	active := &stubActive{}
	h := &TaskHandler{ActiveDisputes: active, Logger: quietLogger}
	rec := do(t, h.ListDisputes, http.MethodGet, "/api/v1/disputes", "/api/v1/disputes?limit=5", "", admin())
	if rec.Code != http.StatusOK || active.limit != 5 {
		t.Fatalf("got %d limit %d", rec.Code, active.limit)
	}
	if list, _ := decodeMap(t, rec)["disputes"].([]interface{}); len(list) != 1 {
		t.Errorf("body = %s", rec.Body.String())
	}
}

type stubPayoutList struct{ user uuid.UUID }

func (s *stubPayoutList) ListByRecipient(_ context.Context, userID uuid.UUID, _ int) ([]*models.Payout, error) {
	s.user = userID
	return nil, nil
}

func TestListPayouts(t *testing.T) {
	list := &stubPayoutList{}
	h := &PaymentHandler{PayoutList: list, Logger: quietLogger}
	p := user()
	rec := do(t, h.ListPayouts, http.MethodGet, "/api/v1/payouts", "/api/v1/payouts", "", p)
	if rec.Code != http.StatusOK || list.user != p.UserID {
		t.Fatalf("got %d user %s", rec.Code, list.user)
	}
	if !strings.Contains(rec.Body.String(), `"payouts":[]`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}
