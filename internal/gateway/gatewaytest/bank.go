// Package gatewaytest runs an in-process fake of the bank gateway.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/workmarket/backend/internal/gateway"
)

const (
	TerminalKey       = "TestTerminal"
	Password          = "test-password"
	PayoutTerminalKey = "TestTerminalE2C"
	PayoutPassword    = "test-payout-password"
)

// Operation is a payment or payout known to the fake bank.
type Operation struct {
	PaymentID        string
	OrderID          string
	Amount           int64
	Status           string
	CustomerKey      string
	SpAccumulationID string
	CardID           string
	Payout           bool
}

type failure struct {
	code, message string
}

// Bank is an httptest server speaking the gateway protocol. Requests with a
// bad Token are refused with ErrorCode 204.
type Bank struct {
	*httptest.Server

	mu       sync.Mutex
	ops      map[string]*Operation
	nextID   int
	nextDeal int
	calls    map[string]int
	fail     map[string]failure
	down     bool
	tamper   bool
	cards    map[string]string
}

func NewBank() *Bank {
	b := &Bank{
		ops:      make(map[string]*Operation),
		nextID:   7000,
		nextDeal: 100,
		calls:    make(map[string]int),
		fail:     make(map[string]failure),
		cards:    make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/Init", b.handle("Init", false, b.init))
	mux.HandleFunc("POST /v2/GetState", b.handle("GetState", false, b.getState))
	mux.HandleFunc("POST /v2/AddCustomer", b.handle("AddCustomer", true, b.addCustomer))
	mux.HandleFunc("POST /v2/AddCard", b.handle("AddCard", true, b.addCard))
	mux.HandleFunc("POST /e2c/v2/Init", b.handle("PayoutInit", true, b.payoutInit))
	mux.HandleFunc("POST /e2c/v2/Payment", b.handle("PayoutPayment", true, b.payoutPayment))
	mux.HandleFunc("POST /e2c/v2/GetState", b.handle("PayoutGetState", true, b.getState))
	b.Server = httptest.NewServer(mux)
	return b
}

// Config returns a client configuration pointing at the fake bank.
func (b *Bank) Config() gateway.Config {
	return gateway.Config{
		BaseURL:           b.URL,
		TerminalKey:       TerminalKey,
		Password:          Password,
		PayoutTerminalKey: PayoutTerminalKey,
		PayoutPassword:    PayoutPassword,
	}
}

// SetStatus changes the status the bank reports for paymentID.
func (b *Bank) SetStatus(paymentID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if op, ok := b.ops[paymentID]; ok {
		op.Status = status
	}
}

// Put registers an operation the bank knows about without a prior Init.
func (b *Bank) Put(op Operation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := op
	b.ops[op.PaymentID] = &cp
}

func (b *Bank) Op(paymentID string) (Operation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	op, ok := b.ops[paymentID]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}

// FailNext makes the next call of method answer Success=false.
func (b *Bank) FailNext(method, code, message string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail[method] = failure{code: code, message: message}
}

// SetDown makes every call answer 500.
func (b *Bank) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// SetTamper makes the bank sign its answers with the wrong secret.
func (b *Bank) SetTamper(tamper bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tamper = tamper
}

func (b *Bank) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

// Notification returns the signed webhook body the bank would push for the
// current state of paymentID.
func (b *Bank) Notification(paymentID string) []byte {
	b.mu.Lock()
	op := *b.ops[paymentID]
	b.mu.Unlock()

	terminal, secret := TerminalKey, Password
	if op.Payout {
		terminal, secret = PayoutTerminalKey, PayoutPassword
	}
	params := map[string]any{
		"TerminalKey": terminal,
		"OrderId":     op.OrderID,
		"Success":     true,
		"Status":      op.Status,
		"PaymentId":   mustInt(op.PaymentID),
		"ErrorCode":   "0",
		"Amount":      op.Amount,
	}
	return sign(params, secret)
}

// CardNotification returns the signed webhook for a bound card.
func (b *Bank) CardNotification(customerKey, requestKey, cardID string) []byte {
	return sign(map[string]any{
		"TerminalKey": PayoutTerminalKey,
		"CustomerKey": customerKey,
		"RequestKey":  requestKey,
		"CardId":      cardID,
		"Status":      "COMPLETED",
		"Success":     true,
		"ErrorCode":   "0",
	}, PayoutPassword)
}

func sign(params map[string]any, secret string) []byte {
	params["Token"] = gateway.Sign(params, secret)
	data, _ := json.Marshal(params)
	return data
}

func mustInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		panic(err)
	}
	return n
}

type handlerFunc func(req map[string]any) map[string]any

func (b *Bank) handle(method string, payout bool, h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		var req map[string]any
		if err := dec.Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		b.mu.Lock()
		b.calls[method]++
		down := b.down
		f, failing := b.fail[method]
		delete(b.fail, method)
		b.mu.Unlock()

		if down {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		secret := Password
		if payout {
			secret = PayoutPassword
		}
		var resp map[string]any
		switch {
		case !gateway.Verify(req, secret):
			resp = map[string]any{"Success": false, "ErrorCode": "204", "Message": "Неверный токен"}
		case failing:
			resp = map[string]any{"Success": false, "ErrorCode": f.code, "Message": f.message}
		default:
			b.mu.Lock()
			resp = h(req)
			b.mu.Unlock()
		}
		resp["Token"] = gateway.Sign(resp, secret)
		b.mu.Lock()
		if b.tamper {
			resp["Token"] = gateway.Sign(resp, "wrong")
		}
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func field(req map[string]any, k string) string {
	switch v := req[k].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func (b *Bank) newID() string {
	b.nextID++
	return strconv.Itoa(b.nextID)
}

func (b *Bank) init(req map[string]any) map[string]any {
	amount, _ := strconv.ParseInt(field(req, "Amount"), 10, 64)
	deal := field(req, "SpAccumulationId")
	if deal == "" && field(req, "CreateDealWithType") != "" {
		b.nextDeal++
		deal = fmt.Sprintf("deal-%d", b.nextDeal)
	}
	op := &Operation{
		PaymentID:        b.newID(),
		OrderID:          field(req, "OrderId"),
		Amount:           amount,
		Status:           "NEW",
		CustomerKey:      field(req, "CustomerKey"),
		SpAccumulationID: deal,
	}
	b.ops[op.PaymentID] = op
	return map[string]any{
		"Success":          true,
		"ErrorCode":        "0",
		"TerminalKey":      TerminalKey,
		"Status":           op.Status,
		"PaymentId":        op.PaymentID,
		"OrderId":          op.OrderID,
		"Amount":           op.Amount,
		"PaymentURL":       "https://pay.example.test/" + op.PaymentID,
		"SpAccumulationId": deal,
	}
}

func (b *Bank) getState(req map[string]any) map[string]any {
	op, ok := b.ops[field(req, "PaymentId")]
	if !ok {
		return map[string]any{"Success": false, "ErrorCode": "7", "Message": "Платеж не найден"}
	}
	return map[string]any{
		"Success":          true,
		"ErrorCode":        "0",
		"Status":           op.Status,
		"PaymentId":        op.PaymentID,
		"OrderId":          op.OrderID,
		"Amount":           op.Amount,
		"CustomerKey":      op.CustomerKey,
		"SpAccumulationId": op.SpAccumulationID,
	}
}

func (b *Bank) addCustomer(req map[string]any) map[string]any {
	return map[string]any{"Success": true, "ErrorCode": "0", "CustomerKey": field(req, "CustomerKey")}
}

func (b *Bank) addCard(req map[string]any) map[string]any {
	key := "req-" + b.newID()
	b.cards[key] = field(req, "CustomerKey")
	return map[string]any{
		"Success":     true,
		"ErrorCode":   "0",
		"CustomerKey": field(req, "CustomerKey"),
		"RequestKey":  key,
		"PaymentURL":  "https://pay.example.test/cards/" + key,
	}
}

func (b *Bank) payoutInit(req map[string]any) map[string]any {
	amount, _ := strconv.ParseInt(field(req, "Amount"), 10, 64)
	op := &Operation{
		PaymentID:        b.newID(),
		OrderID:          field(req, "OrderId"),
		Amount:           amount,
		Status:           "CHECKED",
		CardID:           field(req, "CardId"),
		SpAccumulationID: field(req, "DealId"),
		Payout:           true,
	}
	b.ops[op.PaymentID] = op
	return map[string]any{
		"Success":   true,
		"ErrorCode": "0",
		"Status":    op.Status,
		"PaymentId": op.PaymentID,
		"OrderId":   op.OrderID,
		"Amount":    op.Amount,
	}
}

func (b *Bank) payoutPayment(req map[string]any) map[string]any {
	op, ok := b.ops[field(req, "PaymentId")]
	if !ok {
		return map[string]any{"Success": false, "ErrorCode": "7", "Message": "Выплата не найдена"}
	}
	op.Status = "COMPLETING"
	return map[string]any{"Success": true, "ErrorCode": "0", "Status": op.Status, "PaymentId": op.PaymentID}
}
