package gateway

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/workmarket/backend/internal/apperr"
)

// Notification kinds.
const (
	KindPayment = "payment"
	KindPayout  = "payout"
	KindCard    = "card"
)

const notificationSchema = `{
	"type": "object",
	"required": ["TerminalKey", "Token"],
	"properties": {
		"TerminalKey": {"type": "string", "minLength": 1},
		"Token": {"type": "string", "pattern": "^[0-9a-fA-F]{64}$"},
		"Success": {"type": ["boolean", "string"]},
		"Status": {"type": "string"},
		"PaymentId": {"type": ["string", "integer"]},
		"OrderId": {"type": "string"},
		"Amount": {"type": "integer", "minimum": 0},
		"ErrorCode": {"type": "string"},
		"CustomerKey": {"type": "string"},
		"CardId": {"type": ["string", "integer"]},
		"RequestKey": {"type": "string"}
	},
	"anyOf": [
		{"required": ["PaymentId", "Status"]},
		{"required": ["RequestKey", "CustomerKey"]}
	]
}`

var compiledNotificationSchema = jsonschema.MustCompileString("gateway-notification.json", notificationSchema)

// Notification is a verified webhook from the gateway.
type Notification struct {
	Kind        string
	TerminalKey string
	Success     bool
	Status      string
	PaymentID   string
	OrderID     string
	Amount      decimal.Decimal
	ErrorCode   string
	CustomerKey string
	CardID      string
	RequestKey  string
}

// ParseNotification validates the shape of a webhook body and its Token.
// Nothing in the payload is trusted before both checks pass.
func (c *Client) ParseNotification(body []byte) (*Notification, error) {
	doc, err := decode(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	if err := compiledNotificationSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: notification: %v", apperr.ErrValidation, err)
	}

	terminal := str(doc["TerminalKey"])
	var secret string
	switch terminal {
	case c.cfg.TerminalKey:
		secret = c.cfg.Password
	case c.cfg.PayoutTerminalKey:
		secret = c.cfg.PayoutPassword
	default:
		return nil, fmt.Errorf("%w: unknown terminal %q", apperr.ErrForbidden, terminal)
	}
	if !Verify(doc, secret) {
		return nil, fmt.Errorf("%w: bad notification token", apperr.ErrForbidden)
	}

	res := toResult(doc)
	n := &Notification{
		TerminalKey: terminal,
		Success:     res.Success,
		Status:      res.Status,
		PaymentID:   res.ExternalID,
		OrderID:     res.OrderID,
		Amount:      res.Amount,
		ErrorCode:   res.ErrorCode,
		CustomerKey: res.CustomerKey,
		CardID:      res.CardID,
		RequestKey:  res.RequestKey,
	}
	switch {
	case n.RequestKey != "":
		n.Kind = KindCard
	case terminal == c.cfg.PayoutTerminalKey && terminal != c.cfg.TerminalKey:
		n.Kind = KindPayout
	default:
		n.Kind = KindPayment
	}
	return n, nil
}
