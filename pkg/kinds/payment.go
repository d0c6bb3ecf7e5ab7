package kinds

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/currency"

	"github.com/Mindburn-Labs/txgate/pkg/contracts"
)

// PaymentEffect is the effect name of the built-in payment kind.
const PaymentEffect = "payment"

var paymentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://txgate.local/payments"))

type paymentPayload struct {
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Payee       string      `json:"payee,omitempty"`
	Description string      `json:"description,omitempty"`
}

// PaymentResult is stored as the record result of a processed payment.
type PaymentResult struct {
	PaymentID string `json:"payment_id"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
	Payee     string `json:"payee,omitempty"`
	Status    string `json:"status"`
}

func applyPayment(_ context.Context, req *contracts.TransactionRequest) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(req.Payload))
	dec.UseNumber()
	var p paymentPayload
	if err := dec.Decode(&p); err != nil {
		return nil, reject(req.Kind, "malformed payment: %v", err)
	}

	amount, ok := new(big.Rat).SetString(p.Amount.String())
	if !ok {
		return nil, reject(req.Kind, "invalid amount")
	}
	if amount.Sign() <= 0 {
		return nil, reject(req.Kind, "amount must be positive")
	}

	unit, err := currency.ParseISO(strings.TrimSpace(p.Currency))
	if err != nil {
		return nil, reject(req.Kind, "invalid currency")
	}
	scale, _ := currency.Standard.Rounding(unit)
	minor := new(big.Rat).Mul(amount, new(big.Rat).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)))
	if !minor.IsInt() {
		return nil, reject(req.Kind, "amount has more than %d decimal places for %s", scale, unit)
	}

	return json.Marshal(PaymentResult{
		PaymentID: uuid.NewSHA1(paymentNamespace, []byte(req.IdempotencyKey)).String(),
		Amount:    amount.FloatString(scale),
		Currency:  unit.String(),
		Payee:     p.Payee,
		Status:    "captured",
	})
}
