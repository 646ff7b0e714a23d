package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"order-saga/models"
)

// HTTPGateway talks to a processor exposing POST /charges and POST /refunds.
// Every call carries an Idempotency-Key header.
type HTTPGateway struct {
	baseURL string
	http    *http.Client
}

func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type chargeBody struct {
	OrderNumber string          `json:"order_number"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Method      string          `json:"method"`
	IPAddress   string          `json:"ip_address,omitempty"`
}

type refundBody struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	var res ChargeResult
	err := g.post(ctx, "/charges", req.PaymentID, chargeBody{
		OrderNumber: req.OrderNumber,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Method:      string(req.Method),
		IPAddress:   req.IPAddress,
	}, &res)
	return res, err
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	var res RefundResult
	err := g.post(ctx, "/refunds", req.RefundID, refundBody{
		TransactionID: req.TransactionID,
		Amount:        req.Amount,
		Currency:      req.Currency,
	}, &res)
	return res, err
}

// post sends body and decodes a decided outcome into out. 2xx and 402 carry a
// decision; anything else leaves the outcome unknown.
func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrGateway, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPaymentRequired && (resp.StatusCode < 200 || resp.StatusCode > 299) {
		return fmt.Errorf("%w: %s returned %d", models.ErrGateway, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", models.ErrGateway, path, err)
	}
	return nil
}
