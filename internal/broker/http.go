package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"kernel/internal/ratelimit"
	"kernel/pkg/types"
)

// HTTPConfig configures an HTTPBroker.
type HTTPConfig struct {
	BaseURL           string
	DryRun            bool
	RequestsPerSecond float64
	Burst             float64
}

// HTTPBroker is a resty-based reference broker.Adapter for a REST-style live
// brokerage: a rate-limited/retried resty client with a dry-run branch that
// returns synthetic success without an HTTP round-trip.
type HTTPBroker struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
	dryRun  bool
	logger  *slog.Logger

	events chan Event
	seq    uint64
}

// NewHTTPBroker builds an HTTP broker adapter against cfg.
func NewHTTPBroker(cfg HTTPConfig, logger *slog.Logger) *HTTPBroker {
	limiter := ratelimit.NewLimiter()
	limiter.Add("order", cfg.Burst, cfg.RequestsPerSecond)
	limiter.Add("cancel", cfg.Burst, cfg.RequestsPerSecond)
	limiter.Add("query", cfg.Burst, cfg.RequestsPerSecond)

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &HTTPBroker{
		http:    httpClient,
		limiter: limiter,
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "broker", "adapter", "http"),
		events:  make(chan Event, 256),
	}
}

func (b *HTTPBroker) SymbolInfo(ctx context.Context, name types.SymbolName) (SymbolInfo, error) {
	if err := b.limiter.Wait(ctx, "query"); err != nil {
		return SymbolInfo{}, err
	}
	var result SymbolInfo
	resp, err := b.http.R().SetContext(ctx).SetResult(&result).Get("/symbols/" + string(name))
	if err != nil {
		return SymbolInfo{}, fmt.Errorf("broker: symbol_info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return SymbolInfo{}, fmt.Errorf("broker: symbol_info: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

func (b *HTTPBroker) AccountInfo(ctx context.Context, account types.Account) (AccountInfo, error) {
	if err := b.limiter.Wait(ctx, "query"); err != nil {
		return AccountInfo{}, err
	}
	var result AccountInfo
	resp, err := b.http.R().SetContext(ctx).SetResult(&result).Get("/accounts/" + account.AccountID)
	if err != nil {
		return AccountInfo{}, fmt.Errorf("broker: account_info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return AccountInfo{}, fmt.Errorf("broker: account_info: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

func (b *HTTPBroker) Accounts(ctx context.Context) ([]types.Account, error) {
	if err := b.limiter.Wait(ctx, "query"); err != nil {
		return nil, err
	}
	var result []types.Account
	resp, err := b.http.R().SetContext(ctx).SetResult(&result).Get("/accounts")
	if err != nil {
		return nil, fmt.Errorf("broker: accounts: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("broker: accounts: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

func (b *HTTPBroker) margin(ctx context.Context, path string, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx, "query"); err != nil {
		return decimal.Decimal{}, err
	}
	var result struct {
		Required string `json:"required"`
	}
	resp, err := b.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{
			"account":     account.AccountID,
			"symbol_code": string(symbolCode),
			"quantity":    quantity.String(),
			"side":        string(side),
		}).
		SetResult(&result).
		Get(path)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("broker: margin required: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Decimal{}, fmt.Errorf("broker: margin required: status %d: %s", resp.StatusCode(), resp.String())
	}
	return decimal.NewFromString(result.Required)
}

func (b *HTTPBroker) IntradayMarginRequired(ctx context.Context, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error) {
	return b.margin(ctx, "/margin/intraday", account, symbolCode, quantity, side)
}

func (b *HTTPBroker) OvernightMarginRequired(ctx context.Context, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error) {
	return b.margin(ctx, "/margin/overnight", account, symbolCode, quantity, side)
}

func (b *HTTPBroker) CommissionInfo(ctx context.Context, symbolName types.SymbolName) (CommissionInfo, error) {
	if err := b.limiter.Wait(ctx, "query"); err != nil {
		return CommissionInfo{}, err
	}
	var result CommissionInfo
	resp, err := b.http.R().SetContext(ctx).SetResult(&result).Get("/commissions/" + string(symbolName))
	if err != nil {
		return CommissionInfo{}, fmt.Errorf("broker: commission_info: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return CommissionInfo{}, fmt.Errorf("broker: commission_info: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

func (b *HTTPBroker) nextDryRunID() string {
	b.seq++
	return fmt.Sprintf("dry-run-%d", b.seq)
}

func (b *HTTPBroker) PlaceOrder(ctx context.Context, intent OrderIntent) (types.Order, error) {
	now := time.Now().UTC()
	if b.dryRun {
		b.logger.Info("DRY-RUN: would place order", "symbol", intent.SymbolName, "side", intent.Side, "type", intent.Type, "quantity", intent.Quantity)
		return types.Order{
			ID: b.nextDryRunID(), Account: intent.Account, SymbolName: intent.SymbolName, SymbolCode: intent.SymbolCode,
			Side: intent.Side, Type: intent.Type, QuantityOpen: intent.Quantity, LimitPrice: intent.LimitPrice,
			TriggerPrice: intent.TriggerPrice, TimeInForce: intent.TimeInForce, Tag: intent.Tag,
			State: types.OrderAccepted, CreateTime: now, UpdateTime: now,
		}, nil
	}
	if err := b.limiter.Wait(ctx, "order"); err != nil {
		return types.Order{}, err
	}

	body, err := json.Marshal(intent)
	if err != nil {
		return types.Order{}, fmt.Errorf("broker: marshal place_order: %w", err)
	}
	var result types.Order
	resp, err := b.http.R().SetContext(ctx).SetBody(json.RawMessage(body)).SetResult(&result).Post("/orders")
	if err != nil {
		return types.Order{}, fmt.Errorf("broker: place_order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.Order{}, fmt.Errorf("broker: place_order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result, nil
}

func (b *HTTPBroker) CancelOrder(ctx context.Context, orderID, reason string) error {
	if b.dryRun {
		b.logger.Info("DRY-RUN: would cancel order", "order_id", orderID, "reason", reason)
		return nil
	}
	if err := b.limiter.Wait(ctx, "cancel"); err != nil {
		return err
	}
	resp, err := b.http.R().SetContext(ctx).
		SetQueryParam("reason", reason).
		Delete("/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("broker: cancel_order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("broker: cancel_order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (b *HTTPBroker) CancelAll(ctx context.Context, account types.Account) error {
	if b.dryRun {
		b.logger.Info("DRY-RUN: would cancel all orders", "account", account.Tag())
		return nil
	}
	if err := b.limiter.Wait(ctx, "cancel"); err != nil {
		return err
	}
	resp, err := b.http.R().SetContext(ctx).
		SetQueryParam("account", account.AccountID).
		Delete("/cancel-all")
	if err != nil {
		return fmt.Errorf("broker: cancel_all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("broker: cancel_all: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (b *HTTPBroker) FlattenAll(ctx context.Context, account types.Account) error {
	if b.dryRun {
		b.logger.Info("DRY-RUN: would flatten all positions", "account", account.Tag())
		return nil
	}
	if err := b.limiter.Wait(ctx, "order"); err != nil {
		return err
	}
	resp, err := b.http.R().SetContext(ctx).
		SetQueryParam("account", account.AccountID).
		Post("/flatten-all")
	if err != nil {
		return fmt.Errorf("broker: flatten_all: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("broker: flatten_all: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (b *HTTPBroker) UpdateOrder(ctx context.Context, orderID string, limitPrice, triggerPrice, quantity *decimal.Decimal) error {
	if b.dryRun {
		b.logger.Info("DRY-RUN: would update order", "order_id", orderID)
		return nil
	}
	if err := b.limiter.Wait(ctx, "order"); err != nil {
		return err
	}
	payload := struct {
		LimitPrice   *decimal.Decimal `json:"limit_price,omitempty"`
		TriggerPrice *decimal.Decimal `json:"trigger_price,omitempty"`
		Quantity     *decimal.Decimal `json:"quantity,omitempty"`
	}{limitPrice, triggerPrice, quantity}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broker: marshal update_order: %w", err)
	}
	resp, err := b.http.R().SetContext(ctx).SetBody(json.RawMessage(body)).Patch("/orders/" + orderID)
	if err != nil {
		return fmt.Errorf("broker: update_order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("broker: update_order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}

func (b *HTTPBroker) Events() <-chan Event { return b.events }

func (b *HTTPBroker) Connect(ctx context.Context) error {
	b.logger.Info("http broker connected", "dry_run", b.dryRun)
	return nil
}

func (b *HTTPBroker) Close() error {
	close(b.events)
	return nil
}
