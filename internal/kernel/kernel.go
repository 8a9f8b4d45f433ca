// Package kernel implements the Strategy Kernel: the mode-polymorphic event
// loop that drives the Subscription Handler, Market Price Service, Ledger
// Service, Matching Engine, and Indicator Handler in a fixed order each
// tick, and exposes a single ordered event stream plus an order-request
// surface to user strategy code.
//
// A single goroutine selects over a shutdown signal, inbound data channels,
// and a timer, calling into per-tick logic synchronously. That shape is
// generalized across three clock sources (backtest cursor, live wall clock,
// live wall clock with broker routing) behind one Run method.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"kernel/internal/broker"
	"kernel/internal/export"
	"kernel/internal/indicator"
	"kernel/internal/ledger"
	"kernel/internal/matching"
	"kernel/internal/mps"
	"kernel/internal/risk"
	"kernel/internal/subscription"
	"kernel/internal/timedevent"
	"kernel/internal/vendor"
	"kernel/pkg/types"
)

// marginSource supplies the margin a prospective order would require, so
// the risk Manager can gate it pre-trade. broker.Adapter and
// broker.PaperBroker both satisfy this.
type marginSource interface {
	IntradayMarginRequired(ctx context.Context, account types.Account, symbolCode types.SymbolCode, quantity decimal.Decimal, side types.Side) (decimal.Decimal, error)
}

// opKind tags an orderRequest's operation.
type opKind int

const (
	opPlace opKind = iota
	opCancel
	opCancelAll
	opFlattenAll
	opUpdate
)

type orderRequest struct {
	kind         opKind
	intent       broker.OrderIntent
	account      types.Account
	orderID      string
	reason       string
	limitPrice   *decimal.Decimal
	triggerPrice *decimal.Decimal
	quantity     *decimal.Decimal
	reply        chan orderReply
}

type orderReply struct {
	order types.Order
	err   error
}

type subscribeRequest struct {
	sub         types.Subscription
	history     []types.BaseData
	unsubscribe bool
	reply       chan subscribeReply
}

type subscribeReply struct {
	events []types.DataSubscriptionEvent
	err    error
}

// Config bundles the fixed parameters the kernel is built with.
type Config struct {
	Mode types.Mode

	// Backtest only: the fixed step the `now` cursor advances by each
	// iteration, and the cursor's start/end bounds.
	Step      time.Duration
	StartTime time.Time
	EndTime   time.Time

	// Live/LivePaper only: how often the kernel wakes up to poll timed
	// events and drive a paper-broker tick in the absence of fresh data.
	TickInterval time.Duration

	// AdapterTimeout bounds every broker/vendor adapter call.
	AdapterTimeout time.Duration

	RequestCapacity int // order/subscribe request inbox capacity
	EventCapacity   int // outbound StrategyEvent channel capacity

	FlattenOnShutdown bool
	Accounts          []types.Account
}

// Kernel is the Strategy Kernel: it owns no state of its own beyond routing
// and clock bookkeeping, delegating everything else to the actor services it
// drives.
type Kernel struct {
	cfg    Config
	logger *slog.Logger

	sh *subscription.Handler
	ih *indicator.Handler
	te *timedevent.Handler

	mpsSvc    *mps.Service
	ledgerSvc *ledger.Service
	matchSvc  *matching.Service // nil when the mode bypasses the Matching Engine

	vendorAdapter vendor.Adapter             // Live/LivePaper
	historical    vendor.HistoricalProvider  // Backtest
	brokerAdapter broker.Adapter             // Live

	exporter *export.Exporter          // nil disables trade-history export
	symbols  ledger.SymbolInfoProvider // same provider given to the Ledger Service, for export currency lookups

	risk         *risk.Manager // nil disables pre-trade and portfolio risk checks
	marginSource marginSource  // nil skips the margin gate; kill switch still applies

	orderReqs     chan orderRequest
	subscribeReqs chan subscribeRequest
	events        chan types.StrategyEvent

	now      time.Time
	insertSeq uint64
	warmedUp bool
}

// Dependencies bundles every collaborator the kernel drives. Which fields
// must be non-nil depends on cfg.Mode: Backtest needs Historical; Live
// needs BrokerAdapter; Live/LivePaper need VendorAdapter.
type Dependencies struct {
	Subscription  *subscription.Handler
	Indicator     *indicator.Handler
	TimedEvent    *timedevent.Handler
	MPS           *mps.Service
	Ledger        *ledger.Service
	Matching      *matching.Service
	VendorAdapter vendor.Adapter
	Historical    vendor.HistoricalProvider
	BrokerAdapter broker.Adapter

	// Exporter, if set, receives one row per closed position. Symbols must
	// be the same SymbolInfoProvider passed to the Ledger Service, used to
	// resolve a closed position's booking currency for the export row.
	Exporter *export.Exporter
	Symbols  ledger.SymbolInfoProvider

	// Risk, if set, gates every PlaceOrder against the kill switch and
	// (when MarginSource is also set) against available margin, and
	// receives one portfolio snapshot per account per tick.
	Risk         *risk.Manager
	MarginSource marginSource
}

// New builds a Strategy Kernel. It does not start any goroutine; call Run.
func New(cfg Config, deps Dependencies, logger *slog.Logger) *Kernel {
	if cfg.RequestCapacity < 1 {
		cfg.RequestCapacity = 256
	}
	if cfg.EventCapacity < 1 {
		cfg.EventCapacity = 256
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = 10 * time.Second
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Kernel{
		cfg:           cfg,
		logger:        logger.With("component", "kernel", "mode", string(cfg.Mode)),
		sh:            deps.Subscription,
		ih:            deps.Indicator,
		te:            deps.TimedEvent,
		mpsSvc:        deps.MPS,
		ledgerSvc:     deps.Ledger,
		matchSvc:      deps.Matching,
		vendorAdapter: deps.VendorAdapter,
		historical:    deps.Historical,
		brokerAdapter: deps.BrokerAdapter,
		exporter:      deps.Exporter,
		symbols:       deps.Symbols,
		risk:          deps.Risk,
		marginSource:  deps.MarginSource,
		orderReqs:     make(chan orderRequest, cfg.RequestCapacity),
		subscribeReqs: make(chan subscribeRequest, cfg.RequestCapacity),
		events:        make(chan types.StrategyEvent, cfg.EventCapacity),
		now:           cfg.StartTime,
	}
}

// Events returns the kernel's single ordered output stream. Strategy code
// reads from it in its own goroutine; the kernel blocks sending to it when
// the reader falls behind, halting further ticks (the documented
// back-pressure behavior).
func (k *Kernel) Events() <-chan types.StrategyEvent { return k.events }

// Now returns the kernel's current clock value (the backtest cursor, or the
// wall-clock time of the last processed tick in live modes).
func (k *Kernel) Now() time.Time { return k.now }

// Run drives the kernel's event loop until ctx is cancelled or (Backtest
// only) the configured time range is exhausted.
func (k *Kernel) Run(ctx context.Context) error {
	switch k.cfg.Mode {
	case types.ModeBacktest:
		return k.runBacktest(ctx)
	default:
		return k.runLive(ctx)
	}
}

func (k *Kernel) runBacktest(ctx context.Context) error {
	defer close(k.events)

	for {
		select {
		case <-ctx.Done():
			k.shutdown(context.Background(), "context cancelled")
			return ctx.Err()
		case req := <-k.orderReqs:
			k.handleOrder(ctx, req)
			continue
		case req := <-k.subscribeReqs:
			k.handleSubscribe(req)
			continue
		default:
		}

		if !k.cfg.EndTime.IsZero() && !k.now.Before(k.cfg.EndTime) {
			break
		}

		slice, err := k.historical.FetchUpTo(ctx, k.now)
		if err != nil {
			k.logger.Error("historical fetch failed", "error", err, "now", k.now)
		} else {
			k.processTick(ctx, k.now, slice)
		}
		k.now = k.now.Add(k.cfg.Step)
	}

	k.shutdown(ctx, "backtest range exhausted")
	return nil
}

func (k *Kernel) runLive(ctx context.Context) error {
	defer close(k.events)

	ticker := time.NewTicker(k.cfg.TickInterval)
	defer ticker.Stop()

	var dataCh <-chan types.TimeSlice
	var disconnectCh <-chan string
	if k.vendorAdapter != nil {
		dataCh = k.vendorAdapter.Events()
		disconnectCh = k.vendorAdapter.Disconnects()
	}
	var brokerEvents <-chan broker.Event
	if k.brokerAdapter != nil {
		brokerEvents = k.brokerAdapter.Events()
	}

	for {
		select {
		case <-ctx.Done():
			k.shutdown(context.Background(), "context cancelled")
			return ctx.Err()

		case req := <-k.orderReqs:
			k.handleOrder(ctx, req)

		case req := <-k.subscribeReqs:
			k.handleSubscribe(req)

		case reason, ok := <-disconnectCh:
			if !ok {
				disconnectCh = nil
				continue
			}
			k.send(types.StrategyEvent{
				Kind: types.EventDataSubscriptionEvent, Time: time.Now().UTC(),
				SubscriptionEvent: types.DataSubscriptionEvent{Kind: types.SubscriptionDisconnected, Reason: reason},
			})

		case slice, ok := <-dataCh:
			if !ok {
				dataCh = nil
				continue
			}
			k.now = time.Now().UTC()
			k.processTick(ctx, k.now, slice)

		case evt, ok := <-brokerEvents:
			if !ok {
				brokerEvents = nil
				continue
			}
			k.now = time.Now().UTC()
			k.handleBrokerEvent(evt)

		case t := <-ticker.C:
			k.now = t.UTC()
			k.processTimer(ctx, k.now)
		}
	}
}

// processTick runs one full pipeline pass for a batch of primary data:
// Subscription Handler -> MPS -> Ledger mark-to-market -> Matching Engine
// tick -> Indicator Handler, then emits the fixed-order event batch.
func (k *Kernel) processTick(ctx context.Context, now time.Time, slice types.TimeSlice) {
	k.markWarmUpComplete(now)

	consolidated := k.sh.Update(slice)

	if err := k.mpsSvc.OnSlice(ctx, slice); err != nil {
		k.logger.Error("mps OnSlice failed", "error", err)
	}
	if err := k.ledgerSvc.TimesliceUpdate(ctx, slice); err != nil {
		k.logger.Error("ledger TimesliceUpdate failed", "error", err)
	}

	var orderEvents []types.OrderUpdateEvent
	var positionEvents []types.PositionUpdateEvent
	if k.matchSvc != nil {
		result, err := k.matchSvc.OnTick(ctx, now)
		if err != nil {
			k.logger.Error("matching OnTick failed", "error", err)
		} else {
			orderEvents = result.OrderEvents
			positionEvents = result.PositionEvents
		}
	}

	indicatorEvents := k.indicatorEventsFor(consolidated)
	timed := k.te.Check(now)

	k.exportClosedPositions(ctx, positionEvents)
	k.reportRisk(ctx, now)
	k.emitTick(now, consolidated, indicatorEvents, orderEvents, positionEvents, timed)
}

// markWarmUpComplete fires once, on the first tick carrying real primary
// data: any historical backfill an indicator wanted happened synchronously
// at Register time via WarmUp(history), so by the time live data starts
// flowing through the pipeline, warm-up is over.
func (k *Kernel) markWarmUpComplete(now time.Time) {
	if k.warmedUp {
		return
	}
	k.warmedUp = true
	k.ih.SetWarmedUp(true)
	k.send(types.StrategyEvent{Kind: types.EventWarmUpComplete, Time: now})
}

// reportRisk pushes one portfolio snapshot per configured account to the
// risk Manager. Exposure is read off the Ledger Service's cash-used figure
// (the margin the account currently has committed); the market price used
// for rapid-movement detection is that of the account's first open
// position, a proxy rather than a single well-defined "account price".
func (k *Kernel) reportRisk(ctx context.Context, now time.Time) {
	if k.risk == nil {
		return
	}
	for _, account := range k.cfg.Accounts {
		cash, err := k.ledgerSvc.AccountInfo(ctx, account)
		if err != nil {
			continue
		}
		positions, err := k.ledgerSvc.Positions(ctx, account)
		if err != nil {
			continue
		}

		var unrealized, realized, price decimal.Decimal
		for _, pos := range positions {
			unrealized = unrealized.Add(pos.OpenPnL)
			realized = realized.Add(pos.BookedPnL)
			if price.IsZero() && !pos.IsClosed {
				if mp, ok, err := k.mpsSvc.MarketPrice(ctx, pos.Side, pos.SymbolName, pos.SymbolCode); err == nil && ok {
					price = mp
				}
			}
		}

		k.risk.Report(risk.PositionReport{
			Account: account, ExposureUsed: cash.CashUsed,
			UnrealizedPnL: unrealized, RealizedPnL: realized,
			MarketPrice: price, Time: now,
		})
	}
}

// checkOrderRisk applies the pre-trade risk gate to a PlaceOrder request:
// the kill switch unconditionally, and (when a margin source is
// configured) required margin against the account's available cash.
func (k *Kernel) checkOrderRisk(ctx context.Context, intent broker.OrderIntent) (reason string, ok bool) {
	if k.risk == nil {
		return "", true
	}

	var requiredMargin decimal.Decimal
	if k.marginSource != nil {
		m, err := k.marginSource.IntradayMarginRequired(ctx, intent.Account, intent.SymbolCode, intent.Quantity, intent.Side)
		if err != nil {
			return fmt.Sprintf("margin lookup failed: %v", err), false
		}
		requiredMargin = m
	}

	var availableCash decimal.Decimal
	if cash, err := k.ledgerSvc.AccountInfo(ctx, intent.Account); err == nil {
		availableCash = cash.CashAvailable
	}

	return k.risk.CheckOrder(requiredMargin, availableCash)
}

func (k *Kernel) pnlCurrencyFor(code types.SymbolCode) types.Currency {
	if k.symbols == nil {
		return ""
	}
	sym, ok := k.symbols.SymbolInfo(code)
	if !ok {
		return ""
	}
	return sym.PnLCurrency
}

// exportClosedPositions writes a CSV row for every PositionEventClosed in
// events. The event itself carries only the delta; the full record (entry
// and exit price, booked P&L) is read back from the Ledger Service, which
// keeps a closed position in place until its symbol reopens.
func (k *Kernel) exportClosedPositions(ctx context.Context, events []types.PositionUpdateEvent) {
	if k.exporter == nil {
		return
	}
	for _, evt := range events {
		if evt.Kind != types.PositionEventClosed {
			continue
		}
		positions, err := k.ledgerSvc.Positions(ctx, evt.Account)
		if err != nil {
			k.logger.Error("export: positions lookup failed", "error", err)
			continue
		}
		for _, pos := range positions {
			if pos.SymbolCode != evt.SymbolCode || !pos.IsClosed {
				continue
			}
			currency := k.pnlCurrencyFor(pos.SymbolCode)
			if err := k.exporter.WriteClosedPosition(pos, currency); err != nil {
				k.logger.Error("export: write closed position failed", "error", err, "symbol", pos.SymbolCode)
			}
		}
	}
}

// processTimer drives time-based bar closure and timed events without any
// new primary data — a live clock tick with nothing to consolidate, still
// needed so session/time-bucket consolidators close on schedule and so
// timed events fire even during a quiet market.
func (k *Kernel) processTimer(ctx context.Context, now time.Time) {
	closed := k.sh.UpdateTime(now)
	indicatorEvents := k.indicatorEventsFor(closed)

	var orderEvents []types.OrderUpdateEvent
	var positionEvents []types.PositionUpdateEvent
	if k.matchSvc != nil {
		result, err := k.matchSvc.OnTick(ctx, now)
		if err != nil {
			k.logger.Error("matching OnTick failed", "error", err)
		} else {
			orderEvents = result.OrderEvents
			positionEvents = result.PositionEvents
		}
	}

	timed := k.te.Check(now)
	k.exportClosedPositions(ctx, positionEvents)
	k.reportRisk(ctx, now)
	k.emitTick(now, closed, indicatorEvents, orderEvents, positionEvents, timed)
}

func (k *Kernel) indicatorEventsFor(closed types.TimeSlice) []types.IndicatorEvent {
	var out []types.IndicatorEvent
	for _, item := range closed.Items {
		if !item.IsClosed() {
			continue
		}
		sub := subscriptionForClosedItem(item)
		out = append(out, k.ih.OnClosedBar(item, sub)...)
	}
	return out
}

// subscriptionForClosedItem reconstructs the Subscription key a closed bar
// was produced for directly from its own fields (symbol, resolution, kind,
// candle type), since the Subscription Handler's output carries no explicit
// back-pointer to the subscription that requested it.
func subscriptionForClosedItem(item types.BaseData) types.Subscription {
	candleType := types.CandleStandard
	if item.Kind == types.KindCandle {
		candleType = item.Candle.CandleType
	}
	return types.Subscription{
		Symbol:       item.Symbol,
		Resolution:   item.Resolution(),
		BaseDataKind: item.Kind,
		CandleType:   candleType,
	}
}

// emitTick sends one tick's events in the fixed order: TimeSlice ->
// IndicatorEvents -> OrderEvents -> PositionEvents -> TimedEvents. Within a
// category, events carry their own time; ties are broken by the order they
// were produced in, which insertSeq does not change but documents.
func (k *Kernel) emitTick(now time.Time, slice types.TimeSlice, indicatorEvents []types.IndicatorEvent, orderEvents []types.OrderUpdateEvent, positionEvents []types.PositionUpdateEvent, timed []string) {
	if len(slice.Items) > 0 {
		k.send(types.StrategyEvent{Kind: types.EventTimeSlice, Time: now, TimeSlice: slice})
	}

	sort.SliceStable(indicatorEvents, func(i, j int) bool { return indicatorEvents[i].Time.Before(indicatorEvents[j].Time) })
	for _, evt := range indicatorEvents {
		k.send(types.StrategyEvent{Kind: types.EventIndicatorEvent, Time: evt.Time, IndicatorEvent: evt})
	}

	sort.SliceStable(orderEvents, func(i, j int) bool { return orderEvents[i].Time.Before(orderEvents[j].Time) })
	for _, evt := range orderEvents {
		k.send(types.StrategyEvent{Kind: types.EventOrderEvents, Time: evt.Time, OrderEvent: evt})
	}

	sort.SliceStable(positionEvents, func(i, j int) bool { return positionEvents[i].Time.Before(positionEvents[j].Time) })
	for _, evt := range positionEvents {
		k.send(types.StrategyEvent{Kind: types.EventPositionEvents, Time: evt.Time, PositionEvent: evt})
	}

	for _, name := range timed {
		k.send(types.StrategyEvent{Kind: types.EventTimedEvent, Time: now, TimedEventName: name})
	}
}

func (k *Kernel) send(evt types.StrategyEvent) {
	k.insertSeq++
	k.events <- evt
}

func (k *Kernel) handleBrokerEvent(evt broker.Event) {
	switch {
	case evt.OrderUpdate != nil:
		k.send(types.StrategyEvent{Kind: types.EventOrderEvents, Time: evt.OrderUpdate.Time, OrderEvent: *evt.OrderUpdate})
	case evt.PositionUpdate != nil:
		pos := evt.PositionUpdate.Position
		if k.exporter != nil && pos.IsClosed {
			if err := k.exporter.WriteClosedPosition(pos, k.pnlCurrencyFor(pos.SymbolCode)); err != nil {
				k.logger.Error("export: write closed position failed", "error", err, "symbol", pos.SymbolCode)
			}
		}
		k.send(types.StrategyEvent{
			Kind: types.EventPositionEvents, Time: evt.PositionUpdate.Time,
			PositionEvent: types.PositionUpdateEvent{
				PositionID: pos.ID,
				Account:    evt.PositionUpdate.Account,
				SymbolCode: pos.SymbolCode,
				Side:       pos.Side,
				Time:       evt.PositionUpdate.Time,
			},
		})
	case evt.AccountUpdate != nil:
		k.logger.Debug("live account update", "account", evt.AccountUpdate.Account.Tag(), "cash_value", evt.AccountUpdate.CashValue)
	}
}

// shutdown flattens every configured account if so requested, then emits a
// final ShutdownEvent. Adapter calls use a background context so shutdown
// completes even when the triggering ctx is already cancelled.
func (k *Kernel) shutdown(ctx context.Context, reason string) {
	if k.cfg.FlattenOnShutdown {
		for _, account := range k.cfg.Accounts {
			if err := k.flattenAccount(ctx, account); err != nil {
				k.logger.Error("flatten-on-shutdown failed", "account", account.Tag(), "error", err)
			}
		}
	}
	k.send(types.StrategyEvent{Kind: types.EventShutdownEvent, Time: k.now, ShutdownReason: reason})
}

func (k *Kernel) flattenAccount(ctx context.Context, account types.Account) error {
	if k.cfg.Mode.UsesMatchingEngine() {
		if k.matchSvc == nil {
			return fmt.Errorf("kernel: no matching engine configured")
		}
		_, err := k.matchSvc.FlattenAllFor(ctx, account, k.now)
		return err
	}
	if k.brokerAdapter == nil {
		return fmt.Errorf("kernel: no broker adapter configured")
	}
	return k.brokerAdapter.FlattenAll(ctx, account)
}
