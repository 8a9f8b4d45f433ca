package indicator

import (
	"time"

	"github.com/shopspring/decimal"

	"kernel/pkg/types"
)

// SMA is a simple moving average of closed-bar close prices over period
// points. It reports nothing until period points have been seen.
type SMA struct {
	sub    types.Subscription
	period int

	window []decimal.Decimal
	sum    decimal.Decimal
	hist   *ring
}

// NewSMA builds an SMA indicator over sub's closed bars.
func NewSMA(sub types.Subscription, period, historyCapacity int) *SMA {
	return &SMA{sub: sub, period: period, hist: newRing(historyCapacity)}
}

func (s *SMA) Subscription() types.Subscription { return s.sub }
func (s *SMA) Plots() []string                  { return []string{"sma"} }
func (s *SMA) History() [][]decimal.Decimal      { return s.hist.items() }

func (s *SMA) WarmUp(history []types.BaseData) {
	for _, d := range history {
		s.fold(d)
	}
}

func (s *SMA) Update(data types.BaseData) ([]decimal.Decimal, bool) {
	avg, ok := s.fold(data)
	if !ok {
		return nil, false
	}
	values := []decimal.Decimal{avg}
	s.hist.push(values)
	return values, true
}

func (s *SMA) fold(data types.BaseData) (decimal.Decimal, bool) {
	price, ok := closePrice(data)
	if !ok {
		return decimal.Decimal{}, false
	}
	s.window = append(s.window, price)
	s.sum = s.sum.Add(price)
	if len(s.window) > s.period {
		s.sum = s.sum.Sub(s.window[0])
		s.window = s.window[1:]
	}
	if len(s.window) < s.period {
		return decimal.Decimal{}, false
	}
	return s.sum.Div(decimal.NewFromInt(int64(s.period))), true
}

// EMA is an exponential moving average seeded by a simple average of the
// first period points, then updated via the standard recurrence
// ema = price*k + prevEma*(1-k), k = 2/(period+1).
type EMA struct {
	sub    types.Subscription
	period int
	k      decimal.Decimal

	seed     []decimal.Decimal
	seedSum  decimal.Decimal
	have     bool
	prevEMA  decimal.Decimal
	hist     *ring
}

// NewEMA builds an EMA indicator over sub's closed bars.
func NewEMA(sub types.Subscription, period, historyCapacity int) *EMA {
	k := decimal.NewFromInt(2).Div(decimal.NewFromInt(int64(period) + 1))
	return &EMA{sub: sub, period: period, k: k, hist: newRing(historyCapacity)}
}

func (e *EMA) Subscription() types.Subscription { return e.sub }
func (e *EMA) Plots() []string                  { return []string{"ema"} }
func (e *EMA) History() [][]decimal.Decimal      { return e.hist.items() }

func (e *EMA) WarmUp(history []types.BaseData) {
	for _, d := range history {
		e.fold(d)
	}
}

func (e *EMA) Update(data types.BaseData) ([]decimal.Decimal, bool) {
	v, ok := e.fold(data)
	if !ok {
		return nil, false
	}
	values := []decimal.Decimal{v}
	e.hist.push(values)
	return values, true
}

func (e *EMA) fold(data types.BaseData) (decimal.Decimal, bool) {
	price, ok := closePrice(data)
	if !ok {
		return decimal.Decimal{}, false
	}
	if e.have {
		e.prevEMA = price.Mul(e.k).Add(e.prevEMA.Mul(decimal.NewFromInt(1).Sub(e.k)))
		return e.prevEMA, true
	}
	e.seed = append(e.seed, price)
	e.seedSum = e.seedSum.Add(price)
	if len(e.seed) < e.period {
		return decimal.Decimal{}, false
	}
	e.prevEMA = e.seedSum.Div(decimal.NewFromInt(int64(e.period)))
	e.have = true
	e.seed = nil
	return e.prevEMA, true
}

// ATR is Wilder's average true range over period bars: the running average
// of true range, where true range is max(high-low, |high-prevClose|,
// |low-prevClose|). The first bar's true range is simply high-low.
type ATR struct {
	sub    types.Subscription
	period int

	count     int
	sum       decimal.Decimal
	prevATR   decimal.Decimal
	have      bool
	prevClose decimal.Decimal
	havePrev  bool
	hist      *ring
}

// NewATR builds an ATR indicator over sub's closed bars (Candle only).
func NewATR(sub types.Subscription, period, historyCapacity int) *ATR {
	return &ATR{sub: sub, period: period, hist: newRing(historyCapacity)}
}

func (a *ATR) Subscription() types.Subscription { return a.sub }
func (a *ATR) Plots() []string                  { return []string{"atr"} }
func (a *ATR) History() [][]decimal.Decimal      { return a.hist.items() }

func (a *ATR) WarmUp(history []types.BaseData) {
	for _, d := range history {
		a.fold(d)
	}
}

func (a *ATR) Update(data types.BaseData) ([]decimal.Decimal, bool) {
	v, ok := a.fold(data)
	if !ok {
		return nil, false
	}
	values := []decimal.Decimal{v}
	a.hist.push(values)
	return values, true
}

func (a *ATR) fold(data types.BaseData) (decimal.Decimal, bool) {
	if data.Kind != types.KindCandle {
		return decimal.Decimal{}, false
	}
	c := data.Candle
	tr := c.High.Sub(c.Low)
	if a.havePrev {
		tr = decimalMax(tr, c.High.Sub(a.prevClose).Abs())
		tr = decimalMax(tr, c.Low.Sub(a.prevClose).Abs())
	}
	a.prevClose = c.Close
	a.havePrev = true

	if !a.have {
		a.sum = a.sum.Add(tr)
		a.count++
		if a.count < a.period {
			return decimal.Decimal{}, false
		}
		a.prevATR = a.sum.Div(decimal.NewFromInt(int64(a.period)))
		a.have = true
		return a.prevATR, true
	}
	n := decimal.NewFromInt(int64(a.period))
	a.prevATR = a.prevATR.Mul(n.Sub(decimal.NewFromInt(1))).Add(tr).Div(n)
	return a.prevATR, true
}

func decimalMax(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// OrderFlowImbalance detects adverse-selection / toxic flow from a rolling
// window of trade ticks: a burst of fills skewed heavily to one side,
// possibly combined with high trade velocity, signals informed flow
// sweeping resting quotes. Reports
// [directionalImbalance, fillVelocityPerMinute, toxicityScore].
type OrderFlowImbalance struct {
	sub    types.Subscription
	window time.Duration

	times       []time.Time
	aggressors  []types.Aggressor
	hist        *ring
}

// NewOrderFlowImbalance builds the indicator over sub's tick stream with a
// rolling window of the given duration.
func NewOrderFlowImbalance(sub types.Subscription, window time.Duration, historyCapacity int) *OrderFlowImbalance {
	return &OrderFlowImbalance{sub: sub, window: window, hist: newRing(historyCapacity)}
}

func (o *OrderFlowImbalance) Subscription() types.Subscription { return o.sub }
func (o *OrderFlowImbalance) Plots() []string {
	return []string{"directional_imbalance", "fill_velocity", "toxicity_score"}
}
func (o *OrderFlowImbalance) History() [][]decimal.Decimal { return o.hist.items() }

func (o *OrderFlowImbalance) WarmUp(history []types.BaseData) {
	for _, d := range history {
		o.fold(d)
	}
}

func (o *OrderFlowImbalance) Update(data types.BaseData) ([]decimal.Decimal, bool) {
	values, ok := o.fold(data)
	if !ok {
		return nil, false
	}
	o.hist.push(values)
	return values, true
}

func (o *OrderFlowImbalance) fold(data types.BaseData) ([]decimal.Decimal, bool) {
	if data.Kind != types.KindTick {
		return nil, false
	}
	at := data.Tick.Time
	o.times = append(o.times, at)
	o.aggressors = append(o.aggressors, data.Tick.Aggressor)
	o.evictStale(at)

	if len(o.times) == 0 {
		return nil, false
	}

	var buy, sell int
	for _, ag := range o.aggressors {
		switch ag {
		case types.AggressorBuy:
			buy++
		case types.AggressorSell:
			sell++
		}
	}
	total := len(o.aggressors)
	dominant := buy
	if sell > dominant {
		dominant = sell
	}
	imbalance := decimal.NewFromInt(int64(dominant)).Div(decimal.NewFromInt(int64(total)))

	windowMinutes := o.window.Minutes()
	velocity := decimal.NewFromInt(int64(total)).Div(decimal.NewFromFloat(windowMinutes))

	velocityFactor := velocity.Div(decimal.NewFromInt(3))
	if velocityFactor.GreaterThan(decimal.NewFromInt(1)) {
		velocityFactor = decimal.NewFromInt(1)
	}

	score := imbalance.Mul(decimal.NewFromFloat(0.6)).Add(velocityFactor.Mul(decimal.NewFromFloat(0.4)))

	return []decimal.Decimal{imbalance, velocity, score}, true
}

func (o *OrderFlowImbalance) evictStale(now time.Time) {
	cutoff := now.Add(-o.window)
	i := 0
	for i < len(o.times) && !o.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		o.times = o.times[i:]
		o.aggressors = o.aggressors[i:]
	}
}
