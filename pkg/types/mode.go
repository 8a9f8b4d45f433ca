package types

// Mode selects which clock and order-routing path the kernel uses. All three
// modes share identical event-ordering and ledger semantics; only the source
// of time and the destination of order requests differ.
type Mode string

const (
	ModeBacktest  Mode = "BACKTEST"
	ModeLivePaper Mode = "LIVE_PAPER"
	ModeLive      Mode = "LIVE"
)

// UsesMatchingEngine reports whether order requests in this mode are filled
// locally by the Matching Engine rather than routed to a broker adapter.
func (m Mode) UsesMatchingEngine() bool {
	return m == ModeBacktest || m == ModeLivePaper
}
