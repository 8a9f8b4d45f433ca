package types

import "fmt"

// Subscription is a user's request for a derived data series: a symbol at a
// resolution, base data type, and candle type. The (Resolution, BaseDataKind)
// pair must be realizable by consolidation from some vendor-native primary
// resolution/type for the symbol — enforced by the Subscription Handler, not
// by this type.
type Subscription struct {
	Symbol      Symbol
	Resolution  Resolution
	BaseDataKind BaseDataKind
	CandleType  CandleType
}

// Key returns a stable string identity for use as a map key.
func (s Subscription) Key() string {
	return fmt.Sprintf("%s|%s|%d|%d", s.Symbol, s.Resolution, s.BaseDataKind, s.CandleType)
}

func (s Subscription) String() string { return s.Key() }

// PrimarySubscription is a vendor-native feed the kernel must ingest from a
// vendor adapter to serve one or more user Subscriptions.
type PrimarySubscription struct {
	Symbol       Symbol
	Resolution   Resolution
	BaseDataKind BaseDataKind
}

func (p PrimarySubscription) Key() string {
	return fmt.Sprintf("%s|%s|%d", p.Symbol, p.Resolution, p.BaseDataKind)
}
