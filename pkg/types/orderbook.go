package types

import "github.com/shopspring/decimal"

// BookLevel is one level of an order book: its index (0 = top of book),
// price, and resting volume.
type BookLevel struct {
	Index  int
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// OrderBook is a sparse level -> BookLevel map for one side (bid or ask) of
// one symbol. Level 0 is top of book.
type OrderBook struct {
	Levels map[int]BookLevel
}

// NewOrderBook returns an empty book.
func NewOrderBook() OrderBook {
	return OrderBook{Levels: make(map[int]BookLevel)}
}

// Top returns level 0 and whether it exists.
func (b OrderBook) Top() (BookLevel, bool) {
	lvl, ok := b.Levels[0]
	return lvl, ok
}

// Empty reports whether the book has no levels.
func (b OrderBook) Empty() bool { return len(b.Levels) == 0 }

// Set replaces (or inserts) a level.
func (b *OrderBook) Set(lvl BookLevel) {
	if b.Levels == nil {
		b.Levels = make(map[int]BookLevel)
	}
	b.Levels[lvl.Index] = lvl
}

// Clear removes all levels.
func (b *OrderBook) Clear() {
	b.Levels = make(map[int]BookLevel)
}
