// Package pricing answers the price questions liquidation asks: can a net
// volume be closed right now and at what price, how much is that volume
// worth in the threshold currency, and how much maintenance margin a
// position uses.
package pricing

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrNoQuote is returned when an instrument has no usable quote.
var ErrNoQuote = errors.New("pricing: no quote")

// Book is the top of book for one instrument. FxRate converts the quote
// currency into the account currency. Zero sizes mean the venue does not
// publish depth, and any volume is accepted.
type Book struct {
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	BidSize decimal.Decimal `json:"bid_size"`
	AskSize decimal.Decimal `json:"ask_size"`
	FxRate  decimal.Decimal `json:"fx_rate"`
}

// Mid returns the mid price, or the one side that is quoted.
func (b Book) Mid() decimal.Decimal {
	switch {
	case b.Bid.IsPositive() && b.Ask.IsPositive():
		return b.Bid.Add(b.Ask).Div(decimal.NewFromInt(2))
	case b.Bid.IsPositive():
		return b.Bid
	default:
		return b.Ask
	}
}

func (b Book) fx() decimal.Decimal {
	if b.FxRate.IsPositive() {
		return b.FxRate
	}
	return decimal.NewFromInt(1)
}

// Quote is a price at which a given volume can be closed.
type Quote struct {
	Price  decimal.Decimal `json:"price"`
	FxRate decimal.Decimal `json:"fx_rate"`
}

// BookSource returns the current book of an instrument on a venue. An empty
// externalProviderID means the default venue. Implementations return
// ErrNoQuote when nothing is known.
type BookSource interface {
	Book(ctx context.Context, assetPairID, externalProviderID string) (Book, error)
}

// Router picks close prices from a BookSource.
type Router struct {
	books BookSource
}

// NewRouter creates a close-price router over books.
func NewRouter(books BookSource) *Router {
	return &Router{books: books}
}

// CloseQuote returns the price at which netVolume (signed like the
// positions being closed) can be closed: longs are sold at the bid, shorts
// bought at the ask. ok is false when the venue has no price on that side
// or not enough published depth.
func (r *Router) CloseQuote(ctx context.Context, assetPairID string, netVolume decimal.Decimal, externalProviderID string) (Quote, bool, error) {
	book, err := r.books.Book(ctx, assetPairID, externalProviderID)
	if errors.Is(err, ErrNoQuote) {
		return Quote{}, false, nil
	}
	if err != nil {
		return Quote{}, false, err
	}

	price, size := book.Bid, book.BidSize
	if netVolume.IsNegative() {
		price, size = book.Ask, book.AskSize
	}
	if !price.IsPositive() {
		return Quote{}, false, nil
	}
	if size.IsPositive() && size.LessThan(netVolume.Abs()) {
		return Quote{}, false, nil
	}
	return Quote{Price: price, FxRate: book.fx()}, true, nil
}

// StaticBooks is an in-memory BookSource, used in development and tests.
type StaticBooks struct {
	mu    sync.RWMutex
	books map[string]Book
}

// NewStaticBooks creates an empty book table.
func NewStaticBooks() *StaticBooks {
	return &StaticBooks{books: make(map[string]Book)}
}

// Set stores the book for an instrument on a venue.
func (s *StaticBooks) Set(assetPairID, externalProviderID string, b Book) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[bookKey(assetPairID, externalProviderID)] = b
}

func (s *StaticBooks) Book(_ context.Context, assetPairID, externalProviderID string) (Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.books[bookKey(assetPairID, externalProviderID)]; ok {
		return b, nil
	}
	if externalProviderID != "" {
		if b, ok := s.books[bookKey(assetPairID, "")]; ok {
			return b, nil
		}
	}
	return Book{}, ErrNoQuote
}

// bookKey is "quote:{asset}" for the default venue and
// "quote:{provider}:{asset}" otherwise.
func bookKey(assetPairID, externalProviderID string) string {
	if externalProviderID == "" {
		return "quote:" + assetPairID
	}
	return "quote:" + externalProviderID + ":" + assetPairID
}

var (
	_ BookSource = (*StaticBooks)(nil)
	_ BookSource = (*RedisBooks)(nil)
)
