// Package market maintains rolling price/volume windows per symbol, the
// input to regime classification and volatility estimates.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrelay/scalpd/pkg/types"
)

// Window is a fixed-capacity rolling series of ticker samples for one symbol.
type Window struct {
	capacity int
	prices   []decimal.Decimal
	volumes  []decimal.Decimal
	updated  time.Time
}

func newWindow(capacity int) *Window {
	return &Window{
		capacity: capacity,
		prices:   make([]decimal.Decimal, 0, capacity),
		volumes:  make([]decimal.Decimal, 0, capacity),
	}
}

func (w *Window) push(t types.Ticker) {
	w.prices = append(w.prices, t.Last)
	w.volumes = append(w.volumes, t.Volume)
	if len(w.prices) > w.capacity {
		w.prices = w.prices[1:]
		w.volumes = w.volumes[1:]
	}
	w.updated = t.Timestamp
}

// Store holds windows for every traded symbol.
type Store struct {
	mu       sync.RWMutex
	capacity int
	windows  map[string]*Window
}

// NewStore creates a store whose windows hold up to capacity samples.
func NewStore(capacity int) *Store {
	return &Store{
		capacity: capacity,
		windows:  make(map[string]*Window),
	}
}

// Push appends a ticker sample to its symbol's window.
func (s *Store) Push(t types.Ticker) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.windows[t.Symbol]
	if !ok {
		w = newWindow(s.capacity)
		s.windows[t.Symbol] = w
	}
	w.push(t)
}

// Series returns copies of the price and volume series for a symbol.
func (s *Store) Series(symbol string) (prices, volumes []decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[symbol]
	if !ok {
		return nil, nil
	}
	prices = make([]decimal.Decimal, len(w.prices))
	copy(prices, w.prices)
	volumes = make([]decimal.Decimal, len(w.volumes))
	copy(volumes, w.volumes)
	return prices, volumes
}

// LastPrice returns the most recent price for a symbol.
func (s *Store) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[symbol]
	if !ok || len(w.prices) == 0 {
		return decimal.Decimal{}, false
	}
	return w.prices[len(w.prices)-1], true
}

// Len returns the sample count for a symbol.
func (s *Store) Len(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[symbol]
	if !ok {
		return 0
	}
	return len(w.prices)
}
