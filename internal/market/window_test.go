package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quantrelay/scalpd/pkg/types"
)

func TestStorePushAndSeries(t *testing.T) {
	s := NewStore(3)

	for i := 1; i <= 5; i++ {
		s.Push(types.Ticker{
			Symbol:    "BTCUSDT",
			Last:      decimal.NewFromInt(int64(i)),
			Volume:    decimal.NewFromInt(int64(i * 10)),
			Timestamp: time.Now(),
		})
	}

	prices, volumes := s.Series("BTCUSDT")
	if len(prices) != 3 || len(volumes) != 3 {
		t.Fatalf("window len = %d/%d, want capacity 3", len(prices), len(volumes))
	}
	if !prices[0].Equal(decimal.NewFromInt(3)) || !prices[2].Equal(decimal.NewFromInt(5)) {
		t.Fatalf("oldest samples not evicted: %v", prices)
	}

	last, ok := s.LastPrice("BTCUSDT")
	if !ok || !last.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("last price = %s", last)
	}
}

func TestStoreSeriesReturnsCopy(t *testing.T) {
	s := NewStore(10)
	s.Push(types.Ticker{Symbol: "ETHUSDT", Last: decimal.NewFromInt(3000)})

	prices, _ := s.Series("ETHUSDT")
	prices[0] = decimal.NewFromInt(1)

	again, _ := s.Series("ETHUSDT")
	if !again[0].Equal(decimal.NewFromInt(3000)) {
		t.Fatal("series mutation leaked into the store")
	}
}

func TestStoreUnknownSymbol(t *testing.T) {
	s := NewStore(10)

	if prices, _ := s.Series("NOPE"); prices != nil {
		t.Fatal("unknown symbol returned a series")
	}
	if _, ok := s.LastPrice("NOPE"); ok {
		t.Fatal("unknown symbol returned a price")
	}
	if s.Len("NOPE") != 0 {
		t.Fatal("unknown symbol has nonzero length")
	}
}
