package filters

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

type fakeFetcher struct {
	calls int64
	delay time.Duration
	err   error
}

func (f *fakeFetcher) FetchSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return SymbolFilters{}, f.err
	}
	return SymbolFilters{
		Symbol:   symbol,
		TickSize: decimal.RequireFromString("0.01"),
		StepSize: decimal.RequireFromString("0.001"),
		MinQty:   decimal.RequireFromString("0.001"),
	}, nil
}

func TestCacheGet_CachesUntilTTLExpires(t *testing.T) {
	fetcher := &fakeFetcher{}
	cache := NewCache(fetcher, time.Hour, nil)

	now := time.Now()
	cache.clock = func() time.Time { return now }

	ctx := context.Background()
	if _, err := cache.Get(ctx, "BTC/USDT:USDT"); err != nil {
		t.Fatalf("first get: %v", err)
	}
	if _, err := cache.Get(ctx, "BTC/USDT:USDT"); err != nil {
		t.Fatalf("second get: %v", err)
	}
	if got := atomic.LoadInt64(&fetcher.calls); got != 1 {
		t.Fatalf("expected 1 upstream call before expiry, got %d", got)
	}

	now = now.Add(2 * time.Hour)
	if _, err := cache.Get(ctx, "BTC/USDT:USDT"); err != nil {
		t.Fatalf("get after expiry: %v", err)
	}
	if got := atomic.LoadInt64(&fetcher.calls); got != 2 {
		t.Fatalf("expected refresh after expiry, got %d calls", got)
	}
}

func TestCacheGet_CoalescesConcurrentMisses(t *testing.T) {
	fetcher := &fakeFetcher{delay: 50 * time.Millisecond}
	cache := NewCache(fetcher, time.Hour, nil)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), "BTC/USDT:USDT"); err != nil {
				t.Errorf("concurrent get: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&fetcher.calls); got != 1 {
		t.Fatalf("expected coalesced single upstream call, got %d", got)
	}
}

func TestCacheGet_PropagatesUnknownSymbol(t *testing.T) {
	fetcher := &fakeFetcher{err: ErrUnknownSymbol}
	cache := NewCache(fetcher, time.Hour, nil)

	_, err := cache.Get(context.Background(), "NOPE/USDT")
	if !errors.Is(err, ErrUnknownSymbol) {
		t.Fatalf("expected ErrUnknownSymbol, got %v", err)
	}

	// 失败不得污染缓存
	if got := atomic.LoadInt64(&fetcher.calls); got != 1 {
		t.Fatalf("expected 1 call, got %d", got)
	}
	_, _ = cache.Get(context.Background(), "NOPE/USDT")
	if got := atomic.LoadInt64(&fetcher.calls); got != 2 {
		t.Fatalf("expected error results not cached, got %d calls", got)
	}
}

func TestSymbolFiltersValidate(t *testing.T) {
	f := SymbolFilters{
		Symbol:   "BTC/USDT:USDT",
		TickSize: decimal.RequireFromString("0.01"),
		StepSize: decimal.RequireFromString("0.001"),
	}
	if err := f.Validate(); err != nil {
		t.Errorf("valid filters rejected: %v", err)
	}

	f.TickSize = decimal.Zero
	if err := f.Validate(); err == nil {
		t.Errorf("zero tick size must be rejected")
	}
}
