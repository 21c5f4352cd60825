//go:build sqlite

package pricelog

import (
	"context"
	"path/filepath"
	"testing"

	logx "pricefeeder/pkg/logx"
)

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "prices.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	if _, ok, _ := st.Last(ctx, "BTC"); ok {
		t.Fatalf("expected empty store")
	}
	for i, p := range []string{"100", "105", "99.5"} {
		if err := st.Append(ctx, "BTC", Entry{Timestamp: int64(i + 1), Price: p}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	e, ok, err := st.Last(ctx, "BTC")
	if err != nil || !ok || e.Price != "99.5" {
		t.Fatalf("Last = %+v ok:%v err:%v", e, ok, err)
	}
	h, err := st.History(ctx, "BTC", 2)
	if err != nil || len(h) != 2 || h[0].Price != "105" {
		t.Fatalf("History = %+v err:%v", h, err)
	}
}
