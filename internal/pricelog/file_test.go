package pricelog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	logx "pricefeeder/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFileStoreAppendAndLast(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st := openTestStore(t, dir)
	ctx := context.Background()

	if _, ok, err := st.Last(ctx, "BTC"); err != nil || ok {
		t.Fatalf("Last on empty = ok:%v err:%v, want absent", ok, err)
	}

	if err := st.Append(ctx, "BTC", Entry{Timestamp: 1000, Price: "50000"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := st.Append(ctx, "BTC", Entry{Timestamp: 2000, Price: "50900.5"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	e, ok, err := st.Last(ctx, "BTC")
	if err != nil || !ok {
		t.Fatalf("Last = ok:%v err:%v", ok, err)
	}
	if e.Timestamp != 2000 || e.Price != "50900.5" {
		t.Fatalf("Last = %+v", e)
	}

	b, err := os.ReadFile(filepath.Join(dir, "BTC.log"))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got, want := string(b), "1000 50000\n2000 50900.5\n"; got != want {
		t.Fatalf("file = %q, want %q", got, want)
	}
}

func TestFileStoreLastSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	st1, err := Open(Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st1.Append(ctx, "ETH", Entry{Timestamp: 42, Price: "3100.25"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_ = st1.Close()

	st2 := openTestStore(t, dir)
	e, ok, err := st2.Last(ctx, "ETH")
	if err != nil || !ok || e.Price != "3100.25" || e.Timestamp != 42 {
		t.Fatalf("Last after reopen = %+v ok:%v err:%v", e, ok, err)
	}
}

func TestFileStoreSkipsTornLine(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "SOL.log"), []byte("10 150\n20 151.5\n30 \n"), 0o644); err != nil {
		t.Fatal(err)
	}

	st := openTestStore(t, dir)
	e, ok, err := st.Last(context.Background(), "SOL")
	if err != nil || !ok {
		t.Fatalf("Last = ok:%v err:%v", ok, err)
	}
	if e.Timestamp != 20 || e.Price != "151.5" {
		t.Fatalf("Last = %+v, want 20/151.5", e)
	}
}

func TestFileStoreConcurrentAppends(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	st := openTestStore(t, dir)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := st.Append(ctx, "BTC", Entry{Timestamp: int64(i), Price: fmt.Sprintf("%d.5", i)}); err != nil {
				t.Errorf("Append: %v", err)
			}
		}(i)
	}
	wg.Wait()

	b, err := os.ReadFile(filepath.Join(dir, "BTC.log"))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	if len(lines) != 50 {
		t.Fatalf("lines = %d, want 50", len(lines))
	}
	for _, l := range lines {
		if _, err := parseLine(l); err != nil {
			t.Fatalf("interleaved write: %q", l)
		}
	}
}

func TestFileStoreHistory(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, t.TempDir())
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := st.Append(ctx, "BTC", Entry{Timestamp: int64(i), Price: fmt.Sprint(i * 100)}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.History(ctx, "BTC", 3)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 || got[0].Timestamp != 3 || got[2].Timestamp != 5 {
		t.Fatalf("History = %+v", got)
	}
}

func TestFileStoreRejectsBadInput(t *testing.T) {
	t.Parallel()

	st := openTestStore(t, t.TempDir())
	ctx := context.Background()

	if err := st.Append(ctx, "../etc", Entry{Timestamp: 1, Price: "1"}); !errors.Is(err, ErrInvalidCoin) {
		t.Fatalf("err = %v, want ErrInvalidCoin", err)
	}
	if err := st.Append(ctx, "BTC", Entry{Timestamp: 1, Price: "abc"}); !errors.Is(err, ErrBadEntry) {
		t.Fatalf("err = %v, want ErrBadEntry", err)
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if err := st.Append(context.Background(), "BTC", Entry{Timestamp: 1, Price: "1"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}
