package pricelog

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"

	logx "pricefeeder/pkg/logx"
)

// tailWindow bounds how much of a file Last reads when nothing is cached.
const tailWindow = 64 << 10

// fileStore keeps one append-only file per coin.
//
// Both job kinds of a coin append to the same file, so each coin has its own
// lock; different coins never contend.
type fileStore struct {
	dir    string
	log    logx.Logger
	coins  cmap.ConcurrentMap[string, *coinFile]
	closed atomic.Bool
}

type coinFile struct {
	mu   sync.Mutex
	path string
	f    *os.File

	last    Entry
	hasLast bool
	loaded  bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, errors.New("price_log.dir is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{dir: dir, log: log, coins: cmap.New[*coinFile]()}, nil
}

func (s *fileStore) coin(coin string) (*coinFile, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if err := checkCoin(coin); err != nil {
		return nil, err
	}
	s.coins.SetIfAbsent(coin, &coinFile{path: filepath.Join(s.dir, coin+".log")})
	cf, _ := s.coins.Get(coin)
	return cf, nil
}

func (s *fileStore) Append(ctx context.Context, coin string, e Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.validate(); err != nil {
		return err
	}
	cf, err := s.coin(coin)
	if err != nil {
		return err
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if cf.f == nil {
		f, err := os.OpenFile(cf.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		cf.f = f
	}
	if _, err := cf.f.WriteString(formatLine(e)); err != nil {
		return err
	}
	cf.last, cf.hasLast, cf.loaded = e, true, true
	return nil
}

func (s *fileStore) Last(ctx context.Context, coin string) (Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, false, err
	}
	cf, err := s.coin(coin)
	if err != nil {
		return Entry{}, false, err
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	if cf.loaded {
		return cf.last, cf.hasLast, nil
	}
	e, ok, err := readTail(cf.path, s.log.With(logx.String("coin", coin)))
	if err != nil {
		return Entry{}, false, err
	}
	cf.last, cf.hasLast, cf.loaded = e, ok, true
	return e, ok, nil
}

// History returns up to n most recent entries, oldest first.
func (s *fileStore) History(ctx context.Context, coin string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	cf, err := s.coin(coin)
	if err != nil {
		return nil, err
	}

	cf.mu.Lock()
	defer cf.mu.Unlock()
	f, err := os.Open(cf.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]Entry, 0, n)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e, err := parseLine(sc.Text())
		if err != nil {
			continue
		}
		if len(ring) == n {
			copy(ring, ring[1:])
			ring = ring[:n-1]
		}
		ring = append(ring, e)
	}
	return ring, sc.Err()
}

func (s *fileStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for item := range s.coins.IterBuffered() {
		cf := item.Val
		cf.mu.Lock()
		if cf.f != nil {
			errs = append(errs, cf.f.Close())
			cf.f = nil
		}
		cf.mu.Unlock()
	}
	return errors.Join(errs...)
}

// readTail returns the last well-formed entry of the file. A torn final line
// (crash during append) is skipped with a warning.
func readTail(path string, log logx.Logger) (Entry, bool, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return Entry{}, false, err
	}
	off := max(st.Size()-tailWindow, 0)
	buf := make([]byte, st.Size()-off)
	if _, err := f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return Entry{}, false, err
	}

	lines := strings.Split(string(buf), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if off > 0 && i == 0 {
			break // possibly cut in the middle
		}
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			log.Warn("skipping malformed price log line", logx.String("path", path), logx.Err(err))
			continue
		}
		return e, true, nil
	}
	return Entry{}, false, nil
}
