package pricelog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrClosed      = errors.New("price log closed")
	ErrInvalidCoin = errors.New("invalid coin symbol")
	ErrBadEntry    = errors.New("malformed price log entry")
)

// Config selects and configures the driver.
type Config struct {
	Driver      string
	Dir         string        // file driver
	Path        string        // sqlite driver
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Entry is one recorded price.
type Entry struct {
	Timestamp int64 // unix millis
	Price     string
}

func (e Entry) Time() time.Time { return time.UnixMilli(e.Timestamp) }

// Store is the persistence API used by attestation retrieval (append) and
// the deviation evaluator (last).
type Store interface {
	Append(ctx context.Context, coin string, e Entry) error
	Last(ctx context.Context, coin string) (Entry, bool, error)
	History(ctx context.Context, coin string, n int) ([]Entry, error)
	Close() error
}

var coinRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

func checkCoin(coin string) error {
	if !coinRe.MatchString(coin) {
		return fmt.Errorf("%w: %q", ErrInvalidCoin, coin)
	}
	return nil
}

func (e Entry) validate() error {
	if e.Timestamp <= 0 {
		return fmt.Errorf("%w: timestamp %d", ErrBadEntry, e.Timestamp)
	}
	if _, err := decimal.NewFromString(e.Price); err != nil {
		return fmt.Errorf("%w: price %q", ErrBadEntry, e.Price)
	}
	return nil
}

func formatLine(e Entry) string {
	return strconv.FormatInt(e.Timestamp, 10) + " " + e.Price + "\n"
}

func parseLine(line string) (Entry, error) {
	ts, price, ok := strings.Cut(strings.TrimSpace(line), " ")
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadEntry, line)
	}
	ms, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %q", ErrBadEntry, line)
	}
	e := Entry{Timestamp: ms, Price: strings.TrimSpace(price)}
	if err := e.validate(); err != nil {
		return Entry{}, err
	}
	return e, nil
}
