//go:build !sqlite

package pricelog

import (
	"errors"

	logx "pricefeeder/pkg/logx"
)

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite price log not built: build with -tags sqlite")
}
