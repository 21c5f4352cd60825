//go:build !sqlite

package pricelog

import (
	"testing"

	logx "pricefeeder/pkg/logx"
)

func TestSQLiteDriverNotBuilt(t *testing.T) {
	t.Parallel()

	if _, err := Open(Config{Driver: "sqlite", Path: t.TempDir() + "/p.db"}, logx.Nop()); err == nil {
		t.Fatalf("expected error without sqlite build tag")
	}
}
