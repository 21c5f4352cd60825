// Package pricelog persists the last tracked price per coin.
//
// It is an append-only record of (unix millis, decimal price) pairs used as
// the deviation baseline, not a general datastore. Drivers:
//   - "file": one text file per coin, "<ms> <price>" per line (default)
//   - "sqlite": single SQLite database (build tag sqlite)
package pricelog
