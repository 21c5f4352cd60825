// Package scheduler runs the per-coin job state machine.
//
// Each (coin, kind) job is either Stopped (no timer, no stats) or Running
// (cron entry armed, stats present). Ticks of the same job never overlap;
// different coins and kinds run concurrently.
package scheduler
