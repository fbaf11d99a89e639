// Package storage persists measurements and speedtest baselines.
//
// Drivers:
//   - "file": JSON lines, compacted by age and record count
//   - "sqlite": one database file (modernc.org/sqlite, no cgo)
package storage
