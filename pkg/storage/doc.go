// Package storage is the job store.
//
// This package includes:
//   - GormStorage: collection jobs, verification jobs, scan checkpoints,
//     backtest rows, predictions, model lineage, golden parameters and
//     watchdog health events, on SQLite or PostgreSQL
//   - Open and the pool helpers used to connect it
//
// Progress writes that touch a job's shared sub-task map run in a transaction
// holding a row lock on the job. Status transitions are guarded updates: a row
// already in a terminal status is never moved again and the caller receives
// core.ErrTerminalStatus.
package storage
