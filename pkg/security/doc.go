// Package security provides validation, sanitization, and limits for the orchestration packages.
//
// This package includes:
//   - Input validation for stock codes and queue names
//   - Error message sanitization and truncation before storage
//   - Clamping functions to enforce safe limits on retries and concurrency
//
// Most users should import the root package github.com/jdziat/backtest-orchestrator
// which re-exports these functions.
package security
