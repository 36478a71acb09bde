// Package core provides the fundamental types shared by the orchestration packages.
//
// This package contains:
//   - Job, VerificationJob, AWOCheckpoint and model-lineage records with GORM annotations
//   - The typed, ordered sub-task map stored in a collection job's params
//   - Queue names and the job-type to queue routing table
//   - Broker message payloads
//   - Error types for job processing
//
// Most users should import the root package github.com/jdziat/backtest-orchestrator
// instead of this package directly.
package core
