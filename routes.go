package orchestrator

import (
	"context"
	"fmt"

	"github.com/jdziat/backtest-orchestrator/pkg/broker"
	"github.com/jdziat/backtest-orchestrator/pkg/core"
	"github.com/jdziat/backtest-orchestrator/pkg/metrics"
	"github.com/jdziat/backtest-orchestrator/pkg/worker"
)

// registerRoutes binds the four queues to their workers. While a handler
// runs, the consumer's tick mirrors the row's progress into metrics; a
// handler panic fails the job.
func (p *Pipeline) registerRoutes() {
	collectionRoute := worker.Route{
		Handle:  worker.JSONHandler(p.Collection.Process),
		Tick:    p.mirrorCollection,
		Recover: p.failCollection,
	}
	verificationRoute := worker.Route{
		Handle:  worker.JSONHandler(p.Verification.Process),
		Tick:    p.mirrorVerification,
		Recover: p.failVerification,
	}
	p.Worker.Handle(core.QueueBulkCollection, collectionRoute)
	p.Worker.Handle(core.QueueDailyCollection, collectionRoute)
	p.Worker.Handle(core.QueueHeavyVerification, verificationRoute)
	p.Worker.Handle(core.QueueLightVerification, verificationRoute)
}

func (p *Pipeline) mirrorCollection(ctx context.Context, msg broker.Message) {
	var m core.CollectionMessage
	if err := msg.Decode(&m); err != nil {
		return
	}
	job, err := p.Store.GetJob(ctx, m.JobID)
	if err != nil {
		p.Logger.Debug().Err(err).Str("job_id", m.JobID).Msg("progress mirror skipped")
		return
	}
	p.Metrics.JobProgress(metrics.KindCollection, job.JobID, m.StockCode, job.Progress)
}

func (p *Pipeline) mirrorVerification(ctx context.Context, msg broker.Message) {
	var m core.VerificationMessage
	if err := msg.Decode(&m); err != nil {
		return
	}
	v, err := p.Store.GetVerificationJob(ctx, m.VJobID)
	if err != nil {
		p.Logger.Debug().Err(err).Str("v_job_id", m.VJobID).Msg("progress mirror skipped")
		return
	}
	p.Metrics.JobProgress(metrics.KindVerification, v.VJobID, v.StockCode, v.Progress)
}

func (p *Pipeline) failCollection(ctx context.Context, msg broker.Message, pe *worker.PanicError) {
	var m core.CollectionMessage
	if err := msg.Decode(&m); err != nil {
		return
	}
	err := p.Store.FailJob(ctx, m.JobID, fmt.Sprintf("task %s: %v", m.TaskKey, pe))
	if err != nil {
		p.Logger.Error().Err(err).Str("job_id", m.JobID).Msg("failed to record panic")
		return
	}
	p.Metrics.JobFinished(metrics.KindCollection, m.JobID, core.StatusFailed)
}

func (p *Pipeline) failVerification(ctx context.Context, msg broker.Message, pe *worker.PanicError) {
	var m core.VerificationMessage
	if err := msg.Decode(&m); err != nil {
		return
	}
	err := p.Store.FailVerificationJob(ctx, m.VJobID, fmt.Sprintf("%s: %v", m.VType, pe))
	if err != nil {
		p.Logger.Error().Err(err).Str("v_job_id", m.VJobID).Msg("failed to record panic")
		return
	}
	p.Metrics.JobFinished(metrics.KindVerification, m.VJobID, core.StatusFailed)
}
