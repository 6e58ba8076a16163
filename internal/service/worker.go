package service

import (
	"github.com/unclebandit/skymail-dispatch/internal/queue"
)

// Worker groups the task handlers a worker process can run.
type Worker struct {
	Scheduler    *Scheduler
	Orchestrator *Orchestrator
	BatchSender  *BatchSender
}

func NewWorker(scheduler *Scheduler, orchestrator *Orchestrator, batchSender *BatchSender) *Worker {
	return &Worker{
		Scheduler:    scheduler,
		Orchestrator: orchestrator,
		BatchSender:  batchSender,
	}
}

// Register wires every handler into the runner. Lanes decide which of them
// a given process actually receives.
func (w *Worker) Register(r *queue.Runner) {
	r.Register(TaskEnqueueDueCampaigns, w.Scheduler.Run)
	r.Register(TaskSendCampaign, w.Orchestrator.Dispatch)
	r.Register(TaskFinalizeCampaign, w.Orchestrator.Finalize)
	r.Register(TaskSendCampaignBatch, w.BatchSender.Send)
}
