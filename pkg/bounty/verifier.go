package bounty

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"node-emissions/pkg/amount"
	"node-emissions/pkg/logger"
	"node-emissions/pkg/model"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskNotPending = errors.New("task is not awaiting verification")
	ErrPeriodClosed   = errors.New("period already settled; award would not be paid")
)

// Amount is baseRate × weight × accuracy for a valid evaluation, truncated
// to micro-units; zero otherwise.
func Amount(baseRate amount.Amount, weight amount.PPM, ev Evaluation) (amount.Amount, error) {
	if !ev.Valid || ev.Accuracy <= 0 || math.IsNaN(ev.Accuracy) {
		return 0, nil
	}
	acc := ev.Accuracy
	if acc > 1 {
		acc = 1
	}
	weighted, err := baseRate.Apply(weight)
	if err != nil {
		return 0, err
	}
	accPPM, err := amount.FromFloat(acc)
	if err != nil {
		return 0, err
	}
	return weighted.Apply(amount.PPM(accPPM))
}

// TaskStore is the slice of storage the verifier needs.
type TaskStore interface {
	GetTask(id string) (model.Task, bool, error)
	SaveTask(model.Task) error
	SaveBounty(model.BountyAward) error
	AppendAudit(model.AuditEntry) error
}

// AwardID is the bounty id for a task's award. One task yields at most one
// award, so a repeated save of it is a no-op in the store.
func AwardID(taskID string) string { return "task:" + taskID }

// Verifier evaluates submitted tasks and records their bounty awards.
type Verifier struct {
	Store     TaskStore
	Evaluator Evaluator
	Now       func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
}

// claim marks taskID as being processed; false when another call holds it.
func (v *Verifier) claim(taskID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.inflight == nil {
		v.inflight = make(map[string]bool)
	}
	if v.inflight[taskID] {
		return false
	}
	v.inflight[taskID] = true
	return true
}

func (v *Verifier) release(taskID string) {
	v.mu.Lock()
	delete(v.inflight, taskID)
	v.mu.Unlock()
}

func (v *Verifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

// Process evaluates task taskID for period with the given base rate. The
// task moves to verified (award recorded) or rejected. Evaluator failures
// never surface here; they degrade to the fallback heuristic. Concurrent
// calls for one task are refused, and the award id is derived from the task
// so a retry after a failed task write cannot pay twice.
func (v *Verifier) Process(ctx context.Context, period uint64, baseRate amount.Amount, taskID string) (model.Task, *model.BountyAward, error) {
	if !v.claim(taskID) {
		return model.Task{}, nil, fmt.Errorf("%w: %s is already being verified", ErrTaskNotPending, taskID)
	}
	defer v.release(taskID)

	task, ok, err := v.Store.GetTask(taskID)
	if err != nil {
		return model.Task{}, nil, err
	}
	if !ok {
		return model.Task{}, nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if task.Status != model.TaskAssigned && task.Status != model.TaskInProgress {
		return task, nil, fmt.Errorf("%w: %s is %s", ErrTaskNotPending, taskID, task.Status)
	}

	ev, _ := Guarded{Inner: v.Evaluator}.Evaluate(ctx, Submission{
		TaskID:   task.ID,
		TaskType: task.Type,
		Wallet:   task.Wallet,
		Evidence: task.Evidence,
	})
	amt, err := Amount(baseRate, task.Weight, ev)
	if err != nil {
		return task, nil, fmt.Errorf("bounty amount: %w", err)
	}

	var award *model.BountyAward
	if ev.Valid && amt > 0 {
		award = &model.BountyAward{
			ID:        AwardID(task.ID),
			Period:    period,
			Wallet:    task.Wallet,
			TaskID:    task.ID,
			Amount:    amt,
			CreatedAt: v.now(),
		}
		if err := v.Store.SaveBounty(*award); err != nil {
			return task, nil, err
		}
		task.Status = model.TaskVerified
	} else {
		task.Status = model.TaskRejected
	}
	if err := v.Store.SaveTask(task); err != nil {
		return task, award, err
	}
	log := logger.Named("bounty")
	if err := v.Store.AppendAudit(model.AuditEntry{
		Actor:     "verifier",
		Action:    "task_" + string(task.Status),
		Target:    task.ID,
		Detail:    fmt.Sprintf("period=%d amount=%s fallback=%t", period, amt, ev.Fallback),
		Timestamp: v.now(),
	}); err != nil {
		log.Warn("append audit failed", zap.String("task", task.ID), zap.Error(err))
	}
	log.Info("task processed",
		zap.String("task", task.ID),
		zap.String("status", string(task.Status)),
		zap.Stringer("amount", amt),
		zap.Bool("fallback", ev.Fallback),
	)
	return task, award, nil
}
