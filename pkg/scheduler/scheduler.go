// Package scheduler drives settlement and risk checks on their own cadences.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"node-emissions/pkg/cluster"
	"node-emissions/pkg/logger"
	"node-emissions/pkg/model"
	"node-emissions/pkg/risk"
	"node-emissions/pkg/settlement"
)

const actorName = "scheduler"

type Settler interface {
	Settle(ctx context.Context, period uint64, actor string) (model.Commitment, error)
}

type ParamsSource interface {
	GetGovernance() (model.GovernanceParams, bool, error)
}

type RiskRunner interface {
	RunOnce(ctx context.Context) ([]risk.Transition, error)
}

// Scheduler settles each period once after it ends, on the leader only,
// and runs the risk checks on every replica; the store keeps alert state
// consistent across them.
type Scheduler struct {
	Settler Settler
	Params  ParamsSource
	Risk    RiskRunner
	Guard   cluster.Guard
	LockKey string
	LockTTL time.Duration

	SettleInterval time.Duration
	RiskInterval   time.Duration
	Now            func() time.Time

	kickOnce sync.Once
	kick     chan struct{}
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Scheduler) kicks() chan struct{} {
	s.kickOnce.Do(func() { s.kick = make(chan struct{}, 1) })
	return s.kick
}

// SettleDue settles the most recently completed period. It reports the
// period and whether this call settled it; a period somebody else already
// settled is not an error.
func (s *Scheduler) SettleDue(ctx context.Context) (uint64, bool, error) {
	p, ok, err := s.Params.GetGovernance()
	if err != nil || !ok {
		return 0, false, err
	}
	period, ok := settlement.LastCompleted(p, s.now())
	if !ok {
		return 0, false, nil
	}
	if _, err := s.Settler.Settle(ctx, period, actorName); err != nil {
		if errors.Is(err, settlement.ErrPeriodSettled) {
			return period, false, nil
		}
		return period, false, err
	}
	select {
	case s.kicks() <- struct{}{}:
	default:
	}
	return period, true, nil
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	if s.Risk != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.riskLoop(ctx)
		}()
	}
	guard := s.Guard
	if guard == nil {
		guard = cluster.Local{}
	}
	guard.LeaderGuard(ctx, s.LockKey, s.LockTTL, s.settleLoop)
	wg.Wait()
}

func (s *Scheduler) settleLoop(ctx context.Context) {
	log := logger.Named("scheduler")
	log.Info("settlement loop started", zap.Duration("interval", s.SettleInterval))
	ticker := time.NewTicker(s.SettleInterval)
	defer ticker.Stop()
	for {
		period, settled, err := s.SettleDue(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			log.Error("settlement failed", zap.Uint64("period", period), zap.Error(err))
		case settled:
			log.Info("settled completed period", zap.Uint64("period", period))
		}
		select {
		case <-ctx.Done():
			log.Info("settlement loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// riskLoop runs the checks every RiskInterval and right after this process
// settles a period.
func (s *Scheduler) riskLoop(ctx context.Context) {
	log := logger.Named("scheduler")
	ticker := time.NewTicker(s.RiskInterval)
	defer ticker.Stop()
	kick := s.kicks()
	for {
		if _, err := s.Risk.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Warn("risk run incomplete", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-kick:
		}
	}
}
