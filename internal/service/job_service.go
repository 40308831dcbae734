package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/yourorg/exchanger/internal/client"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/repository"
	"github.com/yourorg/exchanger/internal/scheduler"
	"github.com/yourorg/exchanger/internal/taskmanager"

	"go.uber.org/zap"
)

// JobConfig holds the automatic backfill settings
type JobConfig struct {
	AutoBackfillTime string
	AutoBackfillDays int
	// ProviderSymbols are backfilled from one provider each
	ProviderSymbols map[string][]string
	// GlobalSymbols are backfilled from every provider that lists them
	GlobalSymbols []string
}

// JobService runs population and backfill as background tasks, on demand,
// at startup and once a day
type JobService struct {
	cfg       JobConfig
	store     *repository.RateStore
	registry  *client.Registry
	symbols   *SymbolService
	backfill  *BackfillService
	tasks     *taskmanager.Manager
	scheduler *scheduler.Scheduler
	logger    *zap.Logger
}

// NewJobService creates a new job service
func NewJobService(
	cfg JobConfig,
	store *repository.RateStore,
	registry *client.Registry,
	symbols *SymbolService,
	backfill *BackfillService,
	tasks *taskmanager.Manager,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *JobService {
	return &JobService{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		symbols:   symbols,
		backfill:  backfill,
		tasks:     tasks,
		scheduler: sched,
		logger:    logger,
	}
}

// resolveProviders expands "all" and rejects unknown providers
func (s *JobService) resolveProviders(provider string) ([]string, error) {
	if provider == "all" {
		return s.registry.IDs(), nil
	}
	if _, ok := s.registry.Get(provider); !ok {
		return nil, unknownProvider(provider)
	}
	return []string{provider}, nil
}

func scheduleResult(started, alreadyRunning []string) model.ScheduleResult {
	if len(started) == 0 {
		return model.ScheduleResult{
			Scheduled:      false,
			Message:        "All requested providers already running",
			Started:        []string{},
			AlreadyRunning: alreadyRunning,
		}
	}
	if alreadyRunning == nil {
		alreadyRunning = []string{}
	}
	return model.ScheduleResult{
		Scheduled:      true,
		Message:        "Started in background, check /task_status for progress",
		Started:        started,
		AlreadyRunning: alreadyRunning,
	}
}

// StartBackfill starts a backfill task per requested provider
func (s *JobService) StartBackfill(provider string, symbols []string, days int) (model.ScheduleResult, error) {
	providers, err := s.resolveProviders(provider)
	if err != nil {
		return model.ScheduleResult{}, err
	}

	var started, alreadyRunning []string
	for _, p := range providers {
		if s.startBackfill(p, symbols, days) {
			started = append(started, p)
		} else {
			alreadyRunning = append(alreadyRunning, p)
		}
	}
	return scheduleResult(started, alreadyRunning), nil
}

// StartPopulate starts a symbol population task per requested provider.
// With chainBackfill the provider's configured symbols are backfilled once
// population succeeds.
func (s *JobService) StartPopulate(provider string, chainBackfill bool) (model.ScheduleResult, error) {
	providers, err := s.resolveProviders(provider)
	if err != nil {
		return model.ScheduleResult{}, err
	}

	var started, alreadyRunning []string
	for _, p := range providers {
		if s.startPopulate(p, chainBackfill) {
			started = append(started, p)
		} else {
			alreadyRunning = append(alreadyRunning, p)
		}
	}
	return scheduleResult(started, alreadyRunning), nil
}

func (s *JobService) progressFor(key string) model.ProgressFunc {
	return func(p model.Progress) {
		if fields := p.Fields(); len(fields) > 0 {
			s.tasks.UpdateStatus(key, fields)
		}
	}
}

// recordFailure writes the terminal status of a failed run
func (s *JobService) recordFailure(key string, err error) {
	if s.tasks.ShutdownRequested() && errors.Is(err, context.Canceled) {
		s.logger.Info("Task interrupted by shutdown", zap.String("task", key))
		s.tasks.SetStatus(key, model.NewTaskStatus(model.TaskCancelled, taskmanager.ShutdownMessage))
		return
	}
	s.logger.Error("Task failed", zap.String("task", key), zap.Error(err))
	s.tasks.SetStatus(key, model.NewTaskStatus(model.TaskError, statusMessage(err)))
}

func (s *JobService) startBackfill(provider string, symbols []string, days int) bool {
	key := BackfillTaskKey(provider)

	return s.tasks.StartIfIdle(key, func(ctx context.Context) error {
		s.logger.Info("Backfill started",
			zap.String("provider", provider),
			zap.Strings("symbols", symbols),
			zap.Int("days", days))
		s.tasks.UpdateStatus(key, model.TaskStatus{"per_symbol": map[string]int{}})

		results, err := s.backfill.Backfill(ctx, provider, symbols, days, s.progressFor(key))
		if err != nil {
			s.recordFailure(key, err)
			return nil
		}

		total := 0
		for _, n := range results {
			total += n
		}
		if err := s.backfill.MarkDone(ctx, provider); err != nil {
			s.logger.Warn("Failed to record backfill completion", zap.String("provider", provider), zap.Error(err))
		}

		s.tasks.SetStatus(key, model.TaskStatus{
			"status":       string(model.TaskDone),
			"message":      fmt.Sprintf("Completed: %d rows", total),
			"per_symbol":   results,
			"rows_written": total,
		})
		s.logger.Info("Backfill completed", zap.String("provider", provider), zap.Int("rows", total))
		return nil
	})
}

func (s *JobService) startPopulate(provider string, chainBackfill bool) bool {
	key := PopulateTaskKey(provider)

	return s.tasks.StartIfIdle(key, func(ctx context.Context) error {
		s.logger.Info("Populate symbols started", zap.String("provider", provider))

		results, err := s.symbols.Populate(ctx, provider, s.progressFor(key))
		if err != nil {
			s.recordFailure(key, err)
			return nil
		}

		total := 0
		for _, n := range results {
			total += n
		}
		s.tasks.SetStatus(key, model.TaskStatus{
			"status":        string(model.TaskDone),
			"message":       fmt.Sprintf("Completed: %d symbols", total),
			"symbols_added": total,
		})
		s.logger.Info("Populate symbols completed", zap.String("provider", provider), zap.Int("symbols", total))

		if chainBackfill {
			if symbols := s.backfillMap(ctx)[provider]; len(symbols) > 0 {
				s.startBackfill(provider, symbols, s.cfg.AutoBackfillDays)
			}
		}
		return nil
	})
}

// backfillMap combines configured symbols and favorites per provider
func (s *JobService) backfillMap(ctx context.Context) map[string][]string {
	result := make(map[string][]string)
	seen := make(map[string]bool)
	add := func(provider, symbol string) {
		if seen[provider+"\x00"+symbol] {
			return
		}
		seen[provider+"\x00"+symbol] = true
		result[provider] = append(result[provider], symbol)
	}

	for provider, symbols := range s.cfg.ProviderSymbols {
		for _, sym := range symbols {
			add(provider, sym)
		}
	}

	for _, provider := range s.registry.IDs() {
		for _, sym := range s.cfg.GlobalSymbols {
			stored, err := resolveProviderSymbol(ctx, s.store, provider, sym)
			if err != nil {
				s.logger.Warn("Failed to resolve symbol", zap.String("symbol", sym), zap.Error(err))
				continue
			}
			if stored != nil {
				add(provider, stored.ProviderSymbol)
			}
		}
	}

	favorites, err := s.store.ListFavorites(ctx)
	if err != nil {
		s.logger.Warn("Failed to list favorites", zap.Error(err))
	}
	for _, fav := range favorites {
		add(fav.Provider, fav.ProviderSymbol)
	}
	return result
}

// Startup populates stale catalogs (chaining a backfill), starts due
// backfills for the rest and schedules the daily run
func (s *JobService) Startup(ctx context.Context) error {
	candidates := make(map[string]bool)
	for provider := range s.cfg.ProviderSymbols {
		candidates[provider] = true
	}
	favorites, err := s.store.ListFavorites(ctx)
	if err != nil {
		return err
	}
	if len(favorites) > 0 || len(s.cfg.GlobalSymbols) > 0 {
		for _, id := range s.registry.IDs() {
			candidates[id] = true
		}
	}

	providers := make([]string, 0, len(candidates))
	for p := range candidates {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	populating := make(map[string]bool)
	for _, provider := range providers {
		if _, ok := s.registry.Get(provider); !ok {
			s.logger.Warn("Provider not registered, skipping its symbols", zap.String("provider", provider))
			continue
		}
		if s.symbols.NeedsPopulation(ctx, provider) {
			populating[provider] = true
			s.startPopulate(provider, true)
		}
	}

	backfillMap := s.backfillMap(ctx)
	for _, provider := range s.registry.IDs() {
		symbols := backfillMap[provider]
		if populating[provider] || len(symbols) == 0 {
			continue
		}
		if !s.backfill.NeedsBackfill(ctx, provider) {
			s.logger.Debug("Backfill already done today, skipping", zap.String("provider", provider))
			continue
		}
		days := s.backfill.CheckpointLength(ctx, provider, s.cfg.AutoBackfillDays)
		s.startBackfill(provider, symbols, days)
	}

	if err := s.scheduler.ScheduleDaily(s.cfg.AutoBackfillTime, s.RunScheduled); err != nil {
		return err
	}
	s.scheduler.Start(ctx)

	s.logger.Info("Jobs started", zap.String("auto_backfill_time", s.cfg.AutoBackfillTime))
	return nil
}

// RunScheduled is the daily run: stale catalogs are repopulated (which
// chains a backfill), other providers are backfilled when due
func (s *JobService) RunScheduled() {
	ctx := s.tasks.Context()
	backfillMap := s.backfillMap(ctx)

	for _, provider := range s.registry.IDs() {
		if s.symbols.NeedsPopulation(ctx, provider) {
			s.startPopulate(provider, true)
			continue
		}
		symbols := backfillMap[provider]
		if len(symbols) > 0 && s.backfill.NeedsBackfill(ctx, provider) {
			days := s.backfill.CheckpointLength(ctx, provider, s.cfg.AutoBackfillDays)
			s.startBackfill(provider, symbols, days)
		}
	}
}

// Shutdown stops the scheduler, cancels running tasks and closes the store.
// It does not wait for tasks to finish.
func (s *JobService) Shutdown() error {
	s.scheduler.Stop()
	s.tasks.Shutdown()
	return s.store.Close()
}
