// Package scheduler runs background weather work: a deduplicated in-memory
// priority queue drained by a bounded worker pool, plus a cron runner for
// periodic maintenance jobs.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/cellar/internal/clients/openmeteo"
	"github.com/aristath/cellar/internal/config"
	"github.com/aristath/cellar/internal/modules/vintage"
)

// Task types.
const (
	TaskPrefetch = "prefetch"
	TaskAnalysis = "analysis"
)

// Priorities. Lower runs first.
const (
	PriorityHigh   = 1
	PriorityMedium = 2
	PriorityLow    = 3
)

// Analyzer runs vintage enrichment for analysis tasks.
type Analyzer interface {
	EnrichWineData(ctx context.Context, input *vintage.WineInput) (*vintage.Enrichment, error)
}

// Prefetcher warms the weather cache for prefetch tasks. The Open-Meteo
// client satisfies this directly.
type Prefetcher interface {
	FetchWeather(ctx context.Context, region string, year int, vineyardAlias string) (*openmeteo.Analysis, error)
}

// Task is one unit of queued weather work.
type Task struct {
	Type     string `json:"type"`
	Region   string `json:"region"`
	Years    []int  `json:"years"`
	Priority int    `json:"priority"`

	attempts   int
	nextRunAt  time.Time
	enqueueSeq int64
	index      int
}

func (t *Task) key() string {
	years := make([]string, len(t.Years))
	for i, y := range t.Years {
		years[i] = fmt.Sprintf("%d", y)
	}
	return t.Type + ":" + t.Region + ":" + strings.Join(years, ",")
}

// Stats is a snapshot of scheduler throughput and state.
type Stats struct {
	TotalTasks      int64 `json:"totalTasks"`
	SuccessfulTasks int64 `json:"successfulTasks"`
	FailedTasks     int64 `json:"failedTasks"`
	QueueSize       int   `json:"queueSize"`
	IsRunning       bool  `json:"isRunning"`
	IsPaused        bool  `json:"isPaused"`
}

// taskHeap orders by priority, breaking ties by enqueue order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].enqueueSeq < h[j].enqueueSeq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Scheduler drains weather tasks with bounded concurrency.
type Scheduler struct {
	prefetcher Prefetcher
	analyzer   Analyzer
	log        zerolog.Logger

	mu       sync.Mutex
	cfg      config.SchedulerConfig
	queue    taskHeap
	queued   map[string]bool
	seq      int64
	inflight int

	running bool
	paused  bool
	stop    chan struct{}
	wg      sync.WaitGroup

	totalTasks      int64
	successfulTasks int64
	failedTasks     int64

	now func() time.Time
}

// New creates a stopped scheduler.
func New(cfg config.SchedulerConfig, prefetcher Prefetcher, analyzer Analyzer, log zerolog.Logger) *Scheduler {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 2 * time.Second
	}
	return &Scheduler{
		prefetcher: prefetcher,
		analyzer:   analyzer,
		cfg:        cfg,
		queued:     make(map[string]bool),
		log:        log.With().Str("component", "weather_scheduler").Logger(),
		now:        time.Now,
	}
}

// UpdateConfig swaps the tuning parameters. Honored on the next tick.
func (s *Scheduler) UpdateConfig(cfg config.SchedulerConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = s.cfg.TickInterval
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = s.cfg.InitialBackoff
	}
	s.cfg = cfg
}

// Enqueue adds a task unless an identical one is already queued or running.
// Returns true when the task was accepted.
func (s *Scheduler) Enqueue(task Task) bool {
	if task.Type != TaskPrefetch && task.Type != TaskAnalysis {
		return false
	}
	if task.Region == "" || len(task.Years) == 0 {
		return false
	}
	if task.Priority < PriorityHigh || task.Priority > PriorityLow {
		task.Priority = PriorityMedium
	}
	sort.Ints(task.Years)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := task.key()
	if s.queued[key] {
		return false
	}
	s.queued[key] = true
	s.seq++
	task.enqueueSeq = s.seq
	task.nextRunAt = s.now()
	heap.Push(&s.queue, &task)
	s.totalTasks++
	return true
}

// Start launches the dispatcher. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.paused = false
	s.stop = make(chan struct{})

	s.wg.Add(1)
	go s.dispatchLoop(s.stop)
	s.log.Info().Int("workers", s.cfg.MaxConcurrentTasks).Msg("Weather scheduler started")
}

// Stop halts dispatching and waits for in-flight tasks. Queued tasks stay
// queued.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("Weather scheduler stopped")
}

// Pause lets in-flight tasks finish and stops dispatching new ones.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = true
}

// Resume re-enables dispatching.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = false
}

// Destroy stops the scheduler and drains the queue.
func (s *Scheduler) Destroy() {
	s.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.queued = make(map[string]bool)
}

// GetStats snapshots the counters.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalTasks:      s.totalTasks,
		SuccessfulTasks: s.successfulTasks,
		FailedTasks:     s.failedTasks,
		QueueSize:       len(s.queue),
		IsRunning:       s.running,
		IsPaused:        s.paused,
	}
}

func (s *Scheduler) dispatchLoop(stop chan struct{}) {
	defer s.wg.Done()

	s.mu.Lock()
	interval := s.cfg.TickInterval
	s.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.dispatchDue(stop)

			s.mu.Lock()
			next := s.cfg.TickInterval
			s.mu.Unlock()
			if next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// dispatchDue pops due tasks up to the concurrency limit and hands them to
// workers. Tasks scheduled for later are pushed back.
func (s *Scheduler) dispatchDue(stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.paused {
		return
	}
	now := s.now()

	var deferred []*Task
	for len(s.queue) > 0 && s.inflight < s.cfg.MaxConcurrentTasks {
		task := heap.Pop(&s.queue).(*Task)
		if task.nextRunAt.After(now) {
			deferred = append(deferred, task)
			continue
		}
		s.inflight++
		s.wg.Add(1)
		go s.runTask(task, stop)
	}
	for _, task := range deferred {
		heap.Push(&s.queue, task)
	}
}

func (s *Scheduler) runTask(task *Task, stop chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.execute(ctx, task)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight--

	if err == nil {
		s.successfulTasks++
		delete(s.queued, task.key())
		return
	}

	task.attempts++
	if task.attempts >= s.cfg.RetryAttempts {
		s.failedTasks++
		delete(s.queued, task.key())
		s.log.Error().Err(err).Str("task", task.key()).Int("attempts", task.attempts).Msg("Task dropped after retries")
		return
	}

	backoff := s.cfg.InitialBackoff * (1 << (task.attempts - 1))
	task.nextRunAt = s.now().Add(backoff)
	heap.Push(&s.queue, task)
	s.log.Warn().Err(err).Str("task", task.key()).Dur("backoff", backoff).Msg("Task rescheduled")
}

func (s *Scheduler) execute(ctx context.Context, task *Task) error {
	for _, year := range task.Years {
		var err error
		switch task.Type {
		case TaskPrefetch:
			_, err = s.prefetcher.FetchWeather(ctx, task.Region, year, "")
		case TaskAnalysis:
			_, err = s.analyzer.EnrichWineData(ctx, &vintage.WineInput{Region: task.Region, Year: year})
		}
		if err != nil {
			return fmt.Errorf("failed %s for %s/%d: %w", task.Type, task.Region, year, err)
		}
	}
	return nil
}
