/*
scheduler.go - Automated evaluation scheduler

PURPOSE:
  Periodically runs the evaluation pass: accrues late-payment interest
  and refreshes the derived status of every open emission. This is the
  "nightly job" that moves emissions to overdue without anyone clicking
  a button.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Only sent/partial/overdue emissions are evaluated; drafts and
    terminal emissions are skipped by the pass itself
  - Idempotent: interest is recomputed, never re-added, so running
    twice in a row changes nothing

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewEvaluationScheduler(handler)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: TriggerEvaluation endpoint (the manual version)
  - billing/lifecycle.go: the status derivation being driven here
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/vecindario/billing-engine/billing"
)

// EvaluationScheduler drives periodic interest accrual and status
// refresh.
type EvaluationScheduler struct {
	Handler       *Handler
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewEvaluationScheduler creates a new scheduler.
func NewEvaluationScheduler(handler *Handler) *EvaluationScheduler {
	return &EvaluationScheduler{
		Handler:       handler,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (es *EvaluationScheduler) Start() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if !es.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}

	es.ticker = time.NewTicker(es.CheckInterval)
	es.wg.Add(1)

	go es.run()

	log.Printf("[Scheduler] Started with check interval: %v", es.CheckInterval)
}

// Stop stops the scheduler.
func (es *EvaluationScheduler) Stop() {
	es.mu.Lock()
	defer es.mu.Unlock()

	if es.ticker != nil {
		es.ticker.Stop()
		close(es.stop)
		es.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (es *EvaluationScheduler) run() {
	defer es.wg.Done()

	// Run immediately on start
	es.evaluate()

	for {
		select {
		case <-es.ticker.C:
			es.evaluate()
		case <-es.stop:
			return
		}
	}
}

func (es *EvaluationScheduler) evaluate() {
	ctx := context.Background()
	asOf := es.Handler.clock()

	result, err := es.Handler.Evaluate(ctx, "", asOf)
	if err != nil {
		log.Printf("[Scheduler] Evaluation failed: %v", err)
		return
	}

	for _, t := range result.Transitions {
		log.Printf("[Scheduler] Transition: %s", t)
	}
	if result.Evaluated > 0 {
		log.Printf("[Scheduler] Completed: %d emissions evaluated, %d transitions as of %s",
			result.Evaluated, len(result.Transitions), asOf)
	}
}

// RunNow triggers an immediate pass (for testing/admin).
func (es *EvaluationScheduler) RunNow() {
	es.evaluate()
}

// GetNextRunTime returns when the next scheduled pass will occur.
func (es *EvaluationScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(es.CheckInterval)
}

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// LogNotifier writes status transitions to the standard logger. It is
// the default Notifier wired by the server; real deployments can swap
// in a mailer or queue producer.
type LogNotifier struct{}

func (LogNotifier) EmissionStatusChanged(em billing.Emission, from, to billing.EmissionStatus) {
	log.Printf("[Notify] emission %s: %s -> %s", em.ID, from, to)
}

func (LogNotifier) UnitStatusChanged(em billing.Emission, unitID billing.UnitID, from, to billing.DistributionStatus) {
	log.Printf("[Notify] emission %s unit %s: %s -> %s", em.ID, unitID, from, to)
}
