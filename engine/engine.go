package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nurtura/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrStale is returned when a state transition loses the optimistic version
// check, meaning another evaluation owns the step. Callers treat it as a
// no-op: whoever won the race has already applied a valid transition.
var ErrStale = errors.New("step instance modified concurrently")

// Mailer hands a resolved email to the outbound transport. Implementations
// classify failures: wrap with Permanent() for errors that retrying cannot
// fix, return plain errors for transient ones.
type Mailer interface {
	Send(contact *models.Contact, subject, bodyHTML, messageID string) error
}

// TemplateResolver returns fully rendered template content for a contact,
// with variable substitution already applied. Must return complete content in
// a single call.
type TemplateResolver interface {
	Resolve(templateID, contactID uint) (subject, bodyHTML string, err error)
}

// Engine drives autoresponder enrollments through their step chains. All
// durable state lives in the database; per-step serialization uses an
// optimistic version column, so any number of engine workers can share one
// store.
type Engine struct {
	db       *gorm.DB
	logger   *logrus.Logger
	mailer   Mailer
	resolver TemplateResolver

	events  chan Event
	now     func() time.Time
	backoff []time.Duration

	onTransition func(Transition)
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the engine clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBackoff overrides the dispatch retry schedule. The number of retries
// after the initial attempt equals len(backoff).
func WithBackoff(backoff []time.Duration) Option {
	return func(e *Engine) { e.backoff = backoff }
}

// WithTransitionHook registers a callback invoked after every persisted
// enrollment/step transition. The hook must not block.
func WithTransitionHook(hook func(Transition)) Option {
	return func(e *Engine) { e.onTransition = hook }
}

// WithQueueSize sets the event ingress buffer size.
func WithQueueSize(n int) Option {
	return func(e *Engine) { e.events = make(chan Event, n) }
}

// New creates an Engine. The default retry schedule is 1m, 5m, 15m.
func New(db *gorm.DB, logger *logrus.Logger, mailer Mailer, resolver TemplateResolver, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		logger:   logger,
		mailer:   mailer,
		resolver: resolver,
		events:   make(chan Event, 1024),
		now:      time.Now,
		backoff:  []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Publish enqueues a domain event for evaluation. Ingress never blocks the
// producer; if the buffer is full the event is dropped and logged, and the
// durable wake/retry polls keep the chains moving.
func (e *Engine) Publish(ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = e.now()
	}
	select {
	case e.events <- ev:
	default:
		e.logger.WithFields(logrus.Fields{
			"event_type": ev.Type,
			"contact_id": ev.ContactID,
		}).Warn("event queue full, dropping event")
	}
}

// Run consumes the event queue until the context is cancelled. Wake and retry
// polling run separately (worker.SequenceWorker).
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("engine event loop started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine event loop stopping")
			return
		case ev := <-e.events:
			e.HandleEvent(ev)
		}
	}
}

// HandleEvent routes one event through enrollment opening and wait-trigger
// evaluation. Events that match nothing are expected traffic, not errors.
func (e *Engine) HandleEvent(ev Event) {
	if trigger, ok := primaryTriggerFor(ev.Type); ok {
		e.handlePrimaryTrigger(trigger, ev)
	}
	e.handleWaitTriggers(ev)
}

// primaryTriggerFor maps an event type to the autoresponder trigger type it
// can satisfy. Date-based triggers are evaluated by an external daily scan
// that calls EnrollContact directly, so they never arrive as events.
func primaryTriggerFor(t EventType) (string, bool) {
	switch t {
	case EventNewContact:
		return models.TriggerNewContact, true
	case EventTagAdded:
		return models.TriggerTagAdded, true
	case EventAppointmentBooked:
		return models.TriggerAppointmentBooked, true
	case EventAppointmentCompleted:
		return models.TriggerAppointmentCompleted, true
	}
	return "", false
}

// Recover re-derives all transient state from the store after a restart:
// pending instances are initialized, and READY instances whose dispatch was
// lost in flight are queued for the retry poll. Wake timers need nothing:
// they live in the wake_at column and past-due wakes fire on the first poll.
func (e *Engine) Recover() error {
	var pending []models.StepInstance
	if err := e.db.Where("state = ?", models.StepPending).Find(&pending).Error; err != nil {
		return fmt.Errorf("loading pending step instances: %w", err)
	}
	for i := range pending {
		e.startStep(&pending[i])
	}

	now := e.now()
	res := e.db.Model(&models.StepInstance{}).
		Where("state = ? AND next_attempt_at IS NULL", models.StepReady).
		Updates(map[string]interface{}{"next_attempt_at": now, "version": gorm.Expr("version + 1")})
	if res.Error != nil {
		return fmt.Errorf("requeueing ready step instances: %w", res.Error)
	}
	if len(pending) > 0 || res.RowsAffected > 0 {
		e.logger.WithFields(logrus.Fields{
			"pending_initialized": len(pending),
			"ready_requeued":      res.RowsAffected,
		}).Info("recovery pass completed")
	}
	return nil
}

// notify invokes the transition hook, if any.
func (e *Engine) notify(enr *models.Enrollment, order int, state string) {
	if e.onTransition == nil {
		return
	}
	e.onTransition(Transition{
		EnrollmentID:    enr.ID,
		AutoresponderID: enr.AutoresponderID,
		ContactID:       enr.ContactID,
		SequenceOrder:   order,
		State:           state,
		At:              e.now(),
	})
}

// stepUpdate applies fields to a step iff nobody else transitioned it since
// it was loaded. This is the per-step lock of the concurrency model.
func stepUpdate(tx *gorm.DB, step *models.StepInstance, fields map[string]interface{}) error {
	fields["version"] = step.Version + 1
	res := tx.Model(&models.StepInstance{}).
		Where("id = ? AND version = ?", step.ID, step.Version).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStale
	}
	step.Version++
	return nil
}
