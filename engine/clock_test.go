package engine

import (
	"io"
	"testing"
	"time"

	"nurtura/models"

	"github.com/sirupsen/logrus"
)

// restart builds a second engine over the same store, as a process restart
// would.
func (env *testEnv) restart() *Engine {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(env.db, logger, env.mailer, env.resolver, WithNow(env.clock.Now))
}

func TestWakeSurvivesRestart(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayHours: 6})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	// Process dies; a new engine comes up against the same database
	engine2 := env.restart()
	if err := engine2.Recover(); err != nil {
		t.Fatalf("recovery: %v", err)
	}

	// The wake was persisted, not held in memory, so it still fires
	env.clock.Advance(6 * time.Hour)
	if n := engine2.PollDueWakes(); n != 1 {
		t.Fatalf("wake poll evaluated %d steps after restart, want 1", n)
	}

	step1 := env.stepInstance(t, enr.ID, 1)
	if step1.State != models.StepSent {
		t.Errorf("step 1 state = %s, want sent", step1.State)
	}
}

func TestPastDueWakeFiresAfterDowntime(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayHours: 1})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	// Down for far longer than the delay; the late wake still fires once
	env.clock.Advance(48 * time.Hour)
	engine2 := env.restart()
	if err := engine2.Recover(); err != nil {
		t.Fatalf("recovery: %v", err)
	}
	if n := engine2.PollDueWakes(); n != 1 {
		t.Fatalf("wake poll evaluated %d steps, want 1", n)
	}
	if step1 := env.stepInstance(t, enr.ID, 1); step1.State != models.StepSent {
		t.Errorf("step 1 state = %s, want sent", step1.State)
	}
	if n := engine2.PollDueWakes(); n != 0 {
		t.Errorf("second poll evaluated %d steps, want 0", n)
	}
}

func TestRecoverInitializesPendingSteps(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayHours: 1})
	contact := env.createContact(t, "ada@example.com")
	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	// Simulate a crash between materializing the instance and initializing it
	env.db.Model(&models.StepInstance{}).
		Where("enrollment_id = ? AND sequence_order = ?", enr.ID, 1).
		Updates(map[string]interface{}{"state": models.StepPending, "wake_at": nil})

	engine2 := env.restart()
	if err := engine2.Recover(); err != nil {
		t.Fatalf("recovery: %v", err)
	}

	step1 := env.stepInstance(t, enr.ID, 1)
	if step1.State != models.StepWaitingTime {
		t.Errorf("step 1 state = %s, want waiting_time after recovery", step1.State)
	}
	if step1.WakeAt == nil {
		t.Error("recovered step has no wake scheduled")
	}
}

func TestRecoverRequeuesOrphanedReadySteps(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact)
	contact := env.createContact(t, "ada@example.com")
	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	// Simulate a crash mid-dispatch: READY persisted, outcome lost
	env.db.Model(&models.StepInstance{}).
		Where("enrollment_id = ? AND sequence_order = ?", enr.ID, 0).
		Updates(map[string]interface{}{
			"state": models.StepReady, "sent_at": nil, "message_id": "", "next_attempt_at": nil,
		})
	env.db.Model(&models.Enrollment{}).Where("id = ?", enr.ID).
		Updates(map[string]interface{}{"status": models.EnrollmentActive, "completed_at": nil})

	engine2 := env.restart()
	if err := engine2.Recover(); err != nil {
		t.Fatalf("recovery: %v", err)
	}

	step0 := env.stepInstance(t, enr.ID, 0)
	if step0.NextAttemptAt == nil {
		t.Fatal("orphaned READY step was not requeued for the retry poll")
	}

	if n := engine2.PollDueRetries(); n != 1 {
		t.Fatalf("retry poll dispatched %d steps, want 1", n)
	}
	if step0 = env.stepInstance(t, enr.ID, 0); step0.State != models.StepSent {
		t.Errorf("step 0 state = %s, want sent", step0.State)
	}
}

func TestRetryPollClaimPreventsDoubleDispatch(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact)
	contact := env.createContact(t, "ada@example.com")

	env.mailer.failNext(errTransient)
	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	env.clock.Advance(time.Minute)

	// Two workers sharing the store poll at the same instant; the version
	// check lets exactly one claim the step
	engine2 := env.restart()
	total := env.engine.PollDueRetries() + engine2.PollDueRetries()
	if total != 1 {
		t.Errorf("dispatched %d times across two pollers, want 1", total)
	}

	if step0 := env.stepInstance(t, enr.ID, 0); step0.State != models.StepSent {
		t.Errorf("step 0 state = %s, want sent", step0.State)
	}
	if got := env.mailer.sentCount(); got != 1 {
		t.Errorf("mailer sent %d emails, want 1", got)
	}
}
