package engine

import (
	"testing"
	"time"

	"nurtura/models"
)

func TestNewContactEventSendsPrimaryEmail(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact)
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})

	if got := env.mailer.sentCount(); got != 1 {
		t.Fatalf("sent %d emails, want 1", got)
	}
	sent := env.mailer.lastSent()
	if sent.To != "ada@example.com" || sent.Subject != "Welcome!" {
		t.Errorf("sent %+v, want welcome email to ada@example.com", sent)
	}

	step0 := env.stepInstance(t, env.enrollment(t, a.ID, contact.ID).ID, 0)
	if step0.State != models.StepSent {
		t.Errorf("step 0 state = %s, want %s", step0.State, models.StepSent)
	}
	if step0.MessageID == "" {
		t.Error("step 0 has no message id after send")
	}

	// Sequences disabled: the primary send completes the enrollment
	enr := env.enrollment(t, a.ID, contact.ID)
	if enr.Status != models.EnrollmentCompleted {
		t.Errorf("enrollment status = %s, want %s", enr.Status, models.EnrollmentCompleted)
	}
	if enr.CurrentStepIndex != 0 {
		t.Errorf("current step index = %d, want 0", enr.CurrentStepIndex)
	}
}

func TestInactiveAutoresponderDoesNotEnroll(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact)
	env.db.Model(a).Update("is_active", false)
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})

	if got := env.enrollmentCount(t, a.ID, contact.ID); got != 0 {
		t.Errorf("enrollments = %d, want 0", got)
	}
	if got := env.mailer.sentCount(); got != 0 {
		t.Errorf("sent %d emails, want 0", got)
	}
}

func TestTagAddedTriggerFiltersByTag(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerTagAdded)
	env.db.Model(a).Updates(models.Autoresponder{TriggerConfig: models.TriggerConfig{TagID: 5}})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventTagAdded, ContactID: contact.ID, TagID: 6})
	if got := env.enrollmentCount(t, a.ID, contact.ID); got != 0 {
		t.Fatalf("enrollments after wrong tag = %d, want 0", got)
	}

	env.engine.HandleEvent(Event{Type: EventTagAdded, ContactID: contact.ID, TagID: 5})
	if got := env.enrollmentCount(t, a.ID, contact.ID); got != 1 {
		t.Errorf("enrollments after matching tag = %d, want 1", got)
	}
}

func TestActiveEnrollmentIsNotDuplicated(t *testing.T) {
	env := newTestEnv(t)
	// A waiting chain step keeps the enrollment active across events
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayDays: 1})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})

	if got := env.enrollmentCount(t, a.ID, contact.ID); got != 1 {
		t.Errorf("enrollments = %d, want 1", got)
	}
	if got := env.mailer.sentCount(); got != 1 {
		t.Errorf("sent %d emails, want 1", got)
	}
}

func TestReenrollmentAllowedAfterCompletion(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact)
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	if enr := env.enrollment(t, a.ID, contact.ID); enr.Status != models.EnrollmentCompleted {
		t.Fatalf("first enrollment status = %s, want completed", enr.Status)
	}

	// Only ACTIVE enrollments are unique; a completed run does not block a new one
	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	if got := env.enrollmentCount(t, a.ID, contact.ID); got != 2 {
		t.Errorf("enrollments = %d, want 2", got)
	}
}

func TestCancelEnrollmentStopsChain(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayHours: 2})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)
	if enr.Status != models.EnrollmentActive {
		t.Fatalf("enrollment status = %s, want active", enr.Status)
	}

	if err := env.engine.CancelEnrollment(enr.ID, "unsubscribed"); err != nil {
		t.Fatalf("cancelling enrollment: %v", err)
	}

	enr = env.enrollment(t, a.ID, contact.ID)
	if enr.Status != models.EnrollmentCancelled {
		t.Errorf("enrollment status = %s, want cancelled", enr.Status)
	}
	if enr.CancelReason != "unsubscribed" {
		t.Errorf("cancel reason = %q, want %q", enr.CancelReason, "unsubscribed")
	}

	step1 := env.stepInstance(t, enr.ID, 1)
	if step1.State != models.StepCancelled {
		t.Errorf("step 1 state = %s, want cancelled", step1.State)
	}
	if step1.WakeAt != nil {
		t.Error("cancelled step still has a pending wake")
	}

	// The wake timer must never fire for the cancelled step
	env.clock.Advance(3 * time.Hour)
	if n := env.engine.PollDueWakes(); n != 0 {
		t.Errorf("wake poll evaluated %d steps after cancel, want 0", n)
	}
	if got := env.mailer.sentCount(); got != 1 {
		t.Errorf("sent %d emails, want 1 (primary only)", got)
	}
}

func TestCancelEnrollmentTwiceIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayHours: 2})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	if err := env.engine.CancelEnrollment(enr.ID, "first"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if err := env.engine.CancelEnrollment(enr.ID, "second"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}

	enr = env.enrollment(t, a.ID, contact.ID)
	if enr.CancelReason != "first" {
		t.Errorf("cancel reason = %q, want %q (second cancel must not overwrite)", enr.CancelReason, "first")
	}
}

func TestCancelContactEnrollments(t *testing.T) {
	env := newTestEnv(t)
	a1 := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayHours: 1})
	a2 := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayHours: 1})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})

	if err := env.engine.CancelContactEnrollments(contact.ID, "contact deleted"); err != nil {
		t.Fatalf("cancelling contact enrollments: %v", err)
	}

	for _, a := range []uint{a1.ID, a2.ID} {
		if enr := env.enrollment(t, a, contact.ID); enr.Status != models.EnrollmentCancelled {
			t.Errorf("enrollment for autoresponder %d status = %s, want cancelled", a, enr.Status)
		}
	}
}

func TestStatusReportsChainProgress(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayHours: 1})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})

	status, err := env.engine.Status(a.ID, contact.ID)
	if err != nil {
		t.Fatalf("fetching status: %v", err)
	}
	if status.Status != models.EnrollmentActive {
		t.Errorf("status = %s, want active", status.Status)
	}
	if status.CurrentStepIndex != 0 {
		t.Errorf("current step index = %d, want 0", status.CurrentStepIndex)
	}
	if len(status.Steps) != 2 {
		t.Fatalf("status reports %d steps, want 2", len(status.Steps))
	}
	if status.Steps[0].State != models.StepSent || status.Steps[1].State != models.StepWaitingTime {
		t.Errorf("step states = %s/%s, want sent/waiting_time",
			status.Steps[0].State, status.Steps[1].State)
	}
}
