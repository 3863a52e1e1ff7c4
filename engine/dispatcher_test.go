package engine

import (
	"errors"
	"strings"
	"testing"
	"time"

	"nurtura/models"
)

func TestTransientFailureRetriesWithBackoff(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact)
	contact := env.createContact(t, "ada@example.com")

	env.mailer.failNext(errors.New("smtp: connection reset"))
	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	step0 := env.stepInstance(t, enr.ID, 0)
	if step0.State != models.StepReady {
		t.Fatalf("step 0 state = %s, want ready pending retry", step0.State)
	}
	if step0.AttemptCount != 1 {
		t.Errorf("attempt_count = %d, want 1", step0.AttemptCount)
	}
	wantRetry := env.clock.Now().Add(time.Minute)
	if step0.NextAttemptAt == nil || !step0.NextAttemptAt.Equal(wantRetry) {
		t.Errorf("next_attempt_at = %v, want %v", step0.NextAttemptAt, wantRetry)
	}
	if !strings.Contains(step0.LastError, "connection reset") {
		t.Errorf("last_error = %q, want the smtp error", step0.LastError)
	}

	// Not due yet
	if n := env.engine.PollDueRetries(); n != 0 {
		t.Fatalf("retry poll dispatched %d steps early", n)
	}

	env.clock.Advance(time.Minute)
	if n := env.engine.PollDueRetries(); n != 1 {
		t.Fatalf("retry poll dispatched %d steps, want 1", n)
	}

	step0 = env.stepInstance(t, enr.ID, 0)
	if step0.State != models.StepSent {
		t.Errorf("step 0 state = %s, want sent after retry", step0.State)
	}
	if step0.NextAttemptAt != nil {
		t.Error("sent step still has a retry scheduled")
	}
}

func TestRetriesExhaustedSkipsStep(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact)
	contact := env.createContact(t, "ada@example.com")

	env.mailer.failNext(
		errors.New("smtp: timeout"),
		errors.New("smtp: timeout"),
		errors.New("smtp: timeout"),
		errors.New("smtp: timeout"),
	)

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	// Walk the whole 1m/5m/15m ladder
	for _, backoff := range []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute} {
		env.clock.Advance(backoff)
		env.engine.PollDueRetries()
	}

	step0 := env.stepInstance(t, enr.ID, 0)
	if step0.State != models.StepSkipped {
		t.Fatalf("step 0 state = %s, want skipped after exhausting retries", step0.State)
	}
	if !strings.Contains(step0.SkipReason, "retries exhausted") {
		t.Errorf("skip_reason = %q, want retries exhausted", step0.SkipReason)
	}

	// The skip still advances the enrollment
	if enr = env.enrollment(t, a.ID, contact.ID); enr.Status != models.EnrollmentCompleted {
		t.Errorf("enrollment status = %s, want completed", enr.Status)
	}
}

func TestPermanentFailureSkipsWithoutRetry(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact)
	contact := env.createContact(t, "ada@example.com")

	env.mailer.failNext(Permanent(errors.New("550 mailbox does not exist")))
	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	step0 := env.stepInstance(t, enr.ID, 0)
	if step0.State != models.StepSkipped {
		t.Fatalf("step 0 state = %s, want skipped", step0.State)
	}
	if step0.NextAttemptAt != nil {
		t.Error("permanent failure scheduled a retry")
	}
	if !strings.Contains(step0.SkipReason, "550") {
		t.Errorf("skip_reason = %q, want the provider rejection", step0.SkipReason)
	}
}

func TestInvalidRecipientSkipsBeforeSend(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact)
	contact := env.createContact(t, "not-an-address")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	step0 := env.stepInstance(t, enr.ID, 0)
	if step0.State != models.StepSkipped {
		t.Fatalf("step 0 state = %s, want skipped", step0.State)
	}
	if got := env.mailer.sentCount(); got != 0 {
		t.Errorf("mailer called %d times for invalid recipient, want 0", got)
	}
}

func TestTemplateStepSendsResolvedContent(t *testing.T) {
	env := newTestEnv(t)
	env.resolver.templates[42] = [2]string{"Resolved subject", "<p>Resolved body</p>"}
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, TemplateID: ptr(uint(42))})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})

	if got := env.mailer.sentCount(); got != 2 {
		t.Fatalf("sent %d emails, want 2", got)
	}
	sent := env.mailer.lastSent()
	if sent.Subject != "Resolved subject" || sent.BodyHTML != "<p>Resolved body</p>" {
		t.Errorf("sent %+v, want resolved template content", sent)
	}

	step1 := env.stepInstance(t, env.enrollment(t, a.ID, contact.ID).ID, 1)
	if step1.State != models.StepSent {
		t.Errorf("step 1 state = %s, want sent", step1.State)
	}
}

func TestMissingTemplateSkipsPermanently(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, TemplateID: ptr(uint(999))})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	step1 := env.stepInstance(t, enr.ID, 1)
	if step1.State != models.StepSkipped {
		t.Fatalf("step 1 state = %s, want skipped", step1.State)
	}
	if !strings.Contains(step1.SkipReason, "template") {
		t.Errorf("skip_reason = %q, want template resolution failure", step1.SkipReason)
	}
	if step1.AttemptCount != 0 {
		t.Errorf("attempt_count = %d, resolution failures must not consume retries", step1.AttemptCount)
	}
}

func TestStepCountersTrackOutcomes(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration})
	contacts := []*models.Contact{
		env.createContact(t, "one@example.com"),
		env.createContact(t, "two@example.com"),
	}

	for _, contact := range contacts {
		env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	}

	var def models.SequenceStep
	if err := env.db.Where("autoresponder_id = ? AND sequence_order = ?", a.ID, 1).
		First(&def).Error; err != nil {
		t.Fatalf("loading step definition: %v", err)
	}
	if def.SentCount != 2 {
		t.Errorf("sent_count = %d, want 2", def.SentCount)
	}
	if def.SkippedCount != 0 {
		t.Errorf("skipped_count = %d, want 0", def.SkippedCount)
	}
}
