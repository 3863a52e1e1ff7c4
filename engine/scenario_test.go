package engine

import (
	"testing"
	"time"

	"nurtura/models"
)

// End-to-end runs through the full chain lifecycle: enrollment, waiting,
// wake/trigger evaluation, dispatch and completion.

func TestScenarioOneDayFollowUp(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{TimingMode: models.TimingFixedDuration, DelayDays: 1})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	step1 := env.stepInstance(t, enr.ID, 1)
	wantWake := step1.StepStartedAt.Add(24 * time.Hour)
	if step1.WakeAt == nil || !step1.WakeAt.Equal(wantWake) {
		t.Fatalf("wake_at = %v, want %v", step1.WakeAt, wantWake)
	}

	env.clock.Advance(24 * time.Hour)
	env.engine.PollDueWakes()

	step1 = env.stepInstance(t, enr.ID, 1)
	if step1.State != models.StepSent {
		t.Fatalf("step 1 state = %s, want sent at +24h", step1.State)
	}
	if step1.SentAt == nil || !step1.SentAt.Equal(env.clock.Now()) {
		t.Errorf("sent_at = %v, want %v", step1.SentAt, env.clock.Now())
	}
	if enr = env.enrollment(t, a.ID, contact.ID); enr.Status != models.EnrollmentCompleted {
		t.Errorf("enrollment status = %s, want completed", enr.Status)
	}
}

func TestScenarioTagThenClickChain(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{
			TimingMode:        models.TimingWaitForTrigger,
			WaitTriggerType:   models.WaitTagAdded,
			WaitTriggerConfig: models.WaitTriggerConfig{TagID: 11},
		},
		stepDef{
			TimingMode:      models.TimingBoth,
			DelayHours:      2,
			WaitTriggerType: models.WaitLinkClicked,
		})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)

	// Step 1 waits for the tag, however long that takes
	env.clock.Advance(72 * time.Hour)
	env.engine.PollDueWakes()
	if step1 := env.stepInstance(t, enr.ID, 1); step1.State != models.StepWaitingTrigger {
		t.Fatalf("step 1 state = %s, want waiting_trigger", step1.State)
	}

	env.engine.HandleEvent(Event{Type: EventTagAdded, ContactID: contact.ID, TagID: 11})
	step1 := env.stepInstance(t, enr.ID, 1)
	if step1.State != models.StepSent {
		t.Fatalf("step 1 state = %s, want sent after tag", step1.State)
	}

	// Step 2 now exists, waiting on both legs
	step2 := env.stepInstance(t, enr.ID, 2)
	if step2.State != models.StepWaitingBoth {
		t.Fatalf("step 2 state = %s, want waiting_both", step2.State)
	}

	// +2h: time leg met, still waiting for the click
	env.clock.Advance(2 * time.Hour)
	env.engine.PollDueWakes()
	step2 = env.stepInstance(t, enr.ID, 2)
	if step2.State != models.StepWaitingBoth {
		t.Fatalf("step 2 state = %s, want waiting_both with only the time leg", step2.State)
	}
	if step2.TimeConditionMetAt == nil {
		t.Fatal("time leg not recorded at +2h")
	}

	// +3h: the click on step 1's email completes the pair
	env.clock.Advance(time.Hour)
	env.engine.HandleEvent(Event{
		Type:      EventLinkClicked,
		ContactID: contact.ID,
		MessageID: step1.MessageID,
	})

	step2 = env.stepInstance(t, enr.ID, 2)
	if step2.State != models.StepSent {
		t.Fatalf("step 2 state = %s, want sent", step2.State)
	}
	if enr = env.enrollment(t, a.ID, contact.ID); enr.Status != models.EnrollmentCompleted {
		t.Errorf("enrollment status = %s, want completed", enr.Status)
	}
	if got := env.mailer.sentCount(); got != 3 {
		t.Errorf("sent %d emails, want 3", got)
	}
}

func TestScenarioEarlyOpenShortCircuitsTimer(t *testing.T) {
	env := newTestEnv(t)
	a := env.createAutoresponder(t, models.TriggerNewContact,
		stepDef{
			TimingMode:      models.TimingEitherOr,
			DelayHours:      1,
			WaitTriggerType: models.WaitEmailOpened,
		})
	contact := env.createContact(t, "ada@example.com")

	env.engine.HandleEvent(Event{Type: EventNewContact, ContactID: contact.ID})
	enr := env.enrollment(t, a.ID, contact.ID)
	step0 := env.stepInstance(t, enr.ID, 0)

	env.clock.Advance(10 * time.Minute)
	env.engine.HandleEvent(Event{
		Type:      EventEmailOpened,
		ContactID: contact.ID,
		MessageID: step0.MessageID,
	})

	step1 := env.stepInstance(t, enr.ID, 1)
	if step1.State != models.StepSent {
		t.Fatalf("step 1 state = %s, want sent at +10min", step1.State)
	}
	if step1.SentAt == nil || !step1.SentAt.Equal(env.clock.Now()) {
		t.Errorf("sent_at = %v, want +10min instant %v", step1.SentAt, env.clock.Now())
	}

	// The 1h timer was cancelled; it must never fire a second send
	sends := env.mailer.sentCount()
	env.clock.Advance(time.Hour)
	if n := env.engine.PollDueWakes(); n != 0 {
		t.Errorf("wake poll evaluated %d steps, want 0", n)
	}
	if env.mailer.sentCount() != sends {
		t.Error("cancelled timer fired a duplicate send")
	}
}
