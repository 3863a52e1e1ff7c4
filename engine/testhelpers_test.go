package engine

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"nurtura/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var errTransient = errors.New("smtp: connection timed out")

// ptr mirrors utils.Pointer; utils cannot be imported from engine's
// in-package tests without creating an import cycle.
func ptr[T any](v T) *T {
	return &v
}

// testClock is a manually advanced clock so wake and retry timing can be
// asserted without sleeping.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type sentEmail struct {
	To        string
	Subject   string
	BodyHTML  string
	MessageID string
}

// fakeMailer records sends and can be scripted to fail.
type fakeMailer struct {
	mu    sync.Mutex
	sent  []sentEmail
	fails []error // consumed one per Send call before succeeding
}

func (m *fakeMailer) Send(contact *models.Contact, subject, bodyHTML, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.fails) > 0 {
		err := m.fails[0]
		m.fails = m.fails[1:]
		return err
	}
	m.sent = append(m.sent, sentEmail{
		To:        contact.Email,
		Subject:   subject,
		BodyHTML:  bodyHTML,
		MessageID: messageID,
	})
	return nil
}

func (m *fakeMailer) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *fakeMailer) lastSent() sentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[len(m.sent)-1]
}

func (m *fakeMailer) failNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fails = append(m.fails, errs...)
}

// fakeResolver returns canned content per template id.
type fakeResolver struct {
	templates map[uint][2]string // id -> {subject, body}
}

func (r *fakeResolver) Resolve(templateID, contactID uint) (string, string, error) {
	if tmpl, ok := r.templates[templateID]; ok {
		return tmpl[0], tmpl[1], nil
	}
	return "", "", fmt.Errorf("template %d not found", templateID)
}

type testEnv struct {
	db       *gorm.DB
	engine   *Engine
	mailer   *fakeMailer
	resolver *fakeResolver
	clock    *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("getting sql.DB: %v", err)
	}
	// One connection: each in-memory sqlite connection is its own database
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&models.Contact{}, &models.Tag{}, &models.ContactTag{}, &models.Appointment{},
		&models.Template{}, &models.Autoresponder{}, &models.SequenceStep{},
		&models.Enrollment{}, &models.StepInstance{},
	); err != nil {
		t.Fatalf("migrating test database: %v", err)
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	env := &testEnv{
		db:       db,
		mailer:   &fakeMailer{},
		resolver: &fakeResolver{templates: map[uint][2]string{}},
		clock:    newTestClock(),
	}
	env.engine = New(db, logger, env.mailer, env.resolver, WithNow(env.clock.Now))
	return env
}

func (env *testEnv) createContact(t *testing.T, email string) *models.Contact {
	t.Helper()
	contact := models.Contact{Email: email, FirstName: "Ada", Status: "lead"}
	if err := env.db.Create(&contact).Error; err != nil {
		t.Fatalf("creating contact: %v", err)
	}
	return &contact
}

type stepDef struct {
	TimingMode        string
	DelayDays         int
	DelayHours        int
	WaitTriggerType   string
	WaitTriggerConfig models.WaitTriggerConfig
	TemplateID        *uint
	Subject           string
	BodyHTML          string
}

func (env *testEnv) createAutoresponder(t *testing.T, triggerType string, steps ...stepDef) *models.Autoresponder {
	t.Helper()
	a := models.Autoresponder{
		UserID:          1,
		Name:            "welcome",
		TriggerType:     triggerType,
		IsActive:        true,
		SequenceEnabled: len(steps) > 0,
		Subject:         "Welcome!",
		BodyHTML:        "<p>Hello {{first_name}}</p>",
	}
	if err := env.db.Create(&a).Error; err != nil {
		t.Fatalf("creating autoresponder: %v", err)
	}
	for i, def := range steps {
		subject, body := def.Subject, def.BodyHTML
		if def.TemplateID == nil && subject == "" {
			subject = fmt.Sprintf("Follow-up %d", i+1)
			body = "<p>Checking in</p>"
		}
		step := models.SequenceStep{
			AutoresponderID:   a.ID,
			SequenceOrder:     i + 1,
			TimingMode:        def.TimingMode,
			DelayDays:         def.DelayDays,
			DelayHours:        def.DelayHours,
			WaitTriggerType:   def.WaitTriggerType,
			WaitTriggerConfig: def.WaitTriggerConfig,
			TemplateID:        def.TemplateID,
			Subject:           subject,
			BodyHTML:          body,
		}
		if err := env.db.Create(&step).Error; err != nil {
			t.Fatalf("creating sequence step: %v", err)
		}
	}
	return &a
}

func (env *testEnv) enrollment(t *testing.T, autoresponderID, contactID uint) *models.Enrollment {
	t.Helper()
	var enr models.Enrollment
	if err := env.db.Where("autoresponder_id = ? AND contact_id = ?", autoresponderID, contactID).
		Order("id DESC").First(&enr).Error; err != nil {
		t.Fatalf("loading enrollment: %v", err)
	}
	return &enr
}

func (env *testEnv) stepInstance(t *testing.T, enrollmentID uint, order int) *models.StepInstance {
	t.Helper()
	var step models.StepInstance
	if err := env.db.Where("enrollment_id = ? AND sequence_order = ?", enrollmentID, order).
		First(&step).Error; err != nil {
		t.Fatalf("loading step instance %d: %v", order, err)
	}
	return &step
}

func (env *testEnv) enrollmentCount(t *testing.T, autoresponderID, contactID uint) int64 {
	t.Helper()
	var count int64
	if err := env.db.Model(&models.Enrollment{}).
		Where("autoresponder_id = ? AND contact_id = ?", autoresponderID, contactID).
		Count(&count).Error; err != nil {
		t.Fatalf("counting enrollments: %v", err)
	}
	return count
}
