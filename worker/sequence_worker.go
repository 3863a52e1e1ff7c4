package worker

import (
	"context"
	"log"
	"time"

	"nurtura/engine"
	"nurtura/models"

	"gorm.io/gorm"
)

// SequenceWorker drives the durable side of the engine: wake timers, dispatch
// retries and the daily date-based enrollment scan. All state lives in the
// database, so several workers can run against the same store.
type SequenceWorker struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *log.Logger

	WakeInterval  time.Duration
	RetryInterval time.Duration
}

func NewSequenceWorker(db *gorm.DB, eng *engine.Engine, logger *log.Logger, wakeInterval, retryInterval time.Duration) *SequenceWorker {
	return &SequenceWorker{
		DB:            db,
		Engine:        eng,
		Logger:        logger,
		WakeInterval:  wakeInterval,
		RetryInterval: retryInterval,
	}
}

func (sw *SequenceWorker) Start(ctx context.Context) {
	sw.Logger.Println("Sequence worker started")

	wakeTicker := time.NewTicker(sw.WakeInterval)
	defer wakeTicker.Stop()

	retryTicker := time.NewTicker(sw.RetryInterval)
	defer retryTicker.Stop()

	// Daily scan for date-based triggers
	dateTicker := time.NewTicker(24 * time.Hour)
	defer dateTicker.Stop()
	sw.runDateScan()

	for {
		select {
		case <-ctx.Done():
			sw.Logger.Println("Sequence worker shutting down...")
			return
		case <-wakeTicker.C:
			if n := sw.Engine.PollDueWakes(); n > 0 {
				sw.Logger.Printf("Evaluated %d due wakes", n)
			}
		case <-retryTicker.C:
			if n := sw.Engine.PollDueRetries(); n > 0 {
				sw.Logger.Printf("Re-dispatched %d steps", n)
			}
		case <-dateTicker.C:
			sw.runDateScan()
		}
	}
}

// runDateScan enrolls contacts into date-based autoresponders whose target
// date is DaysBefore days from now. Enrollment is idempotent, so re-running
// the scan within the same day is harmless.
func (sw *SequenceWorker) runDateScan() {
	var autoresponders []models.Autoresponder
	if err := sw.DB.Where("trigger_type = ? AND is_active = ?", models.TriggerDateBased, true).
		Find(&autoresponders).Error; err != nil {
		sw.Logger.Printf("Error fetching date-based autoresponders: %v", err)
		return
	}

	for i := range autoresponders {
		a := &autoresponders[i]
		contactIDs, err := sw.contactsDueFor(a)
		if err != nil {
			sw.Logger.Printf("Date scan failed for autoresponder %d: %v", a.ID, err)
			continue
		}
		for _, contactID := range contactIDs {
			if err := sw.Engine.EnrollContact(a.ID, contactID); err != nil {
				sw.Logger.Printf("Error enrolling contact %d into autoresponder %d: %v",
					contactID, a.ID, err)
			}
		}
	}
}

// contactsDueFor resolves which contacts hit the configured date field today.
func (sw *SequenceWorker) contactsDueFor(a *models.Autoresponder) ([]uint, error) {
	target := time.Now().AddDate(0, 0, a.TriggerConfig.DaysBefore)
	dayStart := time.Date(target.Year(), target.Month(), target.Day(), 0, 0, 0, 0, target.Location())
	dayEnd := dayStart.AddDate(0, 0, 1)

	var contactIDs []uint
	switch a.TriggerConfig.DateField {
	case "appointment_scheduled_at":
		err := sw.DB.Model(&models.Appointment{}).
			Where("scheduled_at >= ? AND scheduled_at < ?", dayStart, dayEnd).
			Distinct().Pluck("contact_id", &contactIDs).Error
		return contactIDs, err
	case "last_contacted_at":
		err := sw.DB.Model(&models.Contact{}).
			Where("last_contacted_at >= ? AND last_contacted_at < ?", dayStart, dayEnd).
			Pluck("id", &contactIDs).Error
		return contactIDs, err
	default:
		sw.Logger.Printf("Autoresponder %d has unknown date field %q", a.ID, a.TriggerConfig.DateField)
		return nil, nil
	}
}
