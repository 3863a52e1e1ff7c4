package engine

import (
	"errors"
	"fmt"

	"nurtura/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// handlePrimaryTrigger opens enrollments for every active autoresponder whose
// primary trigger matches the event.
func (e *Engine) handlePrimaryTrigger(triggerType string, ev Event) {
	var autoresponders []models.Autoresponder
	if err := e.db.Where("trigger_type = ? AND is_active = ?", triggerType, true).
		Find(&autoresponders).Error; err != nil {
		e.logger.WithError(err).Error("loading autoresponders for primary trigger")
		return
	}

	for i := range autoresponders {
		a := &autoresponders[i]
		if a.TriggerType == models.TriggerTagAdded && a.TriggerConfig.TagID != ev.TagID {
			continue
		}
		if err := e.openEnrollment(a, ev.ContactID); err != nil {
			e.logger.WithError(err).WithFields(logrus.Fields{
				"autoresponder_id": a.ID,
				"contact_id":       ev.ContactID,
			}).Error("opening enrollment")
		}
	}
}

// EnrollContact opens an enrollment for one contact into one autoresponder.
// This is the entry point for the external date-based daily scan and for
// manual enrollment. Idempotent: a second call while an enrollment is ACTIVE
// is a no-op.
func (e *Engine) EnrollContact(autoresponderID, contactID uint) error {
	var a models.Autoresponder
	if err := e.db.First(&a, autoresponderID).Error; err != nil {
		return fmt.Errorf("loading autoresponder %d: %w", autoresponderID, err)
	}
	return e.openEnrollment(&a, contactID)
}

func (e *Engine) openEnrollment(a *models.Autoresponder, contactID uint) error {
	if !a.IsActive {
		return nil
	}

	var count int64
	if err := e.db.Model(&models.Enrollment{}).
		Where("contact_id = ? AND autoresponder_id = ? AND status = ?",
			contactID, a.ID, models.EnrollmentActive).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := e.now()
	enr := models.Enrollment{
		ContactID:        contactID,
		AutoresponderID:  a.ID,
		Status:           models.EnrollmentActive,
		CurrentStepIndex: -1,
		EnrolledAt:       now,
	}
	if err := e.db.Create(&enr).Error; err != nil {
		// The partial unique index is the backstop for concurrent opens.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil
		}
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"enrollment_id":    enr.ID,
		"autoresponder_id": a.ID,
		"contact_id":       contactID,
	}).Info("enrollment opened")
	e.notify(&enr, -1, models.EnrollmentActive)

	// The primary send is step 0: created READY with the autoresponder's own
	// content and dispatched through the normal path. Its SENT advances the
	// enrollment into the chain (or completes it when sequences are off).
	step0 := models.StepInstance{
		EnrollmentID:  enr.ID,
		SequenceOrder: 0,
		State:         models.StepReady,
		TimingMode:    models.TimingFixedDuration,
		TemplateID:    a.TemplateID,
		Subject:       a.Subject,
		BodyHTML:      a.BodyHTML,
		StepStartedAt: now,
	}
	if err := e.db.Create(&step0).Error; err != nil {
		return fmt.Errorf("creating primary step instance: %w", err)
	}
	e.dispatchStep(&step0)
	return nil
}

// CancelEnrollment cancels an enrollment and its current non-terminal step.
// Effective even against in-flight evaluations: the step cancellation bumps
// the version column, so a concurrent transition loses its version check.
func (e *Engine) CancelEnrollment(enrollmentID uint, reason string) error {
	now := e.now()
	var enr models.Enrollment

	err := e.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&enr, enrollmentID).Error; err != nil {
			return err
		}
		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", enrollmentID, models.EnrollmentActive).
			Updates(map[string]interface{}{
				"status":        models.EnrollmentCancelled,
				"cancelled_at":  now,
				"cancel_reason": reason,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // already terminal, nothing to do
		}
		enr.Status = models.EnrollmentCancelled

		var steps []models.StepInstance
		if err := tx.Where("enrollment_id = ? AND state IN ?", enrollmentID, []string{
			models.StepPending, models.StepWaitingTime, models.StepWaitingTrigger,
			models.StepWaitingBoth, models.StepReady,
		}).Find(&steps).Error; err != nil {
			return err
		}
		for i := range steps {
			if err := stepUpdate(tx, &steps[i], map[string]interface{}{
				"state":           models.StepCancelled,
				"wake_at":         nil,
				"next_attempt_at": nil,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if enr.Status == models.EnrollmentCancelled {
		e.logger.WithFields(logrus.Fields{
			"enrollment_id": enrollmentID,
			"reason":        reason,
		}).Info("enrollment cancelled")
		e.notify(&enr, enr.CurrentStepIndex, models.EnrollmentCancelled)
	}
	return nil
}

// CancelPair cancels the ACTIVE enrollment for a (autoresponder, contact)
// pair, if one exists. This is the OnCancelSignal entry point.
func (e *Engine) CancelPair(autoresponderID, contactID uint, reason string) error {
	var enr models.Enrollment
	err := e.db.Where("autoresponder_id = ? AND contact_id = ? AND status = ?",
		autoresponderID, contactID, models.EnrollmentActive).First(&enr).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.CancelEnrollment(enr.ID, reason)
}

// CancelAutoresponderEnrollments cancels every ACTIVE enrollment of an
// autoresponder. Used when an autoresponder is deactivated.
func (e *Engine) CancelAutoresponderEnrollments(autoresponderID uint, reason string) error {
	return e.cancelWhere("autoresponder_id = ?", autoresponderID, reason)
}

// CancelContactEnrollments cancels every ACTIVE enrollment of a contact.
// Used when a contact unsubscribes or is deleted.
func (e *Engine) CancelContactEnrollments(contactID uint, reason string) error {
	return e.cancelWhere("contact_id = ?", contactID, reason)
}

func (e *Engine) cancelWhere(cond string, id uint, reason string) error {
	var enrollments []models.Enrollment
	if err := e.db.Where(cond, id).
		Where("status = ?", models.EnrollmentActive).
		Find(&enrollments).Error; err != nil {
		return err
	}
	for i := range enrollments {
		if err := e.CancelEnrollment(enrollments[i].ID, reason); err != nil {
			return err
		}
	}
	return nil
}

// EnrollmentStatus is the read model exposed to the authoring UI.
type EnrollmentStatus struct {
	EnrollmentID     uint       `json:"enrollment_id"`
	Status           string     `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	Steps            []StepView `json:"steps"`
}

// StepView summarizes one step instance for display.
type StepView struct {
	SequenceOrder int    `json:"sequence_order"`
	State         string `json:"state"`
	SkipReason    string `json:"skip_reason,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

// Status reports the enrollment state for a (autoresponder, contact) pair.
func (e *Engine) Status(autoresponderID, contactID uint) (*EnrollmentStatus, error) {
	var enr models.Enrollment
	if err := e.db.Where("autoresponder_id = ? AND contact_id = ?", autoresponderID, contactID).
		Order("created_at DESC").First(&enr).Error; err != nil {
		return nil, err
	}

	var steps []models.StepInstance
	if err := e.db.Where("enrollment_id = ?", enr.ID).
		Order("sequence_order ASC").Find(&steps).Error; err != nil {
		return nil, err
	}

	status := &EnrollmentStatus{
		EnrollmentID:     enr.ID,
		Status:           enr.Status,
		CurrentStepIndex: enr.CurrentStepIndex,
	}
	for _, s := range steps {
		status.Steps = append(status.Steps, StepView{
			SequenceOrder: s.SequenceOrder,
			State:         s.State,
			SkipReason:    s.SkipReason,
			LastError:     s.LastError,
		})
	}
	return status, nil
}
