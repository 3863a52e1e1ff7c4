package controller

import (
	"log"
	"net/url"

	"nurtura/config"
	"nurtura/engine"
	"nurtura/models"
	"nurtura/utils"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// EventController ingests external domain events: a generic webhook for
// integrations, plus the open/click tracking endpoints referenced from
// outgoing email bodies.
type EventController struct {
	DB     *gorm.DB
	Logger *log.Logger
	Engine *engine.Engine
}

func NewEventController(db *gorm.DB, logger *log.Logger, eng *engine.Engine) *EventController {
	return &EventController{
		DB:     db,
		Logger: logger,
		Engine: eng,
	}
}

// HandleEvent accepts a domain event from an external integration
func (ec *EventController) HandleEvent(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var input struct {
		Type       string `json:"type" validate:"required,oneof=new_contact tag_added status_changed appointment_booked appointment_completed email_opened link_clicked email_replied"`
		ContactID  uint   `json:"contact_id" validate:"required"`
		MessageID  string `json:"message_id"`
		TagID      uint   `json:"tag_id"`
		FromStatus string `json:"from_status"`
		ToStatus   string `json:"to_status"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var contact models.Contact
	if err := ec.DB.Where("id = ? AND user_id = ?", input.ContactID, user.ID).
		First(&contact).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Contact not found",
		})
	}

	ec.Engine.Publish(engine.Event{
		Type:       engine.EventType(input.Type),
		ContactID:  input.ContactID,
		MessageID:  input.MessageID,
		TagID:      input.TagID,
		FromStatus: input.FromStatus,
		ToStatus:   input.ToStatus,
	})

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"message": "Event accepted",
	})
}

// contactForMessage resolves the contact that received a tracked message.
func (ec *EventController) contactForMessage(messageID string) (uint, bool) {
	var row struct {
		ContactID uint
	}
	err := ec.DB.Model(&models.StepInstance{}).
		Select("enrollments.contact_id as contact_id").
		Joins("JOIN enrollments ON enrollments.id = step_instances.enrollment_id").
		Where("step_instances.message_id = ?", messageID).
		Scan(&row).Error
	if err != nil || row.ContactID == 0 {
		return 0, false
	}
	return row.ContactID, true
}

// transparentPixel is a 1x1 transparent GIF.
var transparentPixel = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00, 0x80, 0x00,
	0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x21, 0xf9, 0x04, 0x01, 0x00,
	0x00, 0x00, 0x00, 0x2c, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00,
	0x00, 0x02, 0x02, 0x44, 0x01, 0x00, 0x3b,
}

// TrackOpen serves the tracking pixel and publishes an email_opened event.
// Always returns the pixel; a broken token just means no event.
func (ec *EventController) TrackOpen(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	if utils.ValidTrackingToken(messageID, token, config.AppConfig.TrackingSecret) {
		if contactID, ok := ec.contactForMessage(messageID); ok {
			ec.Engine.Publish(engine.Event{
				Type:      engine.EventEmailOpened,
				ContactID: contactID,
				MessageID: messageID,
			})
		}
	} else {
		ec.Logger.Printf("Rejected open tracking token for message %s", messageID)
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-store, no-cache, must-revalidate")
	return c.Send(transparentPixel)
}

// TrackClick publishes a link_clicked event and redirects to the original URL
func (ec *EventController) TrackClick(c *fiber.Ctx) error {
	messageID := c.Params("messageID")
	token := c.Params("token")

	target, err := url.QueryUnescape(c.Query("url"))
	if err != nil || target == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Missing redirect URL",
		})
	}

	if utils.ValidTrackingToken(messageID, token, config.AppConfig.TrackingSecret) {
		if contactID, ok := ec.contactForMessage(messageID); ok {
			ec.Engine.Publish(engine.Event{
				Type:      engine.EventLinkClicked,
				ContactID: contactID,
				MessageID: messageID,
			})
		}
	} else {
		ec.Logger.Printf("Rejected click tracking token for message %s", messageID)
	}

	return c.Redirect(target, fiber.StatusFound)
}
