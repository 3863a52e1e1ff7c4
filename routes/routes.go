package routes

import (
	"log"
	"os"

	controller "nurtura/controllers"
	"nurtura/engine"
	"nurtura/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"gorm.io/gorm"
)

func SetupAPIRoutes(app *fiber.App, db *gorm.DB, eng *engine.Engine, hub *controller.ProgressHub) {
	autoresponderController := controller.NewAutoresponderController(db, log.New(os.Stdout, "AUTORESPONDER: ", log.LstdFlags), eng)
	enrollmentController := controller.NewEnrollmentController(db, log.New(os.Stdout, "ENROLLMENT: ", log.LstdFlags), eng)
	contactController := controller.NewContactController(db, log.New(os.Stdout, "CONTACT: ", log.LstdFlags), eng)
	templateController := controller.NewTemplateController(db, log.New(os.Stdout, "TEMPLATE: ", log.LstdFlags))
	eventController := controller.NewEventController(db, log.New(os.Stdout, "EVENT: ", log.LstdFlags), eng)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Autoresponder routes
	autoresponder := api.Group("/autoresponders")
	autoresponder.Post("/", autoresponderController.CreateAutoresponder)
	autoresponder.Get("/", autoresponderController.GetAutoresponders)
	autoresponder.Get("/:id", autoresponderController.GetAutoresponder)
	autoresponder.Put("/:id", autoresponderController.UpdateAutoresponder)
	autoresponder.Delete("/:id", autoresponderController.DeleteAutoresponder)
	autoresponder.Post("/:id/activate", autoresponderController.ActivateAutoresponder)
	autoresponder.Post("/:id/deactivate", autoresponderController.DeactivateAutoresponder)
	autoresponder.Get("/:id/stats", autoresponderController.GetAutoresponderStats)

	// Enrollment routes, nested under their autoresponder
	autoresponder.Get("/:id/enrollments", enrollmentController.GetEnrollments)
	autoresponder.Post("/:id/enrollments", enrollmentController.EnrollContact)
	autoresponder.Get("/:id/enrollments/:contactId", enrollmentController.GetEnrollmentStatus)
	autoresponder.Delete("/:id/enrollments/:contactId", enrollmentController.CancelEnrollment)

	// Contact routes
	contact := api.Group("/contacts")
	contact.Post("/", contactController.CreateContact)
	contact.Get("/", contactController.GetContacts)
	contact.Get("/:id", contactController.GetContact)
	contact.Put("/:id", contactController.UpdateContact)
	contact.Delete("/:id", contactController.DeleteContact)
	contact.Post("/:id/unsubscribe", contactController.UnsubscribeContact)
	contact.Post("/:id/tags", contactController.AddTag)
	contact.Delete("/:id/tags/:tagId", contactController.RemoveTag)
	contact.Post("/:id/appointments", contactController.CreateAppointment)
	contact.Post("/appointments/:appointmentId/complete", contactController.CompleteAppointment)

	// Tag routes
	tag := api.Group("/tags")
	tag.Post("/", contactController.CreateTag)
	tag.Get("/", contactController.GetTags)

	// Template routes
	template := api.Group("/templates")
	template.Post("/", templateController.CreateTemplate)
	template.Get("/", templateController.GetTemplates)
	template.Get("/:id", templateController.GetTemplate)
	template.Put("/:id", templateController.UpdateTemplate)
	template.Delete("/:id", templateController.DeleteTemplate)

	// Event webhook for external integrations
	api.Post("/events", eventController.HandleEvent)

	// WebSocket route for enrollment progress
	app.Get("/api/v1/progress", websocket.New(hub.HandleProgressWS))

	// Tracking endpoints are linked from email bodies, so no auth; rate
	// limited instead.
	track := app.Group("/track", middleware.TrackingRateLimiter())
	track.Get("/open/:messageID/:token", eventController.TrackOpen)
	track.Get("/click/:messageID/:token", eventController.TrackClick)

	log.Println("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, db *gorm.DB, eng *engine.Engine, hub *controller.ProgressHub) {
	// Setup health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupAPIRoutes(app, db, eng, hub)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})
}
