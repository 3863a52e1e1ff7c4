package utils

import (
	"fmt"
	"log"
	"strings"
	"time"

	"nurtura/engine"
	"nurtura/models"

	"gopkg.in/gomail.v2"
)

// SMTPMailer sends engine emails over plain SMTP. It injects open/click
// tracking and stamps a Message-ID header so opens, clicks and replies can
// be matched back to the step instance that sent the email.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string

	FromName  string
	FromEmail string

	// BaseURL is the public root the tracking endpoints are served from.
	BaseURL       string
	TrackingToken string // HMAC secret for tracking URLs

	Logger *log.Logger
}

// NewSMTPMailer wires an SMTP mailer from config values.
func NewSMTPMailer(host string, port int, username, password, fromName, fromEmail, baseURL, trackingSecret string, logger *log.Logger) *SMTPMailer {
	return &SMTPMailer{
		Host:          host,
		Port:          port,
		Username:      username,
		Password:      password,
		FromName:      fromName,
		FromEmail:     fromEmail,
		BaseURL:       baseURL,
		TrackingToken: trackingSecret,
		Logger:        logger,
	}
}

// Send implements engine.Mailer. SMTP failures are returned as plain errors
// and retried by the engine; content problems are caught upstream.
func (m *SMTPMailer) Send(contact *models.Contact, subject, bodyHTML, messageID string) error {
	tracked := InjectTracking(bodyHTML, m.BaseURL, messageID, m.TrackingToken)

	msg := gomail.NewMessage()
	msg.SetHeader("From", fmt.Sprintf("%s <%s>", m.FromName, m.FromEmail))
	msg.SetHeader("To", contact.Email)
	msg.SetHeader("Subject", subject)
	msg.SetHeader("Message-ID", m.messageIDHeader(messageID))
	msg.SetHeader("Date", time.Now().Format(time.RFC1123Z))
	msg.SetBody("text/html", tracked)

	d := gomail.NewDialer(m.Host, m.Port, m.Username, m.Password)
	if err := d.DialAndSend(msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", contact.Email, err)
	}

	m.Logger.Printf("Sent email to %s (message %s)", contact.Email, messageID)
	return nil
}

// messageIDHeader wraps the engine's message id into RFC 5322 form using the
// sender domain. ExtractMessageID is its inverse.
func (m *SMTPMailer) messageIDHeader(messageID string) string {
	domain := "localhost"
	if at := strings.LastIndex(m.FromEmail, "@"); at != -1 {
		domain = m.FromEmail[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", messageID, domain)
}

// ExtractMessageID recovers an engine message id from an RFC 5322
// Message-ID / In-Reply-To header value. Returns "" when the header does not
// carry one of ours.
func ExtractMessageID(header string) string {
	v := strings.TrimSpace(header)
	v = strings.TrimPrefix(v, "<")
	if at := strings.Index(v, "@"); at != -1 {
		return v[:at]
	}
	return ""
}

var _ engine.Mailer = (*SMTPMailer)(nil)
