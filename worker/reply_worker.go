package worker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"strings"
	"time"

	"nurtura/config"
	"nurtura/engine"
	"nurtura/models"
	"nurtura/utils"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"gorm.io/gorm"
)

// ReplyWorker polls the sending mailbox over IMAP for replies to sequence
// emails. A reply's In-Reply-To header carries the Message-ID we stamped on
// the outgoing email, which maps back to the step instance that sent it.
type ReplyWorker struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Logger *log.Logger

	IMAP     config.IMAPConfig
	Interval time.Duration
}

func NewReplyWorker(db *gorm.DB, eng *engine.Engine, logger *log.Logger, imapCfg config.IMAPConfig, interval time.Duration) *ReplyWorker {
	return &ReplyWorker{
		DB:       db,
		Engine:   eng,
		Logger:   logger,
		IMAP:     imapCfg,
		Interval: interval,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	if !rw.IMAP.Enabled {
		rw.Logger.Println("Reply worker disabled (no IMAP configured)")
		return
	}

	rw.Logger.Println("Reply worker started")

	ticker := time.NewTicker(rw.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rw.Logger.Println("Reply worker shutting down...")
			return
		case <-ticker.C:
			if err := rw.fetchReplies(); err != nil {
				rw.Logger.Printf("Error fetching replies: %v", err)
			}
		}
	}
}

func (rw *ReplyWorker) connect() (*client.Client, error) {
	addr := fmt.Sprintf("%s:%d", rw.IMAP.Host, rw.IMAP.Port)

	var imapClient *client.Client
	var err error
	switch strings.ToUpper(rw.IMAP.Encryption) {
	case "SSL", "TLS":
		imapClient, err = client.DialTLS(addr, &tls.Config{
			ServerName: rw.IMAP.Host,
		})
	case "STARTTLS":
		imapClient, err = client.Dial(addr)
		if err == nil {
			err = imapClient.StartTLS(&tls.Config{
				ServerName: rw.IMAP.Host,
			})
		}
	default:
		imapClient, err = client.Dial(addr)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %v", err)
	}

	if err := imapClient.Login(rw.IMAP.Username, rw.IMAP.Password); err != nil {
		imapClient.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %v", err)
	}
	return imapClient, nil
}

func (rw *ReplyWorker) fetchReplies() error {
	imapClient, err := rw.connect()
	if err != nil {
		return err
	}
	defer imapClient.Logout()

	mailbox := rw.IMAP.Mailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := imapClient.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox: %v", err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{"\\Seen"}
	ids, err := imapClient.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to search messages: %v", err)
	}
	if len(ids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)

	section := &imap.BodySectionName{Peek: true}
	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- imapClient.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	for msg := range messages {
		if msg.Envelope == nil {
			continue
		}
		inReplyTo := msg.Envelope.InReplyTo
		if inReplyTo == "" {
			// Some clients thread via References only
			inReplyTo = rw.referencesHeader(msg, section)
		}
		rw.processReply(inReplyTo, msg.Envelope.Date)
	}

	if err := <-done; err != nil {
		return fmt.Errorf("error during fetch: %v", err)
	}

	// Mark the batch seen so it is not reprocessed next poll
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := imapClient.Store(seqset, item, flags, nil); err != nil {
		rw.Logger.Printf("Failed to mark messages seen: %v", err)
	}

	return nil
}

// referencesHeader parses the raw message and returns the last entry of its
// References header, the message being replied to.
func (rw *ReplyWorker) referencesHeader(msg *imap.Message, section *imap.BodySectionName) string {
	literal := msg.GetBody(section)
	if literal == nil {
		return ""
	}
	mr, err := mail.CreateReader(literal)
	if err != nil {
		return ""
	}
	refs := strings.Fields(mr.Header.Get("References"))
	if len(refs) == 0 {
		return ""
	}
	return refs[len(refs)-1]
}

// processReply resolves the replied-to message back to a contact and publishes
// an email_replied event. Messages that are not replies to sequence emails are
// ignored.
func (rw *ReplyWorker) processReply(inReplyTo string, receivedAt time.Time) {
	messageID := utils.ExtractMessageID(inReplyTo)
	if messageID == "" {
		return
	}

	var row struct {
		ContactID uint
	}
	err := rw.DB.Model(&models.StepInstance{}).
		Select("enrollments.contact_id as contact_id").
		Joins("JOIN enrollments ON enrollments.id = step_instances.enrollment_id").
		Where("step_instances.message_id = ?", messageID).
		Scan(&row).Error
	if err != nil || row.ContactID == 0 {
		return
	}

	rw.Logger.Printf("Detected reply to message %s from contact %d", messageID, row.ContactID)
	rw.Engine.Publish(engine.Event{
		Type:       engine.EventEmailReplied,
		ContactID:  row.ContactID,
		MessageID:  messageID,
		OccurredAt: receivedAt,
	})
}
