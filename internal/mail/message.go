package mail

import (
	"bytes"
	"fmt"
	"log"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"

	"github.com/heronmail/heron/internal/models"
)

// ParseFlags converts raw IMAP flags to the domain flag set.
func ParseFlags(flags []string) models.MessageFlags {
	parsed := models.MessageFlags{}
	for _, flag := range flags {
		switch flag {
		case imap.AnsweredFlag:
			parsed.Answered = true
		case imap.FlaggedFlag:
			parsed.Flagged = true
		case imap.DeletedFlag:
			parsed.Deleted = true
		case imap.DraftFlag:
			parsed.Draft = true
		case imap.SeenFlag:
			parsed.Seen = true
		}
	}
	return parsed
}

// MessageFromIMAP converts a raw fetch result to the domain Message model.
// Returns nil when the fetch carried no envelope; callers drop such results
// from batches rather than aborting them.
func MessageFromIMAP(raw *imap.Message, threadID string) *models.Message {
	if raw == nil || raw.Envelope == nil {
		return nil
	}

	envelope := raw.Envelope
	id := envelope.MessageId
	if id == "" {
		// No Message-ID header; derive a per-mailbox identity.
		id = fmt.Sprintf("uid:%d", raw.Uid)
	}

	return &models.Message{
		ID:           id,
		UID:          raw.Uid,
		ThreadID:     threadID,
		MessageID:    envelope.MessageId,
		Subject:      envelope.Subject,
		Date:         envelope.Date,
		From:         addressList(envelope.From),
		To:           addressList(envelope.To),
		Sender:       addressList(envelope.Sender),
		ReplyTo:      addressList(envelope.ReplyTo),
		Flags:        ParseFlags(raw.Flags),
		ContentParts: FindContentParts(raw.BodyStructure),
	}
}

// DetailsFromIMAP converts a full fetch result (envelope, structure, body
// parts, raw source) into MessageDetails. Attachment metadata is parsed from
// the raw source; a source parse failure loses attachments but not the body.
func DetailsFromIMAP(raw *imap.Message, threadID string, parts map[string][]byte, source []byte) *models.MessageDetails {
	base := MessageFromIMAP(raw, threadID)
	if base == nil {
		return nil
	}

	details := &models.MessageDetails{Message: *base}
	if body := DecodeMessageBody(raw.BodyStructure, parts); body != nil {
		details.Body = *body
	}

	if len(source) > 0 {
		attachments, err := parseAttachments(source)
		if err != nil {
			log.Printf("mail: failed to parse attachments for %s: %v", base.ID, err)
		} else {
			details.Attachments = attachments
		}
	}

	return details
}

// parseAttachments extracts attachment metadata from a raw message source.
func parseAttachments(source []byte) ([]models.Attachment, error) {
	envelope, err := enmime.ReadEnvelope(bytes.NewReader(source))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message source: %w", err)
	}

	var attachments []models.Attachment
	for _, part := range append(envelope.Attachments, envelope.Inlines...) {
		if part.FileName == "" && part.ContentID == "" {
			continue
		}
		attachment := models.Attachment{
			Filename:  part.FileName,
			MimeType:  part.ContentType,
			SizeBytes: int64(len(part.Content)),
		}
		if part.ContentID != "" {
			attachment.ContentID = part.ContentID
			attachment.IsInline = true
		}
		attachments = append(attachments, attachment)
	}
	return attachments, nil
}

func addressList(addresses []*imap.Address) []models.Address {
	result := make([]models.Address, 0, len(addresses))
	for _, address := range addresses {
		if address == nil {
			continue
		}
		if address.MailboxName == "" && address.HostName == "" {
			continue
		}
		result = append(result, models.Address{
			Name:    address.PersonalName,
			Address: address.MailboxName + "@" + address.HostName,
		})
	}
	return result
}
