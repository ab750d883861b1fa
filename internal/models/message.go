package models

import "time"

// Address is a single sender or recipient.
type Address struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address,omitempty"`
}

// MessageFlags is the parsed set of standard IMAP flags on a message.
type MessageFlags struct {
	Answered bool `json:"answered"`
	Flagged  bool `json:"flagged"`
	Deleted  bool `json:"deleted"`
	Draft    bool `json:"draft"`
	Seen     bool `json:"seen"`
}

// ContentPart identifies one renderable leaf of a message's MIME tree.
// Part is the structural path ("1.2"), or "text" for a non-multipart body.
type ContentPart struct {
	Part     string `json:"part"`
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Charset  string `json:"charset"`
}

// Message is the domain view of a single mail message.
//
// ID is the cross-session identity key (the Message-ID header, or derived
// from the UID when the header is missing). UID is only valid within one
// mailbox session and must be re-resolved after reconnect.
type Message struct {
	ID           string        `json:"id"`
	UID          uint32        `json:"uid"`
	ThreadID     string        `json:"thread_id,omitempty"`
	MessageID    string        `json:"message_id,omitempty"`
	Subject      string        `json:"subject,omitempty"`
	Date         time.Time     `json:"date,omitzero"`
	From         []Address     `json:"from"`
	To           []Address     `json:"to"`
	Sender       []Address     `json:"sender"`
	ReplyTo      []Address     `json:"reply_to"`
	Flags        MessageFlags  `json:"flags"`
	ContentParts []ContentPart `json:"content_parts"`
	Summary      string        `json:"summary,omitempty"`
}

// PartialMessage is a delta applied to an existing message, keyed by ID.
// Nil fields are left untouched by the consumer.
type PartialMessage struct {
	ID      string        `json:"id"`
	Flags   *MessageFlags `json:"flags,omitempty"`
	Summary *string       `json:"summary,omitempty"`
}

// MessageBody is the decoded, renderable body of a message. All fields are
// nullable: Autotext is a plain-text rendering derived from HTML, and Text
// falls back to Autotext when the message carries no native text part.
type MessageBody struct {
	HTML     *string `json:"html"`
	Text     *string `json:"text"`
	Autotext *string `json:"autotext"`
}

// MessageDetails is a Message plus its decoded body and attachment metadata.
type MessageDetails struct {
	Message
	Body        MessageBody  `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment describes a non-renderable MIME part of a message.
type Attachment struct {
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
	IsInline  bool   `json:"is_inline"`
	ContentID string `json:"content_id,omitempty"`
}
