// Package mail decodes MIME content into the renderable domain model:
// transfer/charset decoding of body parts, content-part selection from a
// body structure tree, and preview generation from decoded text or HTML.
package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"mime/quotedprintable"
	"strconv"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/charset"
	"github.com/jaytaylor/html2text"

	"github.com/heronmail/heron/internal/models"
)

// PartText is the pseudo part id for the body of a non-multipart message.
const PartText = "text"

// DecodePart removes the transfer encoding from a raw body part and converts
// it from the declared charset to UTF-8. Decode failures are not fatal: the
// best available rendition is returned alongside the error so callers can
// log and continue.
func DecodePart(raw []byte, encoding, charsetLabel string) (string, error) {
	data := raw

	switch strings.ToLower(encoding) {
	case "quoted-printable":
		decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return string(raw), fmt.Errorf("failed to decode quoted-printable part: %w", err)
		}
		data = decoded
	case "base64":
		decoded, err := io.ReadAll(base64.NewDecoder(base64.StdEncoding, bytes.NewReader(raw)))
		if err != nil {
			return string(raw), fmt.Errorf("failed to decode base64 part: %w", err)
		}
		data = decoded
	}

	label := strings.ToLower(strings.TrimSpace(charsetLabel))
	switch label {
	case "", "utf-8", "utf8", "us-ascii", "ascii":
		return string(data), nil
	}

	converted, err := charset.Reader(label, bytes.NewReader(data))
	if err != nil {
		return string(data), fmt.Errorf("unsupported charset %q: %w", charsetLabel, err)
	}
	out, err := io.ReadAll(converted)
	if err != nil {
		return string(data), fmt.Errorf("failed to convert part from %q: %w", charsetLabel, err)
	}
	return string(out), nil
}

// FindContentParts flattens the renderable leaves out of a body structure
// tree. Multipart nodes are flattened by concatenating all leaf parts in
// tree order rather than picking one "best" alternative: RFC 1341 7.2.3 has
// senders order multipart/alternative bodies worst-first, so consumers pick
// the last part they can display. Leaves that are neither text/plain nor
// text/html are dropped. Returns nil for an unparseable tree.
func FindContentParts(structure *imap.BodyStructure) []models.ContentPart {
	return findContentParts(structure, nil)
}

func findContentParts(structure *imap.BodyStructure, path []int) []models.ContentPart {
	if structure == nil {
		return nil
	}

	mimeType := strings.ToLower(structure.MIMEType + "/" + structure.MIMESubType)
	switch mimeType {
	case "multipart/mixed", "multipart/alternative", "multipart/related":
		var parts []models.ContentPart
		for i, child := range structure.Parts {
			childPath := append(append([]int(nil), path...), i+1)
			parts = append(parts, findContentParts(child, childPath)...)
		}
		return parts

	case "text/plain", "text/html":
		encoding := strings.ToLower(structure.Encoding)
		if encoding == "" {
			encoding = "7bit"
		}
		return []models.ContentPart{{
			Part:     partID(path),
			Type:     mimeType,
			Encoding: encoding,
			Charset:  charsetParam(structure.Params),
		}}
	}

	// Unparseable leaf (images, attachments, nested message/rfc822, ...).
	return nil
}

// partID renders a structural path as an IMAP section id.
func partID(path []int) string {
	if len(path) == 0 {
		return PartText
	}
	segments := make([]string, len(path))
	for i, n := range path {
		segments[i] = strconv.Itoa(n)
	}
	return strings.Join(segments, ".")
}

func charsetParam(params map[string]string) string {
	for key, value := range params {
		if strings.EqualFold(key, "charset") {
			return strings.ToLower(value)
		}
	}
	return "ascii"
}

// DecodeMessageBody assembles the renderable body from a body structure and
// the fetched body-part map. The last HTML and last plain part win (last is
// richest, per the ordering rule in FindContentParts). When an HTML part
// exists, a plain-text rendition is derived from it; when no native plain
// part exists, Text falls back to that rendition. Returns nil when either
// the structure or the part map is missing.
func DecodeMessageBody(structure *imap.BodyStructure, parts map[string][]byte) *models.MessageBody {
	if structure == nil || parts == nil {
		return nil
	}

	contentParts := FindContentParts(structure)

	var htmlPart, textPart *models.ContentPart
	for i := range contentParts {
		switch contentParts[i].Type {
		case "text/html":
			htmlPart = &contentParts[i]
		case "text/plain":
			textPart = &contentParts[i]
		}
	}

	body := &models.MessageBody{}

	if htmlPart != nil {
		if raw, ok := parts[htmlPart.Part]; ok {
			decoded, err := DecodePart(raw, htmlPart.Encoding, htmlPart.Charset)
			if err != nil {
				log.Printf("mail: html part %s: %v", htmlPart.Part, err)
			}
			body.HTML = &decoded

			if autotext, err := html2text.FromString(decoded, html2text.Options{OmitLinks: true}); err == nil {
				body.Autotext = &autotext
			} else {
				log.Printf("mail: failed to derive text from html part %s: %v", htmlPart.Part, err)
			}
		}
	}

	if textPart != nil {
		if raw, ok := parts[textPart.Part]; ok {
			decoded, err := DecodePart(raw, textPart.Encoding, textPart.Charset)
			if err != nil {
				log.Printf("mail: text part %s: %v", textPart.Part, err)
			}
			body.Text = &decoded
		}
	}
	if body.Text == nil && body.Autotext != nil {
		fallback := *body.Autotext
		body.Text = &fallback
	}

	return body
}
