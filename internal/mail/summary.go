package mail

// Preview generation. IMAP has no native message preview, so a summary is
// built client-side: fetch BODYSTRUCTURE, pick the richest renderable part,
// fetch only that part's bytes and condense them. Only the first 2 kB of
// decoded text are considered so preview cost stays bounded regardless of
// body size.

import (
	"log"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/jaytaylor/html2text"

	"github.com/heronmail/heron/internal/models"
)

const (
	// summaryLength is the maximum preview length in runes, before the
	// ellipsis marker.
	summaryLength = 128
	// summaryWindow is how much of the body is considered for the preview.
	summaryWindow = 2 * 1024
)

var whitespaceRun = regexp.MustCompile(`\s+`)

// SummarizeText condenses plain text into a preview: quoted reply lines and
// separator lines are stripped, whitespace runs collapse to single spaces,
// and the result is truncated to summaryLength runes on a word boundary.
func SummarizeText(text string) string {
	if utf8.RuneCountInString(text) > summaryWindow {
		runes := []rune(text)
		text = string(runes[:summaryWindow])
	}

	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.HasPrefix(line, ">") {
			// Quote from a previous message.
			continue
		}
		if isSeparatorLine(strings.TrimSpace(line)) {
			// "---------------------" and friends.
			continue
		}
		kept = append(kept, line)
	}

	summary := strings.Join(kept, " ")
	// Zero-width non-joiners show up in marketing mail and survive the
	// whitespace collapse below.
	summary = strings.ReplaceAll(summary, "\u200c", "")
	summary = strings.TrimSpace(whitespaceRun.ReplaceAllString(summary, " "))

	if utf8.RuneCountInString(summary) < summaryLength {
		return summary
	}

	short := string([]rune(summary)[:summaryLength])
	if lastSpace := strings.LastIndex(short, " "); lastSpace > 0 {
		short = short[:lastSpace]
	}
	return short + "…"
}

// isSeparatorLine reports whether line is a single repeated character.
func isSeparatorLine(line string) bool {
	runes := []rune(line)
	if len(runes) < 2 {
		return false
	}
	for _, r := range runes[1:] {
		if r != runes[0] {
			return false
		}
	}
	return true
}

// SummarizeHTML strips markup and condenses the remaining text. A space is
// injected after closing table cells so adjacent cell contents don't run
// together in the preview.
func SummarizeHTML(html string) string {
	helped := strings.ReplaceAll(html, "</td>", " </td>")

	stripped, err := html2text.FromString(helped, html2text.Options{
		OmitLinks: true,
		TextOnly:  true,
	})
	if err != nil {
		log.Printf("mail: failed to strip html for preview: %v", err)
		stripped = helped
	}
	return SummarizeText(stripped)
}

// SummarizeBodyPart decodes one fetched body part and produces its preview.
// The boolean is false when the requested part is absent from the fetched
// part map.
func SummarizeBodyPart(parts map[string][]byte, part models.ContentPart) (string, bool) {
	raw, ok := parts[part.Part]
	if !ok {
		return "", false
	}

	decoded, err := DecodePart(raw, part.Encoding, part.Charset)
	if err != nil {
		log.Printf("mail: part %s: %v", part.Part, err)
	}

	if part.Type == "text/plain" {
		return SummarizeText(decoded), true
	}
	return SummarizeHTML(decoded), true
}
