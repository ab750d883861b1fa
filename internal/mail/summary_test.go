package mail

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heronmail/heron/internal/models"
)

func TestSummarizeText(t *testing.T) {
	t.Run("collapses whitespace", func(t *testing.T) {
		assert.Equal(t, "one two three",
			SummarizeText("one\t two\n\n  three"))
	})

	t.Run("strips quoted reply lines", func(t *testing.T) {
		text := "See you tomorrow\n> On Monday Alice wrote:\n> the original text"
		assert.Equal(t, "See you tomorrow", SummarizeText(text))
	})

	t.Run("strips separator lines", func(t *testing.T) {
		text := "Above the fold\n----------------------\nBelow the fold"
		assert.Equal(t, "Above the fold Below the fold", SummarizeText(text))
	})

	t.Run("strips zero-width non-joiners", func(t *testing.T) {
		assert.Equal(t, "sale today", SummarizeText("sale‌‌ today"))
	})

	t.Run("truncates on a word boundary", func(t *testing.T) {
		long := strings.Repeat("wordy ", 60)
		summary := SummarizeText(long)

		assert.True(t, strings.HasSuffix(summary, "…"))
		assert.LessOrEqual(t, utf8.RuneCountInString(summary), summaryLength+1)
		assert.False(t, strings.HasSuffix(strings.TrimSuffix(summary, "…"), " "))
	})

	t.Run("short text passes through untouched", func(t *testing.T) {
		assert.Equal(t, "just a short note", SummarizeText("just a short note"))
	})
}

func TestSummarizeHTML(t *testing.T) {
	t.Run("strips markup", func(t *testing.T) {
		summary := SummarizeHTML("<p>Hello <b>Bob</b></p><p>See you soon</p>")
		assert.Contains(t, summary, "Hello Bob")
		assert.Contains(t, summary, "See you soon")
		assert.NotContains(t, summary, "<")
	})

	t.Run("separates adjacent table cells", func(t *testing.T) {
		summary := SummarizeHTML("<table><tr><td>Order</td><td>shipped</td></tr></table>")
		assert.Contains(t, summary, "Order shipped")
	})
}

func TestSummarizeBodyPart(t *testing.T) {
	t.Run("plain part", func(t *testing.T) {
		parts := map[string][]byte{"1": []byte("Hello there\n> quoted line")}
		summary, ok := SummarizeBodyPart(parts, models.ContentPart{
			Part: "1", Type: "text/plain", Encoding: "7bit", Charset: "utf-8",
		})
		require.True(t, ok)
		assert.Equal(t, "Hello there", summary)
	})

	t.Run("html part", func(t *testing.T) {
		parts := map[string][]byte{"2": []byte("PGI+Ym9sZCBuZXdzPC9iPg==")}
		summary, ok := SummarizeBodyPart(parts, models.ContentPart{
			Part: "2", Type: "text/html", Encoding: "base64", Charset: "utf-8",
		})
		require.True(t, ok)
		assert.Contains(t, summary, "bold news")
	})

	t.Run("missing part", func(t *testing.T) {
		_, ok := SummarizeBodyPart(map[string][]byte{}, models.ContentPart{Part: "1"})
		assert.False(t, ok)
	})
}
