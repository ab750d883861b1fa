package mail

import (
	"strings"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textPart(subType, encoding, charsetLabel string) *imap.BodyStructure {
	return &imap.BodyStructure{
		MIMEType:    "text",
		MIMESubType: subType,
		Encoding:    encoding,
		Params:      map[string]string{"charset": charsetLabel},
	}
}

func multipart(subType string, parts ...*imap.BodyStructure) *imap.BodyStructure {
	return &imap.BodyStructure{
		MIMEType:    "multipart",
		MIMESubType: subType,
		Parts:       parts,
	}
}

func TestDecodePart(t *testing.T) {
	t.Run("quoted-printable", func(t *testing.T) {
		decoded, err := DecodePart([]byte("caf=C3=A9 time"), "quoted-printable", "utf-8")
		require.NoError(t, err)
		assert.Equal(t, "café time", decoded)
	})

	t.Run("base64", func(t *testing.T) {
		decoded, err := DecodePart([]byte("aGVsbG8gd29ybGQ="), "base64", "utf-8")
		require.NoError(t, err)
		assert.Equal(t, "hello world", decoded)
	})

	t.Run("7bit passes through", func(t *testing.T) {
		decoded, err := DecodePart([]byte("plain ascii"), "7bit", "us-ascii")
		require.NoError(t, err)
		assert.Equal(t, "plain ascii", decoded)
	})

	t.Run("latin-1 converts to utf-8", func(t *testing.T) {
		decoded, err := DecodePart([]byte{'c', 'a', 'f', 0xe9}, "8bit", "iso-8859-1")
		require.NoError(t, err)
		assert.Equal(t, "café", decoded)
	})

	t.Run("unknown charset returns raw text with error", func(t *testing.T) {
		decoded, err := DecodePart([]byte("still readable"), "7bit", "x-no-such-charset")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported charset")
		assert.Equal(t, "still readable", decoded)
	})
}

func TestFindContentParts(t *testing.T) {
	t.Run("non-multipart message", func(t *testing.T) {
		parts := FindContentParts(textPart("plain", "quoted-printable", "UTF-8"))
		require.Len(t, parts, 1)
		assert.Equal(t, PartText, parts[0].Part)
		assert.Equal(t, "text/plain", parts[0].Type)
		assert.Equal(t, "quoted-printable", parts[0].Encoding)
		assert.Equal(t, "utf-8", parts[0].Charset)
	})

	t.Run("multipart alternative keeps sender order", func(t *testing.T) {
		parts := FindContentParts(multipart("alternative",
			textPart("plain", "7bit", "utf-8"),
			textPart("html", "base64", "utf-8"),
		))
		require.Len(t, parts, 2)
		assert.Equal(t, "1", parts[0].Part)
		assert.Equal(t, "text/plain", parts[0].Type)
		assert.Equal(t, "2", parts[1].Part)
		assert.Equal(t, "text/html", parts[1].Type)
	})

	t.Run("nested multipart gets dotted paths", func(t *testing.T) {
		parts := FindContentParts(multipart("mixed",
			multipart("alternative",
				textPart("plain", "7bit", "utf-8"),
				textPart("html", "7bit", "utf-8"),
			),
			&imap.BodyStructure{MIMEType: "image", MIMESubType: "png"},
		))
		require.Len(t, parts, 2)
		assert.Equal(t, "1.1", parts[0].Part)
		assert.Equal(t, "1.2", parts[1].Part)
	})

	t.Run("non-renderable leaf yields nothing", func(t *testing.T) {
		assert.Nil(t, FindContentParts(&imap.BodyStructure{
			MIMEType:    "application",
			MIMESubType: "pdf",
		}))
		assert.Nil(t, FindContentParts(nil))
	})

	t.Run("missing charset defaults to ascii", func(t *testing.T) {
		parts := FindContentParts(&imap.BodyStructure{
			MIMEType:    "text",
			MIMESubType: "plain",
		})
		require.Len(t, parts, 1)
		assert.Equal(t, "ascii", parts[0].Charset)
		assert.Equal(t, "7bit", parts[0].Encoding)
	})
}

func TestDecodeMessageBody(t *testing.T) {
	t.Run("html and text parts", func(t *testing.T) {
		structure := multipart("alternative",
			textPart("plain", "7bit", "utf-8"),
			textPart("html", "7bit", "utf-8"),
		)
		parts := map[string][]byte{
			"1": []byte("native plain text"),
			"2": []byte("<p>rich <b>html</b> text</p>"),
		}

		body := DecodeMessageBody(structure, parts)
		require.NotNil(t, body)
		require.NotNil(t, body.Text)
		assert.Equal(t, "native plain text", *body.Text)
		require.NotNil(t, body.HTML)
		assert.Contains(t, *body.HTML, "<b>html</b>")
		require.NotNil(t, body.Autotext)
		assert.Contains(t, *body.Autotext, "html")
	})

	t.Run("html only falls back to derived text", func(t *testing.T) {
		structure := textPart("html", "7bit", "utf-8")
		parts := map[string][]byte{PartText: []byte("<p>only html here</p>")}

		body := DecodeMessageBody(structure, parts)
		require.NotNil(t, body)
		require.NotNil(t, body.Text)
		assert.Contains(t, *body.Text, "only html here")
	})

	t.Run("last alternative wins", func(t *testing.T) {
		structure := multipart("alternative",
			textPart("plain", "7bit", "utf-8"),
			textPart("plain", "7bit", "utf-8"),
		)
		parts := map[string][]byte{
			"1": []byte("older rendition"),
			"2": []byte("richer rendition"),
		}

		body := DecodeMessageBody(structure, parts)
		require.NotNil(t, body)
		require.NotNil(t, body.Text)
		assert.Equal(t, "richer rendition", *body.Text)
	})

	t.Run("missing inputs", func(t *testing.T) {
		assert.Nil(t, DecodeMessageBody(nil, map[string][]byte{}))
		assert.Nil(t, DecodeMessageBody(textPart("plain", "7bit", "utf-8"), nil))
	})
}

func TestPartID(t *testing.T) {
	assert.Equal(t, PartText, partID(nil))
	assert.Equal(t, "2", partID([]int{2}))
	assert.Equal(t, "1.2.3", partID([]int{1, 2, 3}))
}

func TestIsSeparatorLine(t *testing.T) {
	assert.True(t, isSeparatorLine(strings.Repeat("-", 20)))
	assert.True(t, isSeparatorLine("=="))
	assert.False(t, isSeparatorLine("-"))
	assert.False(t, isSeparatorLine("-- signature"))
	assert.False(t, isSeparatorLine(""))
}
