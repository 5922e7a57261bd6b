package telegram

import (
	"strings"
	"unicode/utf16"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mucbridge/internal/channels"
)

// richText accumulates plain text with entities. Telegram measures entity
// offsets in UTF-16 code units.
type richText struct {
	b        strings.Builder
	n        int
	entities []telego.MessageEntity
}

func (r *richText) write(s string) {
	r.b.WriteString(s)
	r.n += utf16Len(s)
}

func (r *richText) writeEntity(kind, s string) {
	if s == "" {
		return
	}
	r.entities = append(r.entities, telego.MessageEntity{Type: kind, Offset: r.n, Length: utf16Len(s)})
	r.write(s)
}

// formatMessage renders a bridged message: an optional quote block, the
// sender name in bold, then the text.
func formatMessage(sender, text string, q *channels.Quote, limit int) (string, []telego.MessageEntity) {
	var r richText
	if q != nil && q.Text != "" {
		quote := q.Text
		if q.Author != "" {
			quote = q.Author + ": " + quote
		}
		r.writeEntity(telego.EntityTypeBlockquote, quote)
		r.write("\n")
	}
	if sender != "" {
		r.writeEntity(telego.EntityTypeBold, sender)
		r.write(": ")
	}
	r.write(text)
	return truncateUTF16(r.b.String(), r.entities, limit)
}

// formatSender renders a bare bold sender name, used as the caption of
// attachments sent without text.
func formatSender(sender string) (string, []telego.MessageEntity) {
	var r richText
	r.writeEntity(telego.EntityTypeBold, sender)
	return r.b.String(), r.entities
}

// truncateUTF16 cuts s to at most limit UTF-16 units, clipping entities
// that would extend past the end.
func truncateUTF16(s string, entities []telego.MessageEntity, limit int) (string, []telego.MessageEntity) {
	if limit <= 0 || utf16Len(s) <= limit {
		return s, entities
	}
	const ellipsis = "…"
	budget := limit - utf16Len(ellipsis)

	var b strings.Builder
	n := 0
	for _, r := range s {
		w := utf16.RuneLen(r)
		if n+w > budget {
			break
		}
		b.WriteRune(r)
		n += w
	}
	b.WriteString(ellipsis)

	kept := entities[:0:0]
	for _, e := range entities {
		if e.Offset >= n {
			continue
		}
		if e.Offset+e.Length > n {
			e.Length = n - e.Offset
		}
		kept = append(kept, e)
	}
	return b.String(), kept
}

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}
