package telegram

import (
	"testing"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/mucbridge/internal/channels"
)

func TestFormatMessageEntities(t *testing.T) {
	text, entities := formatMessage("Zoë 🦊", "hi", nil, telegramMaxMessageLen)
	if text != "Zoë 🦊: hi" {
		t.Fatalf("text = %q", text)
	}
	if len(entities) != 1 {
		t.Fatalf("entities = %+v, want one bold", entities)
	}
	// The fox emoji is a surrogate pair, so the name is 6 UTF-16 units long.
	if e := entities[0]; e.Type != telego.EntityTypeBold || e.Offset != 0 || e.Length != 6 {
		t.Errorf("bold entity = %+v, want offset 0 length 6", e)
	}
}

func TestFormatMessageQuote(t *testing.T) {
	text, entities := formatMessage("Bob", "sure", &channels.Quote{Author: "Alice", Text: "lunch?"}, 0)
	if text != "Alice: lunch?\nBob: sure" {
		t.Fatalf("text = %q", text)
	}
	want := []telego.MessageEntity{
		{Type: telego.EntityTypeBlockquote, Offset: 0, Length: 13},
		{Type: telego.EntityTypeBold, Offset: 14, Length: 3},
	}
	if len(entities) != len(want) {
		t.Fatalf("entities = %+v", entities)
	}
	for i := range want {
		if entities[i] != want[i] {
			t.Errorf("entity %d = %+v, want %+v", i, entities[i], want[i])
		}
	}
}

func TestFormatNotice(t *testing.T) {
	text, entities := formatMessage("", "Bridge established.", nil, 0)
	if text != "Bridge established." || len(entities) != 0 {
		t.Errorf("notice = %q %+v", text, entities)
	}
}

func TestTruncateUTF16(t *testing.T) {
	long := "Sender: "
	for i := 0; i < 30; i++ {
		long += "😀"
	}
	entities := []telego.MessageEntity{
		{Type: telego.EntityTypeBold, Offset: 0, Length: 6},
		{Type: telego.EntityTypeItalic, Offset: 8, Length: 60},
		{Type: telego.EntityTypeCode, Offset: 40, Length: 2},
	}
	out, kept := truncateUTF16(long, entities, 21)
	if n := utf16Len(out); n > 21 {
		t.Errorf("truncated length = %d, want <= 21", n)
	}
	if len(kept) != 2 {
		t.Fatalf("kept = %+v, want 2 entities", kept)
	}
	if end := kept[1].Offset + kept[1].Length; end > utf16Len(out) {
		t.Errorf("entity ends at %d past text length %d", end, utf16Len(out))
	}
	// A surrogate pair is never split.
	for _, r := range out {
		if r == 0xFFFD {
			t.Errorf("broken rune in %q", out)
		}
	}
}

func TestFormatSender(t *testing.T) {
	text, entities := formatSender("Alice")
	if text != "Alice" || len(entities) != 1 || entities[0].Length != 5 {
		t.Errorf("formatSender = %q %+v", text, entities)
	}
}
