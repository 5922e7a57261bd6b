package xmpp

import (
	"encoding/xml"
	"net/url"
	"path"
	"strings"

	goxmpp "github.com/xmppo/go-xmpp"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
)

type mucUserX struct {
	Invite *struct {
		From   string `xml:"from,attr"`
		Reason string `xml:"reason"`
	} `xml:"invite"`
	Password string `xml:"password"`
}

// parseInvite extracts a direct (XEP-0249) or mediated (XEP-0045) invitation.
func parseInvite(m goxmpp.Chat) *bus.Invite {
	for _, el := range m.OtherElem {
		switch {
		case el.XMLName.Space == nsConference && el.XMLName.Local == "x":
			inv := &bus.Invite{From: m.Remote}
			for _, a := range el.Attr {
				switch a.Name.Local {
				case "jid":
					inv.Room = a.Value
				case "reason":
					inv.Reason = a.Value
				case "password":
					inv.Password = a.Value
				}
			}
			if inv.Room == "" {
				return nil
			}
			inv.Room, _ = splitJID(inv.Room)
			return inv

		case el.XMLName.Space == nsMUCUser && el.XMLName.Local == "x":
			var x mucUserX
			if err := xml.Unmarshal([]byte("<x>"+el.InnerXML+"</x>"), &x); err != nil || x.Invite == nil {
				continue
			}
			room, _ := splitJID(m.Remote)
			return &bus.Invite{
				Room:     room,
				From:     x.Invite.From,
				Reason:   strings.TrimSpace(x.Invite.Reason),
				Password: x.Password,
				Mediated: true,
			}
		}
	}
	return nil
}

// parseReplyID returns the referenced message id of an XEP-0461 reply.
func parseReplyID(m goxmpp.Chat) string {
	for _, el := range m.OtherElem {
		if el.XMLName.Space != nsReply || el.XMLName.Local != "reply" {
			continue
		}
		for _, a := range el.Attr {
			if a.Name.Local == "id" {
				return a.Value
			}
		}
	}
	return ""
}

// splitQuote separates "> " quoted lines, the usual client reply fallback,
// from the rest of the body. Nested quotes are dropped.
func splitQuote(text string) (excerpt, body string) {
	var quoted, rest []string
	for _, line := range strings.Split(text, "\n") {
		if !strings.HasPrefix(line, "> ") && line != ">" {
			rest = append(rest, line)
			continue
		}
		q := strings.TrimPrefix(strings.TrimPrefix(line, ">"), " ")
		if strings.HasPrefix(q, ">") {
			continue
		}
		quoted = append(quoted, strings.TrimSpace(q))
	}
	return strings.TrimSpace(strings.Join(quoted, "\n")), strings.TrimSpace(strings.Join(rest, "\n"))
}

// renderQuote formats q as "> " prefixed lines.
func renderQuote(author, text string) string {
	if author != "" {
		text = author + ": " + text
	}
	return "> " + strings.ReplaceAll(text, "\n", "\n> ")
}

// mediaFromURL describes an out-of-band attachment by its URL.
func mediaFromURL(raw string) bus.Media {
	m := bus.Media{URL: raw, Kind: bus.MediaDocument, Name: "file"}
	u, err := url.Parse(raw)
	if err != nil {
		return m
	}
	if base := path.Base(u.Path); base != "." && base != "/" {
		m.Name = base
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		m.Kind = bus.MediaPhoto
	case ".gif":
		m.Kind = bus.MediaAnimation
	case ".mp4", ".webm", ".mov":
		m.Kind = bus.MediaVideo
	case ".mp3", ".m4a", ".flac", ".wav":
		m.Kind = bus.MediaAudio
	case ".ogg", ".opus", ".oga":
		m.Kind = bus.MediaVoice
	}
	return m
}
