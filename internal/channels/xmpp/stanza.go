package xmpp

import (
	"bytes"
	"encoding/xml"
)

const (
	nsClient     = "jabber:client"
	nsCorrection = "urn:xmpp:message-correct:0"
	nsReply      = "urn:xmpp:reply:0"
	nsOOB        = "jabber:x:oob"
	nsOriginID   = "urn:xmpp:sid:0"
	nsConference = "jabber:x:conference"
	nsMUCUser    = "http://jabber.org/protocol/muc#user"
	nsHints      = "urn:xmpp:hints"
)

// outMessage describes a groupchat message stanza.
type outMessage struct {
	To   string
	ID   string
	Body string
	// Replace is the id of the message being corrected (XEP-0308).
	Replace string
	// ReplyTo/ReplyID reference the message being answered (XEP-0461).
	ReplyTo string
	ReplyID string
	// OOB is an attachment URL (XEP-0066).
	OOB string
}

func (m outMessage) String() string {
	var b bytes.Buffer
	b.WriteString(`<message xmlns='` + nsClient + `' type='groupchat' to='`)
	writeAttr(&b, m.To)
	b.WriteString(`' id='`)
	writeAttr(&b, m.ID)
	b.WriteString(`'><body>`)
	xml.EscapeText(&b, []byte(m.Body))
	b.WriteString(`</body>`)

	if m.Replace != "" {
		b.WriteString(`<replace xmlns='` + nsCorrection + `' id='`)
		writeAttr(&b, m.Replace)
		b.WriteString(`'/>`)
	}
	if m.ReplyID != "" {
		b.WriteString(`<reply xmlns='` + nsReply + `' to='`)
		writeAttr(&b, m.ReplyTo)
		b.WriteString(`' id='`)
		writeAttr(&b, m.ReplyID)
		b.WriteString(`'/>`)
	}
	if m.OOB != "" {
		b.WriteString(`<x xmlns='` + nsOOB + `'><url>`)
		xml.EscapeText(&b, []byte(m.OOB))
		b.WriteString(`</url></x>`)
	}
	b.WriteString(`<origin-id xmlns='` + nsOriginID + `' id='`)
	writeAttr(&b, m.ID)
	b.WriteString(`'/></message>`)
	return b.String()
}

// declineStanza declines a mediated invitation (XEP-0045 §7.8.2).
func declineStanza(room, inviter, reason string) string {
	var b bytes.Buffer
	b.WriteString(`<message xmlns='` + nsClient + `' to='`)
	writeAttr(&b, room)
	b.WriteString(`'><x xmlns='` + nsMUCUser + `'><decline`)
	if inviter != "" {
		b.WriteString(` to='`)
		writeAttr(&b, inviter)
		b.WriteString(`'`)
	}
	b.WriteString(`>`)
	if reason != "" {
		b.WriteString(`<reason>`)
		xml.EscapeText(&b, []byte(reason))
		b.WriteString(`</reason>`)
	}
	b.WriteString(`</decline></x></message>`)
	return b.String()
}

// writeAttr escapes s for use inside a single quoted attribute.
// EscapeText covers both quote characters.
func writeAttr(b *bytes.Buffer, s string) {
	xml.EscapeText(b, []byte(s))
}
