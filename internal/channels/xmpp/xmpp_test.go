package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	goxmpp "github.com/xmppo/go-xmpp"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels"
	"github.com/nextlevelbuilder/mucbridge/internal/config"
)

const testRoom = "room@conference.example.org"

type fakeClient struct {
	mu     sync.Mutex
	sent   []string
	joins  []string
	in     chan any
	closed sync.Once
}

func newFakeClient() *fakeClient {
	return &fakeClient{in: make(chan any, 32)}
}

func (f *fakeClient) Recv() (any, error) {
	s, ok := <-f.in
	if !ok {
		return nil, io.EOF
	}
	return s, nil
}

func (f *fakeClient) SendOrg(org string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, org)
	return len(org), nil
}

func (f *fakeClient) JoinMUCNoHistory(jid, nick string) (int, error) {
	f.mu.Lock()
	f.joins = append(f.joins, jid)
	f.mu.Unlock()
	f.in <- goxmpp.Presence{From: jid + "/" + nick}
	return 0, nil
}

func (f *fakeClient) LeaveMUC(jid string) (int, error) {
	f.in <- goxmpp.Presence{From: jid, Type: "unavailable"}
	return 0, nil
}

func (f *fakeClient) Close() error {
	f.closed.Do(func() { close(f.in) })
	return nil
}

func (f *fakeClient) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func startChannel(t *testing.T) (*Channel, *fakeClient, *bus.MessageBus) {
	t.Helper()
	mb := bus.New(16)
	fc := newFakeClient()
	c := New(config.XMPPConfig{JID: "bridge@example.org", Nick: "Telegram Bridge"}, mb)
	c.dial = func(context.Context) (client, error) { return fc, nil }
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Stop() })
	return c, fc, mb
}

func nextEvent(t *testing.T, mb *bus.MessageBus) bus.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, ok := mb.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no event published")
	}
	return ev
}

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"Room@Conference.Example.org", "room@conference.example.org", true},
		{"  room@muc.example.net ", "room@muc.example.net", true},
		{"", "", false},
		{"conference.example.org", "", false},
		{"room@conference.example.org/nick", "", false},
		{"room@localhost", "", false},
		{"@conference.example.org", "", false},
	}
	for _, tt := range tests {
		got, err := ValidateAddress(tt.in)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Errorf("ValidateAddress(%q) = %q, %v, want %q", tt.in, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, channels.ErrInvalidAddress) {
			t.Errorf("ValidateAddress(%q) err = %v, want ErrInvalidAddress", tt.in, err)
		}
	}
}

func TestOutMessageStanza(t *testing.T) {
	raw := outMessage{
		To:      testRoom,
		ID:      "abc",
		Body:    "a < b & 'c'",
		Replace: "old-1",
		ReplyTo: testRoom,
		ReplyID: "orig-9",
		OOB:     "https://media.example/x.png",
	}.String()

	var parsed struct {
		XMLName xml.Name `xml:"message"`
		Type    string   `xml:"type,attr"`
		To      string   `xml:"to,attr"`
		Body    string   `xml:"body"`
		Replace struct {
			ID string `xml:"id,attr"`
		} `xml:"urn:xmpp:message-correct:0 replace"`
		Reply struct {
			ID string `xml:"id,attr"`
		} `xml:"urn:xmpp:reply:0 reply"`
		OOB struct {
			URL string `xml:"url"`
		} `xml:"jabber:x:oob x"`
	}
	if err := xml.Unmarshal([]byte(raw), &parsed); err != nil {
		t.Fatalf("stanza is not well formed: %v\n%s", err, raw)
	}
	if parsed.Type != "groupchat" || parsed.To != testRoom {
		t.Errorf("type/to = %q/%q", parsed.Type, parsed.To)
	}
	if parsed.Body != "a < b & 'c'" {
		t.Errorf("body = %q", parsed.Body)
	}
	if parsed.Replace.ID != "old-1" || parsed.Reply.ID != "orig-9" {
		t.Errorf("replace/reply = %q/%q", parsed.Replace.ID, parsed.Reply.ID)
	}
	if parsed.OOB.URL != "https://media.example/x.png" {
		t.Errorf("oob url = %q", parsed.OOB.URL)
	}
}

func TestDeclineStanza(t *testing.T) {
	raw := declineStanza(testRoom, "alice@example.org", "wrong secret")
	if !strings.Contains(raw, "<decline to='alice@example.org'>") || !strings.Contains(raw, "<reason>wrong secret</reason>") {
		t.Errorf("decline = %s", raw)
	}
}

func TestSplitQuote(t *testing.T) {
	tests := []struct {
		in          string
		wantExcerpt string
		wantBody    string
	}{
		{"hello", "", "hello"},
		{"> alice: hi there\nthanks", "alice: hi there", "thanks"},
		{"> line one\n> line two\nreply", "line one\nline two", "reply"},
		{"> > nested\n> outer\nbody", "outer", "body"},
		{">_< oops", "", ">_< oops"},
	}
	for _, tt := range tests {
		excerpt, body := splitQuote(tt.in)
		if excerpt != tt.wantExcerpt || body != tt.wantBody {
			t.Errorf("splitQuote(%q) = %q, %q, want %q, %q", tt.in, excerpt, body, tt.wantExcerpt, tt.wantBody)
		}
	}
}

func TestRenderBody(t *testing.T) {
	got := renderBody("Bob", "sure", &channels.Quote{Author: "Alice", Text: "lunch?\nat noon"})
	want := "> Alice: lunch?\n> at noon\nBob: sure"
	if got != want {
		t.Errorf("renderBody = %q, want %q", got, want)
	}
	if got := renderBody("", "notice", nil); got != "notice" {
		t.Errorf("renderBody(notice) = %q", got)
	}
}

func TestParseInvite(t *testing.T) {
	direct := goxmpp.Chat{
		Remote: "alice@example.org/phone",
		OtherElem: []goxmpp.XMLElement{{
			XMLName: xml.Name{Space: nsConference, Local: "x"},
			Attr: []xml.Attr{
				{Name: xml.Name{Local: "jid"}, Value: "Room@Conference.Example.org"},
				{Name: xml.Name{Local: "reason"}, Value: "s3cret"},
			},
		}},
	}
	inv := parseInvite(direct)
	if inv == nil || inv.Room != testRoom || inv.Reason != "s3cret" || inv.Mediated {
		t.Errorf("direct invite = %+v", inv)
	}

	mediated := goxmpp.Chat{
		Remote: testRoom,
		OtherElem: []goxmpp.XMLElement{{
			XMLName:  xml.Name{Space: nsMUCUser, Local: "x"},
			InnerXML: "<invite from='alice@example.org/phone'><reason> s3cret </reason></invite><password>pw</password>",
		}},
	}
	inv = parseInvite(mediated)
	if inv == nil || inv.Room != testRoom || inv.Reason != "s3cret" || inv.Password != "pw" || !inv.Mediated {
		t.Errorf("mediated invite = %+v", inv)
	}

	if inv := parseInvite(goxmpp.Chat{Remote: "alice@example.org", Text: "hi"}); inv != nil {
		t.Errorf("plain message parsed as invite: %+v", inv)
	}
}

func TestMediaFromURL(t *testing.T) {
	tests := []struct {
		url  string
		kind bus.MediaKind
		name string
	}{
		{"https://up.example/a/cat.JPG", bus.MediaPhoto, "cat.JPG"},
		{"https://up.example/a/clip.mp4?x=1", bus.MediaVideo, "clip.mp4"},
		{"https://up.example/a/note.ogg", bus.MediaVoice, "note.ogg"},
		{"https://up.example/a/report.pdf", bus.MediaDocument, "report.pdf"},
	}
	for _, tt := range tests {
		m := mediaFromURL(tt.url)
		if m.Kind != tt.kind || m.Name != tt.name || m.URL != tt.url {
			t.Errorf("mediaFromURL(%q) = %+v", tt.url, m)
		}
	}
}

func TestPresenceTracking(t *testing.T) {
	mb := bus.New(16)
	c := New(config.XMPPConfig{Nick: "bridge"}, mb)
	c.rooms[testRoom] = &room{wanted: true}

	// Initial roster arrives before our own presence.
	c.handlePresence(goxmpp.Presence{From: testRoom + "/alice"})
	c.handlePresence(goxmpp.Presence{From: testRoom + "/bridge"})
	if mb.Pending() != 0 {
		t.Fatalf("roster produced %d events, want 0", mb.Pending())
	}
	if got := c.occupantCount(testRoom); got != 1 {
		t.Errorf("occupants = %d, want 1", got)
	}

	c.handlePresence(goxmpp.Presence{From: testRoom + "/bob"})
	ev := nextEvent(t, mb)
	if ev.Kind != bus.KindMembership || ev.Membership.Action != bus.MemberJoined || ev.Membership.Nick != "bob" {
		t.Errorf("join event = %+v", ev)
	}

	// Presence updates of known occupants are not joins.
	c.handlePresence(goxmpp.Presence{From: testRoom + "/bob", Show: "away"})
	if mb.Pending() != 0 {
		t.Errorf("status change produced an event")
	}

	c.handlePresence(goxmpp.Presence{From: testRoom + "/alice", Type: "unavailable"})
	ev = nextEvent(t, mb)
	if ev.Membership == nil || ev.Membership.Action != bus.MemberLeft || ev.Membership.Nick != "alice" {
		t.Errorf("leave event = %+v", ev)
	}

	c.handlePresence(goxmpp.Presence{From: testRoom + "/bridge", Type: "unavailable", Status: "kicked"})
	ev = nextEvent(t, mb)
	if ev.Kind != bus.KindRemoved || ev.RoomID != testRoom || ev.Membership.Reason != "kicked" {
		t.Errorf("removed event = %+v", ev)
	}

	// A second removal for a forgotten room is a no-op.
	c.handlePresence(goxmpp.Presence{From: testRoom + "/bridge", Type: "unavailable"})
	if mb.Pending() != 0 {
		t.Errorf("second removal produced an event")
	}
}

func TestJoinSendAndLeave(t *testing.T) {
	c, fc, mb := startChannel(t)
	ctx := context.Background()

	if err := c.JoinRoom(ctx, testRoom); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}

	id, err := c.SendText(ctx, channels.OutboundMessage{RoomID: testRoom, Sender: "Alice", Text: "hi", ReplyTo: "x-1"})
	if err != nil || id == "" {
		t.Fatalf("SendText = %q, %v", id, err)
	}
	sent := fc.lastSent()
	if !strings.Contains(sent, "<body>Alice: hi</body>") || !strings.Contains(sent, "id='x-1'") {
		t.Errorf("sent = %s", sent)
	}

	if err := c.EditMessage(ctx, id, channels.OutboundMessage{RoomID: testRoom, Sender: "Alice", Text: "hello"}); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(fc.lastSent(), "<replace xmlns='urn:xmpp:message-correct:0' id='"+id+"'/>") {
		t.Errorf("edit = %s", fc.lastSent())
	}

	if _, err := c.SendMedia(ctx, channels.OutboundMedia{RoomID: testRoom}); !errors.Is(err, channels.ErrUnsupportedContent) {
		t.Errorf("SendMedia without URL err = %v", err)
	}

	// Own echo is ignored, other occupants are published.
	fc.in <- goxmpp.Chat{Type: "groupchat", Remote: testRoom + "/Telegram Bridge", ID: "e1", Text: "Alice: hi"}
	fc.in <- goxmpp.Chat{Type: "groupchat", Remote: testRoom + "/carol", ID: "m1", Text: "> Alice: hi\nhey"}
	ev := nextEvent(t, mb)
	if ev.Kind != bus.KindMessage || ev.MessageID != "m1" || ev.Text != "hey" {
		t.Fatalf("message event = %+v", ev)
	}
	if ev.Reply == nil || ev.Reply.Excerpt != "Alice: hi" {
		t.Errorf("reply = %+v", ev.Reply)
	}

	fc.in <- goxmpp.Chat{Type: "groupchat", Remote: testRoom + "/carol", ID: "m2", ReplaceID: "m1", Text: "hey!"}
	ev = nextEvent(t, mb)
	if ev.Kind != bus.KindEdit || ev.MessageID != "m1" || ev.Text != "hey!" {
		t.Errorf("edit event = %+v", ev)
	}

	if err := c.LeaveRoom(ctx, testRoom); err != nil {
		t.Fatal(err)
	}
	// The self-presence that follows our own leave is not a removal.
	time.Sleep(50 * time.Millisecond)
	if mb.Pending() != 0 {
		ev := nextEvent(t, mb)
		t.Errorf("leave produced event %+v", ev)
	}
}

func TestJoinRejected(t *testing.T) {
	mb := bus.New(4)
	fc := &rejectingClient{fakeClient: newFakeClient()}
	c := New(config.XMPPConfig{Nick: "bridge"}, mb)
	c.dial = func(context.Context) (client, error) { return fc, nil }
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Stop()

	err := c.JoinRoom(context.Background(), testRoom)
	if !errors.Is(err, errJoinRejected) {
		t.Errorf("JoinRoom err = %v, want errJoinRejected", err)
	}
}

type rejectingClient struct{ *fakeClient }

func (r *rejectingClient) JoinMUCNoHistory(jid, nick string) (int, error) {
	r.in <- goxmpp.Presence{From: jid + "/" + nick, Type: "error", Status: "members only"}
	return 0, nil
}

func TestNotRunning(t *testing.T) {
	c := New(config.XMPPConfig{}, bus.New(1))
	if _, err := c.SendText(context.Background(), channels.OutboundMessage{RoomID: testRoom, Text: "x"}); !errors.Is(err, channels.ErrNotRunning) {
		t.Errorf("SendText before Start err = %v", err)
	}
}
