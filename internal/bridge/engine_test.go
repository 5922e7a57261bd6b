package bridge

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/mucbridge/internal/bus"
	"github.com/nextlevelbuilder/mucbridge/internal/channels"
	"github.com/nextlevelbuilder/mucbridge/internal/config"
	"github.com/nextlevelbuilder/mucbridge/internal/correlation"
	"github.com/nextlevelbuilder/mucbridge/internal/pairing"
	"github.com/nextlevelbuilder/mucbridge/internal/store"
	"github.com/nextlevelbuilder/mucbridge/internal/store/sqlite"
)

const (
	testChat   = "-1001"
	testRoom   = "room@conference.example"
	testSecret = "s3cr3t"
	waitFor    = 2 * time.Second
)

// sent is one call recorded by fakeAdapter.
type sent struct {
	op     string // text, media, edit, join, leave, decline, fail, blocked
	room   string
	id     string
	msg    channels.OutboundMessage
	media  channels.OutboundMedia
	reason string
}

type fakeAdapter struct {
	network store.Network
	caps    channels.Capabilities
	out     chan sent

	mu       sync.Mutex
	seq      int
	textErrs []error
	// failRooms makes every SendText into a room fail with its error.
	failRooms map[string]error
	// block holds SendText until closed. joinGate does the same for JoinRoom.
	block    chan struct{}
	joinGate chan struct{}
}

func newFakeAdapter(n store.Network, caps channels.Capabilities) *fakeAdapter {
	return &fakeAdapter{network: n, caps: caps, out: make(chan sent, 64)}
}

func (f *fakeAdapter) Name() string                        { return string(f.network) }
func (f *fakeAdapter) Network() store.Network              { return f.network }
func (f *fakeAdapter) Start(context.Context) error         { return nil }
func (f *fakeAdapter) Stop() error                         { return nil }
func (f *fakeAdapter) Capabilities() channels.Capabilities { return f.caps }

func (f *fakeAdapter) ValidateAddress(address string) (string, error) {
	if !strings.Contains(address, "@") {
		return "", fmt.Errorf("%w: %q", channels.ErrInvalidAddress, address)
	}
	return strings.ToLower(address), nil
}

func (f *fakeAdapter) nextID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return fmt.Sprintf("%s-%d", f.network, f.seq)
}

func (f *fakeAdapter) SendText(_ context.Context, msg channels.OutboundMessage) (string, error) {
	f.mu.Lock()
	block := f.block
	if err := f.failRooms[msg.RoomID]; err != nil {
		f.mu.Unlock()
		f.out <- sent{op: "fail", room: msg.RoomID, msg: msg}
		return "", err
	}
	if len(f.textErrs) > 0 {
		err := f.textErrs[0]
		f.textErrs = f.textErrs[1:]
		f.mu.Unlock()
		if err != nil {
			return "", err
		}
	} else {
		f.mu.Unlock()
	}
	if block != nil {
		f.out <- sent{op: "blocked", room: msg.RoomID, msg: msg}
		<-block
	}
	id := f.nextID()
	f.out <- sent{op: "text", room: msg.RoomID, id: id, msg: msg}
	return id, nil
}

func (f *fakeAdapter) SendMedia(_ context.Context, m channels.OutboundMedia) (string, error) {
	if m.Media.URL == "" {
		return "", channels.ErrUnsupportedContent
	}
	id := f.nextID()
	f.out <- sent{op: "media", room: m.RoomID, id: id, media: m}
	return id, nil
}

func (f *fakeAdapter) EditMessage(_ context.Context, id string, msg channels.OutboundMessage) error {
	f.out <- sent{op: "edit", room: msg.RoomID, id: id, msg: msg}
	return nil
}

func (f *fakeAdapter) JoinRoom(ctx context.Context, room string) error {
	f.mu.Lock()
	gate := f.joinGate
	f.mu.Unlock()
	f.out <- sent{op: "join", room: room}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeAdapter) LeaveRoom(_ context.Context, room string) error {
	f.out <- sent{op: "leave", room: room}
	return nil
}

func (f *fakeAdapter) DeclineInvite(_ context.Context, inv bus.Invite, reason string) error {
	f.out <- sent{op: "decline", room: inv.Room, reason: reason}
	return nil
}

// next returns the next recorded call, failing the test after waitFor.
func (f *fakeAdapter) next(t *testing.T) sent {
	t.Helper()
	select {
	case s := <-f.out:
		return s
	case <-time.After(waitFor):
		t.Fatalf("%s: no call within %v", f.network, waitFor)
		return sent{}
	}
}

func (f *fakeAdapter) expectNone(t *testing.T) {
	t.Helper()
	select {
	case s := <-f.out:
		t.Fatalf("%s: unexpected call %+v", f.network, s)
	default:
	}
}

type testMetrics struct {
	mu                  sync.Mutex
	deliveries          map[string]int
	bindings            int
	persistenceFailures int
}

func (m *testMetrics) EventReceived(store.Network, bus.EventKind) {}

func (m *testMetrics) Persistence(err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.persistenceFailures++
	m.mu.Unlock()
}

func (m *testMetrics) Delivery(n store.Network, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deliveries == nil {
		m.deliveries = make(map[string]int)
	}
	m.deliveries[string(n)+":"+result]++
}

func (m *testMetrics) SetBindings(n int) {
	m.mu.Lock()
	m.bindings = n
	m.mu.Unlock()
}

func (m *testMetrics) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deliveries[key]
}

type harness struct {
	engine  *Engine
	db      *sqlite.DB
	pairing *pairing.Service
	bus     *bus.MessageBus
	tg      *fakeAdapter
	xm      *fakeAdapter
	metrics *testMetrics
}

var (
	telegramCaps = channels.Capabilities{StatusMessages: true, NativeReplies: true, Edits: true, Media: true, CaptionLimit: 1024, TextLimit: 4000}
	xmppCaps     = channels.Capabilities{StatusMessages: true, NativeReplies: true, Edits: true, Media: true, TextLimit: 10000}
)

// newHarness builds an engine over a temporary SQLite database. preBind
// creates bound pairs before the engine loads its routes.
func newHarness(t *testing.T, preBind ...[2]string) *harness {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "bridge.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		db:      db,
		bus:     bus.New(0),
		tg:      newFakeAdapter(store.NetworkTelegram, telegramCaps),
		xm:      newFakeAdapter(store.NetworkXMPP, xmppCaps),
		metrics: &testMetrics{},
	}
	h.pairing = pairing.NewService(db, pairing.Config{Secret: testSecret}, h.xm.ValidateAddress)

	ctx := context.Background()
	for _, p := range preBind {
		if _, err := h.pairing.Request(ctx, p[0], p[1]); err != nil {
			t.Fatalf("request: %v", err)
		}
		if _, err := h.pairing.Confirm(ctx, p[1], testSecret, nil); err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}

	h.engine, err = New(Options{
		Config:    config.BridgeConfig{RetryDelayMs: 1},
		BridgeJID: "bridge@example.org",
		Command:   "bridge",
		Stores:    &store.Stores{Bindings: db, Correlations: db, Media: db},
		Pairing:   h.pairing,
		Index:     correlation.New(correlation.Options{Store: db}),
		Telegram:  h.tg,
		XMPP:      h.xm,
		Bus:       h.bus,
		Metrics:   h.metrics,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	for range preBind {
		if s := h.xm.next(t); s.op != "join" {
			t.Fatalf("startup call = %+v, want join", s)
		}
	}
	return h
}

func (h *harness) publish(ev bus.Event) {
	h.bus.PublishInbound(ev)
}

func tgMessage(id, text string) bus.Event {
	return bus.Event{
		ID:        testChat + ":" + id,
		Kind:      bus.KindMessage,
		Network:   store.NetworkTelegram,
		RoomID:    testChat,
		MessageID: id,
		Sender:    bus.Sender{ID: "42", DisplayName: "Alice"},
		Text:      text,
	}
}

func xmppMessage(id, text string) bus.Event {
	return bus.Event{
		ID:        id,
		Kind:      bus.KindMessage,
		Network:   store.NetworkXMPP,
		RoomID:    testRoom,
		MessageID: id,
		Sender:    bus.Sender{ID: testRoom + "/bob", DisplayName: "bob"},
		Text:      text,
	}
}

func TestPairingFlowBindsAndForwards(t *testing.T) {
	h := newHarness(t)

	h.publish(bus.Event{
		ID: "c1", Kind: bus.KindCommand, Network: store.NetworkTelegram, RoomID: testChat,
		Command: &bus.Command{Name: "bridge", Args: []string{"Room@Conference.Example"}},
	})
	s := h.tg.next(t)
	if s.op != "text" || !s.msg.Notice || !strings.Contains(s.msg.Text, testRoom+" has been queued") {
		t.Fatalf("queued notice = %+v", s)
	}

	h.publish(bus.Event{
		ID: "i1", Kind: bus.KindInvite, Network: store.NetworkXMPP, RoomID: testRoom,
		Invite: &bus.Invite{Room: testRoom, From: "owner@example.org", Reason: testSecret, Mediated: true},
	})
	if s := h.xm.next(t); s.op != "join" || s.room != testRoom {
		t.Fatalf("xmpp call = %+v, want join", s)
	}
	if s := h.tg.next(t); !strings.Contains(s.msg.Text, "Bridge established") || s.room != testChat {
		t.Errorf("telegram bound notice = %+v", s)
	}
	if s := h.xm.next(t); !strings.Contains(s.msg.Text, "Bridge established") || s.room != testRoom {
		t.Errorf("xmpp bound notice = %+v", s)
	}

	b, err := h.db.FindBinding(context.Background(), store.NetworkTelegram, testChat)
	if err != nil {
		t.Fatalf("binding not stored: %v", err)
	}
	if b.RoomAddress != testRoom {
		t.Errorf("room = %q, want %q", b.RoomAddress, testRoom)
	}

	h.publish(tgMessage("10", "hello"))
	s = h.xm.next(t)
	if s.op != "text" || s.msg.Sender != "Alice" || s.msg.Text != "hello" || s.room != testRoom {
		t.Errorf("forwarded = %+v", s)
	}
	h.metrics.mu.Lock()
	got := h.metrics.bindings
	h.metrics.mu.Unlock()
	if got != 1 {
		t.Errorf("bindings gauge = %d, want 1", got)
	}
}

func TestCommandReplies(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	tests := []struct {
		name string
		chat string
		args []string
		want string
	}{
		{"missing", "-2", nil, "Please specify"},
		{"invalid", "-2", []string{"not-a-room"}, "not a valid room address"},
		{"bound", testChat, []string{"other@conference.example"}, "already bridged with " + testRoom},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.publish(bus.Event{
				ID: fmt.Sprintf("cmd%d", i), Kind: bus.KindCommand, Network: store.NetworkTelegram, RoomID: tt.chat,
				Command: &bus.Command{Name: "bridge", Args: tt.args},
			})
			s := h.tg.next(t)
			if s.room != tt.chat || !strings.Contains(s.msg.Text, tt.want) {
				t.Errorf("reply = %q in %s, want %q", s.msg.Text, s.room, tt.want)
			}
		})
	}
}

func TestWrongSecretDeclines(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.pairing.Request(ctx, testChat, testRoom); err != nil {
		t.Fatal(err)
	}

	h.publish(bus.Event{
		ID: "i1", Kind: bus.KindInvite, Network: store.NetworkXMPP, RoomID: testRoom,
		Invite: &bus.Invite{Room: testRoom, Reason: "wrong", Mediated: true},
	})
	s := h.xm.next(t)
	if s.op != "decline" || s.room != testRoom {
		t.Fatalf("xmpp call = %+v, want decline", s)
	}
	if _, err := h.db.FindBinding(ctx, store.NetworkTelegram, testChat); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("binding created with wrong secret: %v", err)
	}
	if st, _ := h.pairing.State(ctx, testChat); st != pairing.StatePending {
		t.Errorf("state = %v, want pending", st)
	}
	h.tg.expectNone(t)
}

func TestDirectInviteWithoutPendingIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.publish(bus.Event{
		ID: "i1", Kind: bus.KindInvite, Network: store.NetworkXMPP, RoomID: testRoom,
		Invite: &bus.Invite{Room: testRoom, Reason: testSecret},
	})
	// Invites to one room are handled in order, so the decline of a later
	// mediated invite proves the direct one was processed silently.
	h.publish(bus.Event{
		ID: "i2", Kind: bus.KindInvite, Network: store.NetworkXMPP, RoomID: testRoom,
		Invite: &bus.Invite{Room: testRoom, Reason: testSecret, Mediated: true},
	})
	if s := h.xm.next(t); s.op != "decline" || !strings.Contains(s.reason, "No pairing") {
		t.Fatalf("xmpp call = %+v, want decline of the mediated invite", s)
	}
	h.xm.expectNone(t)
	h.tg.expectNone(t)
}

func TestReplyResolution(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	h.publish(tgMessage("10", "question"))
	fwd := h.xm.next(t)

	// A reply to the forwarded copy resolves to the Telegram original.
	ev := xmppMessage("x1", "answer")
	ev.Reply = &bus.ReplyRef{MessageID: fwd.id, Author: "Alice", Excerpt: "question"}
	h.publish(ev)
	s := h.tg.next(t)
	if s.msg.ReplyTo != "10" || s.msg.Quote != nil {
		t.Errorf("native reply = %+v", s.msg)
	}

	// Unknown targets fall back to a quote.
	ev = xmppMessage("x2", "me too")
	ev.Reply = &bus.ReplyRef{MessageID: "unknown", Author: "carol", Excerpt: "something\r\nold  "}
	h.publish(ev)
	s = h.tg.next(t)
	if s.msg.ReplyTo != "" {
		t.Errorf("ReplyTo = %q, want empty", s.msg.ReplyTo)
	}
	if s.msg.Quote == nil || s.msg.Quote.Author != "carol" || s.msg.Quote.Text != "something\nold" {
		t.Errorf("quote = %+v", s.msg.Quote)
	}

	// And replies to a Telegram message that came from XMPP resolve back.
	ev = tgMessage("11", "re")
	ev.Reply = &bus.ReplyRef{MessageID: s.id}
	h.publish(ev)
	if got := h.xm.next(t); got.msg.ReplyTo != "x2" {
		t.Errorf("ReplyTo = %q, want x2", got.msg.ReplyTo)
	}
}

func TestEditForwarded(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	h.publish(tgMessage("10", "helo"))
	fwd := h.xm.next(t)

	edit := tgMessage("10", "hello")
	edit.ID = testChat + ":10:1"
	edit.Kind = bus.KindEdit
	h.publish(edit)
	s := h.xm.next(t)
	if s.op != "edit" || s.id != fwd.id || s.msg.Text != "hello" {
		t.Errorf("edit = %+v, want edit of %s", s, fwd.id)
	}

	// Edits of messages never forwarded are dropped.
	edit.ID = testChat + ":99:1"
	edit.MessageID = "99"
	h.publish(edit)
	h.publish(tgMessage("12", "barrier"))
	if s := h.xm.next(t); s.op != "text" || s.msg.Text != "barrier" {
		t.Errorf("call = %+v, want barrier text", s)
	}
}

func TestMediaWithoutRelayFallsBackToText(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	ev := tgMessage("10", "look")
	ev.Media = []bus.Media{{Kind: bus.MediaPhoto, FileID: "f1"}}
	h.publish(ev)
	s := h.xm.next(t)
	if s.op != "text" || s.msg.Text != "[photo] look" {
		t.Errorf("fallback = %+v", s)
	}
}

func TestMediaWithURLCarriesCaption(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	ev := xmppMessage("x1", "cat")
	ev.Media = []bus.Media{{Kind: bus.MediaPhoto, URL: "https://files.example/cat.png"}}
	h.publish(ev)
	s := h.tg.next(t)
	if s.op != "media" || s.media.Caption != "cat" || s.media.Sender != "bob" {
		t.Errorf("media = %+v", s)
	}
	// The caption carried the text, so no separate message follows.
	h.publish(xmppMessage("x2", "barrier"))
	if s := h.tg.next(t); s.msg.Text != "barrier" {
		t.Errorf("call = %+v, want barrier", s)
	}
}

func TestRemovalUnbindsAndNotifies(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})
	ctx := context.Background()

	h.publish(tgMessage("10", "hi"))
	h.xm.next(t)

	h.publish(bus.Event{Kind: bus.KindRemoved, Network: store.NetworkXMPP, RoomID: testRoom})
	s := h.tg.next(t)
	if s.op != "text" || !strings.Contains(s.msg.Text, "automatically unbridged") || s.room != testChat {
		t.Errorf("unbind notice = %+v", s)
	}
	if s := h.tg.next(t); s.op != "leave" || s.room != testChat {
		t.Errorf("call = %+v, want leave", s)
	}
	if _, err := h.db.FindBinding(ctx, store.NetworkXMPP, testRoom); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("binding still stored: %v", err)
	}
	if n := len(h.engine.Bindings()); n != 0 {
		t.Errorf("routes = %d, want 0", n)
	}

	// A second removal and later messages are no-ops.
	h.publish(bus.Event{Kind: bus.KindRemoved, Network: store.NetworkXMPP, RoomID: testRoom})
	h.publish(tgMessage("11", "anyone?"))
	h.publish(bus.Event{ID: "c1", Kind: bus.KindCommand, Network: store.NetworkTelegram, RoomID: testChat,
		Command: &bus.Command{Name: "bridge", Args: []string{testRoom}}})
	if s := h.tg.next(t); !strings.Contains(s.msg.Text, "queued") {
		t.Errorf("call = %+v, want queued notice", s)
	}
	h.xm.expectNone(t)
}

func TestRemovalFromTelegramNotifiesRoom(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	h.publish(bus.Event{Kind: bus.KindRemoved, Network: store.NetworkTelegram, RoomID: testChat})
	s := h.xm.next(t)
	if s.room != testRoom || !strings.Contains(s.msg.Text, "removed from the Telegram chat") {
		t.Errorf("notice = %+v", s)
	}
	if s := h.xm.next(t); s.op != "leave" {
		t.Errorf("call = %+v, want leave", s)
	}
}

func TestMembershipNotice(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	h.publish(bus.Event{
		ID: "p1", Kind: bus.KindMembership, Network: store.NetworkXMPP, RoomID: testRoom,
		Membership: &bus.Membership{Action: bus.MemberLeft, Nick: "bob", Reason: "spam"},
	})
	s := h.tg.next(t)
	if !s.msg.Notice || s.msg.Text != "bob left (spam)" {
		t.Errorf("notice = %+v", s.msg)
	}
}

func TestDuplicateEventsDropped(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	h.publish(tgMessage("10", "once"))
	h.publish(tgMessage("10", "once"))
	h.publish(tgMessage("11", "twice"))
	if s := h.xm.next(t); s.msg.Text != "once" {
		t.Errorf("first = %q", s.msg.Text)
	}
	if s := h.xm.next(t); s.msg.Text != "twice" {
		t.Errorf("second = %q, want twice", s.msg.Text)
	}
}

func TestTransientSendRetried(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})
	h.xm.mu.Lock()
	h.xm.textErrs = []error{channels.Transient("send", errors.New("reset"), 0)}
	h.xm.mu.Unlock()

	h.publish(tgMessage("10", "hi"))
	if s := h.xm.next(t); s.msg.Text != "hi" {
		t.Errorf("text = %q", s.msg.Text)
	}
	if n := h.metrics.count("xmpp:" + ResultRetried); n != 1 {
		t.Errorf("retried = %d, want 1", n)
	}
}

func TestWorkerQueueFull(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	handle := func(ctx context.Context, _ store.Binding, _ bus.Event) {
		started <- struct{}{}
		<-release
	}
	w := newBindingWorker(context.Background(), store.Binding{}, 1, handle)
	defer func() {
		close(release)
		w.stop()
		w.wait()
	}()

	if err := w.enqueue(bus.Event{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := w.enqueue(bus.Event{ID: "2"}); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := w.enqueue(bus.Event{ID: "3"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("third enqueue err = %v, want ErrQueueFull", err)
	}
}

func TestWorkerPreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	w := newBindingWorker(context.Background(), store.Binding{}, 10, func(_ context.Context, _ store.Binding, ev bus.Event) {
		mu.Lock()
		got = append(got, ev.ID)
		n := len(got)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
	})
	for i := 0; i < 5; i++ {
		if err := w.enqueue(bus.Event{ID: fmt.Sprint(i)}); err != nil {
			t.Fatal(err)
		}
	}
	<-done
	w.stop()
	w.wait()
	if strings.Join(got, "") != "01234" {
		t.Errorf("order = %v", got)
	}
}

const (
	otherChat = "-2002"
	otherRoom = "other@conference.example"
)

func TestSlowJoinDoesNotStallOtherBindings(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})
	ctx := context.Background()
	const slowRoom = "slow@conference.example"
	if _, err := h.pairing.Request(ctx, otherChat, slowRoom); err != nil {
		t.Fatal(err)
	}
	gate := make(chan struct{})
	h.xm.mu.Lock()
	h.xm.joinGate = gate
	h.xm.mu.Unlock()

	h.publish(bus.Event{
		ID: "i1", Kind: bus.KindInvite, Network: store.NetworkXMPP, RoomID: slowRoom,
		Invite: &bus.Invite{Room: slowRoom, Reason: testSecret, Mediated: true},
	})
	if s := h.xm.next(t); s.op != "join" || s.room != slowRoom {
		t.Fatalf("xmpp call = %+v, want join of %s", s, slowRoom)
	}

	// The join is still pending; the established pair keeps flowing.
	h.publish(tgMessage("10", "still here"))
	if s := h.xm.next(t); s.op != "text" || s.room != testRoom || s.msg.Text != "still here" {
		t.Fatalf("forwarded = %+v", s)
	}
	h.publish(xmppMessage("x1", "and back"))
	if s := h.tg.next(t); s.op != "text" || s.room != testChat {
		t.Fatalf("forwarded = %+v", s)
	}

	close(gate)
	if s := h.tg.next(t); s.room != otherChat || !strings.Contains(s.msg.Text, "Bridge established") {
		t.Errorf("bound notice = %+v", s)
	}
	if s := h.xm.next(t); s.room != slowRoom || !strings.Contains(s.msg.Text, "Bridge established") {
		t.Errorf("bound notice = %+v", s)
	}
}

func TestFailingChatDoesNotStallOtherBindings(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom}, [2]string{otherChat, otherRoom})
	h.tg.mu.Lock()
	h.tg.failRooms = map[string]error{testChat: channels.Transient("telegram sendMessage", errors.New("bad gateway"), 0)}
	h.tg.mu.Unlock()

	// Two attempts per message; the fifth consecutive failure opens the
	// circuit for this chat only.
	for i := 0; i < 3; i++ {
		h.publish(xmppMessage(fmt.Sprintf("x%d", i), "lost"))
	}
	for i := 0; i < breakerTrips; i++ {
		if s := h.tg.next(t); s.op != "fail" || s.room != testChat {
			t.Fatalf("call %d = %+v, want failure in %s", i, s, testChat)
		}
	}

	ev := xmppMessage("y1", "other pair")
	ev.ID, ev.RoomID, ev.MessageID = "y1", otherRoom, "y1"
	ev.Sender.ID = otherRoom + "/carol"
	h.publish(ev)
	if s := h.tg.next(t); s.op != "text" || s.room != otherChat || s.msg.Text != "other pair" {
		t.Fatalf("other binding = %+v", s)
	}
	if n := h.metrics.count("telegram:" + ResultDropped); n != 0 {
		t.Errorf("dropped = %d, want 0", n)
	}
	h.tg.expectNone(t)
}

func TestRemovalWaitsForInFlightMessage(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})
	ctx := context.Background()
	b, err := h.db.FindBinding(ctx, store.NetworkTelegram, testChat)
	if err != nil {
		t.Fatal(err)
	}
	release := make(chan struct{})
	h.xm.mu.Lock()
	h.xm.block = release
	h.xm.mu.Unlock()

	h.publish(tgMessage("10", "last words"))
	if s := h.xm.next(t); s.op != "blocked" {
		t.Fatalf("xmpp call = %+v, want blocked send", s)
	}
	h.publish(bus.Event{Kind: bus.KindRemoved, Network: store.NetworkXMPP, RoomID: testRoom})

	// The removal holds until the message in flight settles.
	select {
	case s := <-h.tg.out:
		t.Fatalf("telegram call %+v before the in-flight message finished", s)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	if s := h.xm.next(t); s.op != "text" || s.msg.Text != "last words" {
		t.Errorf("xmpp call = %+v, want the released text", s)
	}
	if s := h.tg.next(t); !strings.Contains(s.msg.Text, "automatically unbridged") {
		t.Errorf("unbind notice = %+v", s)
	}
	if s := h.tg.next(t); s.op != "leave" {
		t.Errorf("call = %+v, want leave", s)
	}
	if n := h.engine.index.Len(ctx, b.ID); n != 0 {
		t.Errorf("correlations after removal = %d, want 0", n)
	}
	h.metrics.mu.Lock()
	failures := h.metrics.persistenceFailures
	h.metrics.mu.Unlock()
	if failures != 0 {
		t.Errorf("persistence failures = %d, want 0", failures)
	}
}

func TestForumTopicRouting(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})
	var clockMu sync.Mutex
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	h.engine.topics.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		clockMu.Lock()
		now = now.Add(d)
		clockMu.Unlock()
	}

	ev := tgMessage("10", "release today?")
	ev.ThreadID, ev.Topic = "40", "Release"
	h.publish(ev)
	fwd := h.xm.next(t)
	if fwd.msg.Sender != "Alice [Release]" {
		t.Errorf("sender = %q, want topic suffix", fwd.msg.Sender)
	}

	// A reply lands in the topic of the message it answers.
	reply := xmppMessage("x1", "yes")
	reply.Reply = &bus.ReplyRef{MessageID: fwd.id}
	h.publish(reply)
	if s := h.tg.next(t); s.msg.ThreadID != "40" || s.msg.ReplyTo != "10" {
		t.Errorf("reply = %+v, want thread 40 replying to 10", s.msg)
	}

	// Follow-ups from the same participant stick to the topic.
	advance(5 * time.Second)
	h.publish(xmppMessage("x2", "after lunch"))
	if s := h.tg.next(t); s.msg.ThreadID != "40" {
		t.Errorf("follow-up thread = %q, want 40", s.msg.ThreadID)
	}

	// Other participants are not affected.
	other := xmppMessage("x3", "hi all")
	other.Sender = bus.Sender{ID: testRoom + "/carol", DisplayName: "carol"}
	h.publish(other)
	if s := h.tg.next(t); s.msg.ThreadID != "" {
		t.Errorf("other sender thread = %q, want main chat", s.msg.ThreadID)
	}

	// Each message refreshes the window; silence ends it.
	advance(DefaultTopicStick + time.Second)
	h.publish(xmppMessage("x4", "anyone?"))
	if s := h.tg.next(t); s.msg.ThreadID != "" {
		t.Errorf("thread after window = %q, want main chat", s.msg.ThreadID)
	}
}

func TestReplyToMainChatLeavesTopic(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	inTopic := tgMessage("10", "topic post")
	inTopic.ThreadID, inTopic.Topic = "40", "Release"
	h.publish(inTopic)
	topicFwd := h.xm.next(t)
	h.publish(tgMessage("11", "main post"))
	mainFwd := h.xm.next(t)

	ev := xmppMessage("x1", "re topic")
	ev.Reply = &bus.ReplyRef{MessageID: topicFwd.id}
	h.publish(ev)
	if s := h.tg.next(t); s.msg.ThreadID != "40" {
		t.Fatalf("thread = %q, want 40", s.msg.ThreadID)
	}

	ev = xmppMessage("x2", "re main")
	ev.Reply = &bus.ReplyRef{MessageID: mainFwd.id}
	h.publish(ev)
	if s := h.tg.next(t); s.msg.ThreadID != "" || s.msg.ReplyTo != "11" {
		t.Errorf("reply = %+v, want main chat reply to 11", s.msg)
	}
	h.publish(xmppMessage("x3", "and more"))
	if s := h.tg.next(t); s.msg.ThreadID != "" {
		t.Errorf("follow-up thread = %q, want main chat", s.msg.ThreadID)
	}
}

func TestReplaceTemplates(t *testing.T) {
	h := newHarness(t, [2]string{testChat, testRoom})

	if err := h.engine.ReplaceTemplates(map[string]string{config.TmplQueued: "only one"}); err == nil {
		t.Error("incomplete template set accepted")
	}
	src := config.DefaultTemplates()
	src[config.TmplMemberLeft] = "{{.Nick}} has gone"
	if err := h.engine.ReplaceTemplates(src); err != nil {
		t.Fatalf("ReplaceTemplates: %v", err)
	}

	h.publish(bus.Event{
		ID: "p1", Kind: bus.KindMembership, Network: store.NetworkXMPP, RoomID: testRoom,
		Membership: &bus.Membership{Action: bus.MemberLeft, Nick: "bob"},
	})
	if s := h.tg.next(t); s.msg.Text != "bob has gone" {
		t.Errorf("notice = %q, want %q", s.msg.Text, "bob has gone")
	}
}
