package config

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"text/template"
)

// ErrTemplateMissing is returned when a notice has no configured template.
var ErrTemplateMissing = errors.New("notification template missing")

// Notice template keys.
const (
	TmplMissingAddress      = "missing_address"
	TmplInvalidAddress      = "invalid_address"
	TmplQueued              = "queued"
	TmplUnboundFromTelegram = "unbound_from_telegram"
	TmplUnboundFromXMPP     = "unbound_from_xmpp"
	TmplBound               = "bound"
	TmplAlreadyBound        = "already_bound"
	TmplMemberJoined        = "member_joined"
	TmplMemberLeft          = "member_left"
)

// RequiredTemplates must be present whenever a templates section is given.
var RequiredTemplates = []string{
	TmplMissingAddress,
	TmplInvalidAddress,
	TmplQueued,
	TmplUnboundFromTelegram,
	TmplUnboundFromXMPP,
}

// NoticeData is the data passed to every notice template.
type NoticeData struct {
	Command    string // pairing command, without slash
	BridgeJID  string // bare JID of the bridge account
	Room       string // XMPP room address
	Chat       string // Telegram chat id
	TTLMinutes int
	Nick       string
	Reason     string
}

// DefaultTemplates returns the built-in notice texts.
func DefaultTemplates() map[string]string {
	return map[string]string{
		TmplMissingAddress: "Please specify the address of the XMPP room you want to pair with this chat: /{{.Command}} room@conference.example.org",
		TmplInvalidAddress: "{{.Room}} is not a valid room address. Please try again.",
		TmplQueued: "The room {{.Room}} has been queued for pairing.\n" +
			"Invite {{.BridgeJID}} to the room within {{.TTLMinutes}} minutes, giving the bridge secret as the invitation reason " +
			"(ask the owner of this bridge instance for it).\n\n" +
			"If the address is wrong, simply repeat /{{.Command}} with the corrected one.",
		TmplUnboundFromTelegram: "This chat was automatically unbridged because the bot was removed from the XMPP room {{.Room}}.\n" +
			"To bridge it again, use /{{.Command}} and invite the bridge to the room once more.",
		TmplUnboundFromXMPP: "This room was automatically unbridged because the bot was removed from the Telegram chat.",
		TmplBound:           "Bridge established between Telegram chat {{.Chat}} and {{.Room}}.",
		TmplAlreadyBound:    "This chat is already bridged with {{.Room}}.",
		TmplMemberJoined:    "{{.Nick}} joined",
		TmplMemberLeft:      "{{.Nick}} left{{if .Reason}} ({{.Reason}}){{end}}",
	}
}

// ValidateTemplates checks that every required key is present and every
// template parses.
func ValidateTemplates(src map[string]string) error {
	var errs []error
	for _, key := range RequiredTemplates {
		if strings.TrimSpace(src[key]) == "" {
			errs = append(errs, fmt.Errorf("templates.%s is required", key))
		}
	}
	if _, err := parseTemplates(src); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Templates renders notices. It is safe for concurrent use and can be
// replaced at runtime on config reload.
type Templates struct {
	mu  sync.RWMutex
	set map[string]*template.Template
}

func NewTemplates(src map[string]string) (*Templates, error) {
	set, err := parseTemplates(src)
	if err != nil {
		return nil, err
	}
	return &Templates{set: set}, nil
}

// Render executes the template key. A missing key returns ErrTemplateMissing.
func (t *Templates) Render(key string, data NoticeData) (string, error) {
	t.mu.RLock()
	tmpl, ok := t.set[key]
	t.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTemplateMissing, key)
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("render template %s: %w", key, err)
	}
	return strings.TrimSpace(sb.String()), nil
}

// Replace swaps in a new template set. On parse failure the old set is kept.
func (t *Templates) Replace(src map[string]string) error {
	set, err := parseTemplates(src)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.set = set
	t.mu.Unlock()
	return nil
}

// Keys returns the configured keys, sorted.
func (t *Templates) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	keys := make([]string, 0, len(t.set))
	for k := range maps.Keys(t.set) {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseTemplates(src map[string]string) (map[string]*template.Template, error) {
	set := make(map[string]*template.Template, len(src))
	for key, text := range src {
		if strings.TrimSpace(text) == "" {
			continue
		}
		tmpl, err := template.New(key).Option("missingkey=zero").Parse(text)
		if err != nil {
			return nil, fmt.Errorf("templates.%s: %w", key, err)
		}
		set[key] = tmpl
	}
	return set, nil
}
