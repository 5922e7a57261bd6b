package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON5(t *testing.T) {
	path := writeFile(t, "config.json5", `{
		// comments and trailing commas are allowed
		telegram: { token: "123:abc", command: "/Jabagram", },
		xmpp: { jid: "bridge@example.org", password: "pw" },
		bridge: { secret: "s3cr3t", leave_on_unbind: false },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Telegram.Command != "jabagram" {
		t.Errorf("command = %q, want jabagram", cfg.Telegram.Command)
	}
	if cfg.Bridge.Secret != "s3cr3t" {
		t.Errorf("secret = %q", cfg.Bridge.Secret)
	}
	if cfg.Bridge.LeaveOnUnbindEnabled() {
		t.Error("leave_on_unbind = true, want false")
	}
	if !cfg.Bridge.MembershipNoticesEnabled() {
		t.Error("membership notices must default to true")
	}
	if cfg.Bridge.PendingTTL() != time.Hour || cfg.Bridge.SweepInterval() != 20*time.Minute {
		t.Errorf("ttl/sweep = %v/%v, want 1h/20m", cfg.Bridge.PendingTTL(), cfg.Bridge.SweepInterval())
	}
	if cfg.Bridge.CorrelationCapacity != 300 || cfg.Bridge.QueueSize != 64 {
		t.Errorf("capacity/queue = %d/%d, want 300/64", cfg.Bridge.CorrelationCapacity, cfg.Bridge.QueueSize)
	}
	if got := cfg.Bridge.TopicStickWindow(); got != 10*time.Second {
		t.Errorf("topic stick window = %v, want 10s", got)
	}
	if cfg.StoreConfig().Driver != "sqlite" || cfg.StoreConfig().UsesRedis() {
		t.Errorf("store config = %+v, want sqlite with sql correlations", cfg.StoreConfig())
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
telegram:
  token: "123:abc"
xmpp:
  jid: bridge@example.org
  password: pw
  nick: Bridge
database:
  driver: postgres
  postgres_dsn: postgres://localhost/bridge
  correlations: redis
  redis_url: redis://localhost:6379/0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.XMPP.Nick != "Bridge" {
		t.Errorf("nick = %q, want Bridge", cfg.XMPP.Nick)
	}
	if !cfg.StoreConfig().UsesRedis() {
		t.Error("UsesRedis = false, want true")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MUCBRIDGE_TELEGRAM_TOKEN", "from-env")
	t.Setenv("MUCBRIDGE_SECRET", "env-secret")
	path := writeFile(t, "config.json", `{"telegram": {"token": "from-file"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "from-env" || cfg.Bridge.Secret != "env-secret" {
		t.Errorf("token/secret = %q/%q, want env values", cfg.Telegram.Token, cfg.Bridge.Secret)
	}
}

func TestValidateMissingFields(t *testing.T) {
	cfg := Default()
	cfg.Database.Driver = "mysql"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"telegram.token", "xmpp.jid", "xmpp.password", "database.driver"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestValidateTemplates(t *testing.T) {
	if err := ValidateTemplates(DefaultTemplates()); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}

	partial := map[string]string{TmplQueued: "queued {{.Room}}"}
	err := ValidateTemplates(partial)
	if err == nil || !strings.Contains(err.Error(), TmplMissingAddress) {
		t.Errorf("err = %v, want missing %s", err, TmplMissingAddress)
	}

	broken := DefaultTemplates()
	broken[TmplQueued] = "{{.Room"
	if err := ValidateTemplates(broken); err == nil {
		t.Error("unparsable template accepted")
	}
}

func TestTemplatesRender(t *testing.T) {
	tmpl, err := NewTemplates(DefaultTemplates())
	if err != nil {
		t.Fatal(err)
	}

	got, err := tmpl.Render(TmplMemberLeft, NoticeData{Nick: "alice", Reason: "kicked"})
	if err != nil {
		t.Fatal(err)
	}
	if got != "alice left (kicked)" {
		t.Errorf("Render = %q", got)
	}

	_, err = tmpl.Render("nope", NoticeData{})
	if !errors.Is(err, ErrTemplateMissing) {
		t.Errorf("err = %v, want ErrTemplateMissing", err)
	}

	if err := tmpl.Replace(map[string]string{TmplMemberJoined: "+{{.Nick}}"}); err != nil {
		t.Fatal(err)
	}
	if got, _ := tmpl.Render(TmplMemberJoined, NoticeData{Nick: "carol"}); got != "+carol" {
		t.Errorf("after Replace = %q, want +carol", got)
	}
	if _, err := tmpl.Render(TmplMemberLeft, NoticeData{}); !errors.Is(err, ErrTemplateMissing) {
		t.Errorf("replaced set still has old key: %v", err)
	}
	if err := tmpl.Replace(map[string]string{"x": "{{"}); err == nil {
		t.Error("Replace accepted a broken template")
	}
	if keys := tmpl.Keys(); len(keys) != 1 || keys[0] != TmplMemberJoined {
		t.Errorf("Keys = %v, want old set kept after failed Replace", keys)
	}
}

func TestNormalizeCommand(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"", "bridge"},
		{"/bridge", "bridge"},
		{"Jabagram", "jabagram"},
		{"pair-room", "pair_room"},
		{"///", "bridge"},
		{strings.Repeat("a", 40), strings.Repeat("a", 32)},
	}
	for _, tt := range tests {
		if got := NormalizeCommand(tt.input); got != tt.want {
			t.Errorf("NormalizeCommand(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestWatcherReloads(t *testing.T) {
	path := writeFile(t, "config.json", `{"bridge": {"secret": "one"}}`)
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	w.debounce = 10 * time.Millisecond

	got := make(chan string, 4)
	w.OnChange(func(cfg *Config) { got <- cfg.Bridge.Secret })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	if err := os.WriteFile(path, []byte(`{"bridge": {"secret": "two"}}`), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case secret := <-got:
		if secret != "two" {
			t.Errorf("reloaded secret = %q, want two", secret)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload after write")
	}
}
