package wizard

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaygate/relaygate/internal/config"
)

func newTestPrompter(input string) (*Prompter, *bytes.Buffer) {
	out := &bytes.Buffer{}
	return &Prompter{In: strings.NewReader(input), Out: out}, out
}

func TestAsk(t *testing.T) {
	tests := []struct {
		input, def, want string
	}{
		{"hello\n", "default", "hello"},
		{"\n", "fallback", "fallback"},
		{"   \n", "fallback", "fallback"},
		{"", "eof", "eof"},
	}
	for _, tt := range tests {
		p, _ := newTestPrompter(tt.input)
		if got := p.Ask("Q", tt.def); got != tt.want {
			t.Errorf("Ask(%q): got %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAskSecretFallback(t *testing.T) {
	p, _ := newTestPrompter("s3cret\n")
	if got := p.AskSecret("Password"); got != "s3cret" {
		t.Errorf("got %q, want %q", got, "s3cret")
	}
}

func TestAskList(t *testing.T) {
	p, _ := newTestPrompter("https://a.example, https://b.example ,\n")
	got := p.AskList("Origins", []string{"*"})
	if len(got) != 2 || got[0] != "https://a.example" || got[1] != "https://b.example" {
		t.Errorf("got %q", got)
	}
}

func TestAskDurationRetries(t *testing.T) {
	p, out := newTestPrompter("soon\n90s\n")
	if got := p.AskDuration("TTL", time.Second); got != 90*time.Second {
		t.Errorf("got %v, want 90s", got)
	}
	if !strings.Contains(out.String(), "Please enter a duration") {
		t.Error("expected retry hint")
	}
}

func TestChoose(t *testing.T) {
	p, _ := newTestPrompter("7\n2\n")
	if got := p.Choose("Pick", []string{"a", "b"}, 0); got != "b" {
		t.Errorf("got %q, want %q", got, "b")
	}
}

func TestRunInteractive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaygate.json")
	answers := strings.Join([]string{
		":9000",                  // listen address
		"https://app.example",    // origins
		"",                       // sqlite
		"gw.db",                  // sqlite path
		"0s",                     // cache ttl
		"2",                      // redis
		"redis:6379",             // redis addr
		"pw",                     // redis password
		"2",                      // nats bus
		"nats://nats:4222",       // nats url
		"",                       // info
		"2",                      // text
	}, "\n") + "\n"
	p, _ := newTestPrompter(answers)

	if err := New(p, false).Run(path); err != nil {
		t.Fatalf("Run: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9000" || cfg.Server.AllowedOrigins[0] != "https://app.example" {
		t.Errorf("server: got %+v", cfg.Server)
	}
	if cfg.Storage.DSN != "gw.db" || cfg.Storage.TenantCacheTTL.Duration != 0 {
		t.Errorf("storage: got %+v", cfg.Storage)
	}
	b := cfg.Backplane
	if b.Driver != "redis" || b.RedisAddr != "redis:6379" || b.RedisPassword != "pw" || b.Bus != "nats" || b.NATSURL != "nats://nats:4222" {
		t.Errorf("backplane: got %+v", b)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("logging: got %+v", cfg.Logging)
	}
}

func TestRunDefaultsRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relaygate.json")
	if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	p, _ := newTestPrompter("")
	if err := New(p, false).RunDefaults(path); err == nil {
		t.Fatal("expected error for existing file")
	}
	if err := New(p, true).RunDefaults(path); err != nil {
		t.Fatalf("force: %v", err)
	}
	if _, err := config.Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
}
