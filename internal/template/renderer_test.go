package template

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Priya8975/hoa-notifier/internal/domain"
	"github.com/Priya8975/hoa-notifier/internal/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingSource struct {
	*store.MemoryStore
	loads atomic.Int32
	saves atomic.Int32
}

func (c *countingSource) LoadTemplates(ctx context.Context, ch domain.Channel) (map[string]string, error) {
	c.loads.Add(1)
	return c.MemoryStore.LoadTemplates(ctx, ch)
}

func (c *countingSource) SaveTemplates(ctx context.Context, ch domain.Channel, t map[string]string) error {
	c.saves.Add(1)
	return c.MemoryStore.SaveTemplates(ctx, ch, t)
}

func sampleData() map[string]any {
	return map[string]any{
		"companyName":    "Maple Grove HOA",
		"companyAddress": "1 Maple Way, Springfield",
		"unsubscribeUrl": "https://hoa.example.com/unsubscribe/u1",
		"recipientName":  "Ada",
		"requestTitle":   "Replace back fence with cedar panels",
		"requestType":    "architectural request",
		"status":         "approved",
		"subject":        "Vote on the 2027 landscaping budget",
		"formName":       "Annual pool waiver",
		"dueDate":        "2026-04-01",
		"title":          "Water main repair on Elm Street tonight",
		"message":        "Crews will shut off water between 10pm and 2am. Please store water in advance.",
	}
}

func TestRenderer_SeedsDefaultsOnce(t *testing.T) {
	src := &countingSource{MemoryStore: store.NewMemoryStore()}
	r := NewRenderer(src, testLogger())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Render(ctx, domain.ChannelSMS, "welcome", sampleData()); err != nil {
			t.Fatalf("render %d: %v", i, err)
		}
		if _, err := r.Render(ctx, domain.ChannelSMS, "form_reminder", sampleData()); err != nil {
			t.Fatalf("render %d: %v", i, err)
		}
	}

	if got := src.saves.Load(); got != 1 {
		t.Errorf("expected defaults to be saved once, got %d", got)
	}
	if got := src.loads.Load(); got != 2 {
		t.Errorf("expected one load plus one reload after seeding, got %d", got)
	}

	// A second process sees the seeded store and does not seed again.
	r2 := NewRenderer(src, testLogger())
	if _, err := r2.Render(ctx, domain.ChannelSMS, "welcome", sampleData()); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := src.saves.Load(); got != 1 {
		t.Errorf("expected no further seeding, got %d saves", got)
	}
}

func TestRenderer_StoredTemplatesTakePrecedence(t *testing.T) {
	s := store.NewMemoryStore()
	def, _ := json.Marshal(Definition{Text: "Custom {{.companyName}} text. Reply STOP to opt out."})
	s.SaveTemplates(context.Background(), domain.ChannelSMS, map[string]string{"welcome": string(def)})

	r := NewRenderer(s, testLogger())
	out, err := r.Render(context.Background(), domain.ChannelSMS, "welcome", sampleData())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Text != "Custom Maple Grove HOA text. Reply STOP to opt out." {
		t.Errorf("unexpected text: %q", out.Text)
	}

	if _, err := r.Get(context.Background(), domain.ChannelSMS, "newsletter"); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("defaults should not be seeded into a non-empty store, got %v", err)
	}
}

func TestDefaults_AllCompile(t *testing.T) {
	for _, ch := range []domain.Channel{domain.ChannelEmail, domain.ChannelSMS} {
		defs := Defaults(ch)
		if len(defs) != 10 {
			t.Errorf("expected 10 %s defaults, got %d", ch, len(defs))
		}
		for name, def := range defs {
			c, err := Compile(ch, name, def)
			if err != nil {
				t.Errorf("%s/%s: %v", ch, name, err)
				continue
			}
			if _, err := c.Execute(sampleData()); err != nil {
				t.Errorf("%s/%s execute: %v", ch, name, err)
			}
		}
	}
}

func TestDefaults_SMSCarryOptOutInstructions(t *testing.T) {
	for name, def := range Defaults(domain.ChannelSMS) {
		c, err := Compile(domain.ChannelSMS, name, def)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		out, err := c.Execute(sampleData())
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		lower := strings.ToLower(out.Text)
		if !strings.Contains(lower, "stop") && !strings.Contains(lower, "opt out") {
			t.Errorf("%s has no opt-out instruction: %q", name, out.Text)
		}
		if n := len([]rune(out.Text)); n > 160 {
			t.Errorf("%s renders to %d characters: %q", name, n, out.Text)
		}
	}
}

func TestDefaults_EmailCarryFooter(t *testing.T) {
	for name, def := range Defaults(domain.ChannelEmail) {
		c, _ := Compile(domain.ChannelEmail, name, def)
		out, err := c.Execute(sampleData())
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !strings.Contains(out.HTML, "https://hoa.example.com/unsubscribe/u1") {
			t.Errorf("%s html is missing the unsubscribe link", name)
		}
		if !strings.Contains(out.Text, "1 Maple Way, Springfield") {
			t.Errorf("%s text is missing the sender address", name)
		}
		if len([]rune(out.Subject)) > 78 {
			t.Errorf("%s subject too long: %q", name, out.Subject)
		}
	}
}

func TestCompiled_MissingKeysRenderEmpty(t *testing.T) {
	c, err := Compile(domain.ChannelSMS, "t", Definition{Text: "Hi {{.name}}! {{.missing}}done"})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, err := c.Execute(map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Text != "Hi Ada! done" {
		t.Errorf("unexpected text: %q", out.Text)
	}
}

func TestCompiled_HTMLIsEscaped(t *testing.T) {
	c, err := Compile(domain.ChannelEmail, "t", Definition{
		Subject: "{{.title}}",
		HTML:    "<p>{{.title}}</p>",
		Text:    "{{.title}}",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, _ := c.Execute(map[string]any{"title": "<script>x</script>"})
	if strings.Contains(out.HTML, "<script>") {
		t.Errorf("html was not escaped: %q", out.HTML)
	}
	if out.Text != "<script>x</script>" {
		t.Errorf("text should be verbatim: %q", out.Text)
	}
}

func TestCompile_ParseErrorsSurface(t *testing.T) {
	if _, err := Compile(domain.ChannelSMS, "broken", Definition{Text: "{{.name"}); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Compile(domain.ChannelSMS, "empty", Definition{}); err == nil {
		t.Error("expected error for empty body")
	}
}

func TestRenderer_RedisSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	r := NewRenderer(store.NewRedisFromClient(client), testLogger())
	out, err := r.Render(context.Background(), domain.ChannelEmail, "request_status_update", sampleData())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out.Subject != "Your request is now approved" {
		t.Errorf("unexpected subject: %q", out.Subject)
	}

	keys, _ := client.HLen(context.Background(), "templates:email").Result()
	if keys != 10 {
		t.Errorf("expected 10 seeded email templates, got %d", keys)
	}
}

func TestFuncs(t *testing.T) {
	day := time.Date(2026, 4, 1, 15, 4, 0, 0, time.UTC)

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"formatDate time", formatDate(day), "April 1, 2026"},
		{"formatDate string", formatDate("2026-04-01"), "April 1, 2026"},
		{"formatDate rfc3339", formatDate("2026-04-01T15:04:00Z"), "April 1, 2026"},
		{"formatDate unparseable", formatDate("soon"), "soon"},
		{"formatDateTime", formatDateTime(day), "April 1, 2026 at 3:04 PM"},
		{"pluralize one", pluralize(1, "item", "items"), "item"},
		{"pluralize many", pluralize(3, "item", "items"), "items"},
		{"pluralize float one", pluralize(1.0, "item", "items"), "item"},
		{"truncate short", truncate(10, "short"), "short"},
		{"truncate long", truncate(8, "a long sentence"), "a lon..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}

	if defaultValue("x", "") != "x" || defaultValue("x", "y") != "y" || defaultValue("x", nil) != "x" {
		t.Error("default helper misbehaves")
	}
	if !equals(1, "1") || equals("a", "b") {
		t.Error("equals helper misbehaves")
	}
}
