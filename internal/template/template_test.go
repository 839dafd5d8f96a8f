package template

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(zap.NewNop())
	if err != nil {
		t.Fatalf("failed to load embedded catalog: %v", err)
	}
	return r
}

func TestEmbeddedCatalogCoversEveryNotificationTemplate(t *testing.T) {
	r := newTestResolver(t)

	for _, key := range []string{
		"reminder", "task_due", "achievement", "system", "ai_suggestion", "weekly_digest",
		"email_verification", "password_reset", "welcome", "security_alert",
	} {
		if !r.Has(key) {
			t.Errorf("catalog is missing template %q", key)
		}
	}
}

func TestResolve_TaskDue(t *testing.T) {
	r := newTestResolver(t)

	c, err := r.Resolve("task_due", "en", map[string]any{"taskTitle": "Finish essay"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if c.Subject != "Due soon: Finish essay" {
		t.Errorf("unexpected subject %q", c.Subject)
	}
	if !strings.Contains(c.HTML, "<strong>Finish essay</strong>") {
		t.Errorf("expected task title in html, got %q", c.HTML)
	}
	if !strings.Contains(c.Text, `"Finish essay" is due soon`) {
		t.Errorf("expected task title in text, got %q", c.Text)
	}
}

func TestResolve_EscapesUntrustedHTML(t *testing.T) {
	r := newTestResolver(t)

	c, err := r.Resolve("task_due", "en", map[string]any{
		"taskTitle": `<script>alert("x")</script>`,
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if strings.Contains(c.HTML, "<script>") {
		t.Fatalf("untrusted value was not escaped: %q", c.HTML)
	}
	if !strings.Contains(c.HTML, "&lt;script&gt;") {
		t.Errorf("expected escaped script tag, got %q", c.HTML)
	}
}

func TestResolve_TrustedVariableIsNotEscaped(t *testing.T) {
	r := newTestResolver(t)

	c, err := r.Resolve("weekly_digest", "en", map[string]any{
		"completedTasks": 12,
		"summaryHtml":    "<ul><li>Math</li></ul>",
	})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !strings.Contains(c.HTML, "<ul><li>Math</li></ul>") {
		t.Errorf("expected trusted markup verbatim, got %q", c.HTML)
	}
	if c.Subject != "Your week: 12 tasks completed" {
		t.Errorf("unexpected subject %q", c.Subject)
	}
}

func TestResolve_LocaleFallback(t *testing.T) {
	r := newTestResolver(t)
	vars := map[string]any{"taskTitle": "Ensayo"}

	tests := []struct {
		locale string
		want   string
	}{
		{"es", "es"},
		{"es-MX", "es"},
		{"en-GB", "en"},
		{"fr", "en"},
		{"", "en"},
		{"not a locale!", "en"},
	}

	for _, tt := range tests {
		t.Run(tt.locale, func(t *testing.T) {
			c, err := r.Resolve("task_due", tt.locale, vars)
			if err != nil {
				t.Fatalf("resolve failed: %v", err)
			}
			if c.Locale != tt.want {
				t.Errorf("locale %q resolved to %q, want %q", tt.locale, c.Locale, tt.want)
			}
		})
	}
}

func TestResolve_TemplateNotFound(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve("carrier_pigeon", "en", nil)
	if !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestResolve_MissingDefaultLocaleIsNotFound(t *testing.T) {
	catalog := []byte(`
default_locale: en
templates:
  only_german:
    variables: []
    locales:
      de:
        subject: "Hallo"
        text: "Hallo"
`)
	r, err := Load(zap.NewNop(), catalog)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if _, err := r.Resolve("only_german", "de-AT", nil); err != nil {
		t.Errorf("expected de-AT to match de, got %v", err)
	}
	if _, err := r.Resolve("only_german", "ja", nil); !errors.Is(err, ErrTemplateNotFound) {
		t.Errorf("expected ErrTemplateNotFound, got %v", err)
	}
}

func TestResolve_MissingRequiredVariable(t *testing.T) {
	r := newTestResolver(t)

	_, err := r.Resolve("password_reset", "en", map[string]any{"name": "Ada"})
	if !errors.Is(err, ErrTemplateRender) {
		t.Fatalf("expected ErrTemplateRender, got %v", err)
	}
	var rerr *RenderError
	if !errors.As(err, &rerr) || rerr.Key != "password_reset" {
		t.Errorf("expected RenderError for password_reset, got %v", err)
	}
}

func TestLoad_RejectsUndeclaredVariable(t *testing.T) {
	catalog := []byte(`
templates:
  broken:
    variables:
      - name: title
    locales:
      en:
        subject: "{{.title}}"
        text: "{{.body}}"
`)
	_, err := Load(zap.NewNop(), catalog)
	if !errors.Is(err, ErrUndeclaredVariable) {
		t.Fatalf("expected ErrUndeclaredVariable, got %v", err)
	}
}

func TestLoad_RejectsSyntaxErrors(t *testing.T) {
	catalog := []byte(`
templates:
  broken:
    locales:
      en:
        subject: "{{.title"
        text: "x"
`)
	_, err := Load(zap.NewNop(), catalog)
	if !errors.Is(err, ErrInvalidCatalog) {
		t.Fatalf("expected ErrInvalidCatalog, got %v", err)
	}
}

func TestLoad_OverrideReplacesTemplate(t *testing.T) {
	override := []byte(`
templates:
  welcome:
    variables:
      - name: name
    locales:
      en:
        subject: "Hey {{.name}}"
        text: "Glad you're here"
`)
	r, err := Load(zap.NewNop(), defaultCatalog, override)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	c, err := r.Resolve("welcome", "en", map[string]any{"name": "Grace"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if c.Subject != "Hey Grace" {
		t.Errorf("expected override subject, got %q", c.Subject)
	}
	if !r.Has("task_due") {
		t.Error("override must not drop other templates")
	}
}

func TestResolve_TitleFunc(t *testing.T) {
	r := newTestResolver(t)

	c, err := r.Resolve("achievement", "en", map[string]any{"achievementName": "seven day streak"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if c.Subject != "Achievement unlocked: Seven Day Streak" {
		t.Errorf("unexpected subject %q", c.Subject)
	}
}
