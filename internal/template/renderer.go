package template

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"log/slog"
	"strings"
	"sync"
	texttemplate "text/template"

	"github.com/Priya8975/hoa-notifier/internal/domain"
)

// ErrTemplateNotFound is returned when no template exists for a channel and name.
var ErrTemplateNotFound = errors.New("template not found")

// noValue is what text/template prints for a missing map key.
const (
	noValue        = "<no value>"
	noValueEscaped = "&lt;no value&gt;"
)

// Source is the key-value store templates are loaded from.
type Source interface {
	LoadTemplates(ctx context.Context, ch domain.Channel) (map[string]string, error)
	SaveTemplates(ctx context.Context, ch domain.Channel, templates map[string]string) error
}

// Definition is the stored form of a template. SMS templates only use Text.
type Definition struct {
	Subject string `json:"subject,omitempty"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text"`
}

// Compiled is a parsed template ready to execute.
type Compiled struct {
	Name    string
	Channel domain.Channel
	subject *texttemplate.Template
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// Execute renders each part of the template against data.
func (c *Compiled) Execute(data map[string]any) (domain.RenderedMessage, error) {
	var out domain.RenderedMessage
	var err error

	if c.subject != nil {
		if out.Subject, err = execText(c.subject, data); err != nil {
			return out, fmt.Errorf("rendering %s subject: %w", c.Name, err)
		}
	}
	if c.html != nil {
		var buf bytes.Buffer
		if err := c.html.Execute(&buf, data); err != nil {
			return out, fmt.Errorf("rendering %s html: %w", c.Name, err)
		}
		html := strings.ReplaceAll(buf.String(), noValueEscaped, "")
		out.HTML = strings.TrimSpace(strings.ReplaceAll(html, noValue, ""))
	}
	if out.Text, err = execText(c.text, data); err != nil {
		return out, fmt.Errorf("rendering %s text: %w", c.Name, err)
	}
	return out, nil
}

func execText(t *texttemplate.Template, data map[string]any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(strings.ReplaceAll(buf.String(), noValue, "")), nil
}

// Compile parses a definition. Parse errors surface here, not at send time.
func Compile(ch domain.Channel, name string, def Definition) (*Compiled, error) {
	c := &Compiled{Name: name, Channel: ch}
	funcs := funcMap()

	if strings.TrimSpace(def.Text) == "" {
		return nil, fmt.Errorf("template %s/%s has no text body", ch, name)
	}

	var err error
	if c.text, err = texttemplate.New(name + ".text").Funcs(funcs).Parse(def.Text); err != nil {
		return nil, fmt.Errorf("parsing %s/%s text: %w", ch, name, err)
	}
	if ch == domain.ChannelEmail {
		if c.subject, err = texttemplate.New(name + ".subject").Funcs(funcs).Parse(def.Subject); err != nil {
			return nil, fmt.Errorf("parsing %s/%s subject: %w", ch, name, err)
		}
		if def.HTML != "" {
			if c.html, err = htmltemplate.New(name + ".html").Funcs(htmltemplate.FuncMap(funcs)).Parse(def.HTML); err != nil {
				return nil, fmt.Errorf("parsing %s/%s html: %w", ch, name, err)
			}
		}
	}
	return c, nil
}

// Renderer loads templates lazily from a Source and caches compiled
// templates for the life of the process.
type Renderer struct {
	source Source
	logger *slog.Logger

	mu     sync.RWMutex
	raw    map[domain.Channel]map[string]string
	cache  map[string]*Compiled
	loadMu sync.Mutex
}

func NewRenderer(source Source, logger *slog.Logger) *Renderer {
	return &Renderer{
		source: source,
		logger: logger,
		raw:    make(map[domain.Channel]map[string]string),
		cache:  make(map[string]*Compiled),
	}
}

func cacheKey(ch domain.Channel, name string) string {
	return string(ch) + "/" + name
}

// Get returns the compiled template for a channel and name.
func (r *Renderer) Get(ctx context.Context, ch domain.Channel, name string) (*Compiled, error) {
	key := cacheKey(ch, name)

	r.mu.RLock()
	c, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	templates, err := r.load(ctx, ch)
	if err != nil {
		return nil, err
	}

	src, ok := templates[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrTemplateNotFound, ch, name)
	}

	var def Definition
	if err := json.Unmarshal([]byte(src), &def); err != nil {
		return nil, fmt.Errorf("decoding template %s/%s: %w", ch, name, err)
	}

	c, err = Compile(ch, name, def)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = c
	r.mu.Unlock()

	return c, nil
}

// Render renders a named template for a channel.
func (r *Renderer) Render(ctx context.Context, ch domain.Channel, name string, data map[string]any) (domain.RenderedMessage, error) {
	c, err := r.Get(ctx, ch, name)
	if err != nil {
		return domain.RenderedMessage{}, err
	}
	return c.Execute(data)
}

// Names lists the templates available on a channel.
func (r *Renderer) Names(ctx context.Context, ch domain.Channel) ([]string, error) {
	templates, err := r.load(ctx, ch)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	return names, nil
}

// load reads a channel's templates once, seeding the defaults if the source
// is empty.
func (r *Renderer) load(ctx context.Context, ch domain.Channel) (map[string]string, error) {
	r.mu.RLock()
	templates, ok := r.raw[ch]
	r.mu.RUnlock()
	if ok {
		return templates, nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	r.mu.RLock()
	templates, ok = r.raw[ch]
	r.mu.RUnlock()
	if ok {
		return templates, nil
	}

	templates, err := r.source.LoadTemplates(ctx, ch)
	if err != nil {
		return nil, fmt.Errorf("loading templates: %w", err)
	}

	if len(templates) == 0 {
		defaults, err := EncodedDefaults(ch)
		if err != nil {
			return nil, err
		}
		if err := r.source.SaveTemplates(ctx, ch, defaults); err != nil {
			return nil, fmt.Errorf("seeding default templates: %w", err)
		}
		r.logger.Info("seeded default templates", "channel", ch, "count", len(defaults))

		if templates, err = r.source.LoadTemplates(ctx, ch); err != nil {
			return nil, fmt.Errorf("loading templates: %w", err)
		}
	}

	r.mu.Lock()
	r.raw[ch] = templates
	r.mu.Unlock()

	return templates, nil
}
