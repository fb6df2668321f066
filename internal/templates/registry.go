// Package templates holds the per-event-type message body templates.
// Defaults are embedded at build time; operators may override them
// with a YAML file, generalizing the birthday-only default wording
// into an extensible event-type registry.
package templates

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"

	"github.com/oriys/chronicle/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed defaults/*.yaml
var embeddedDefaults embed.FS

// Data is the set of fields available to a template body.
type Data struct {
	FirstName string
	LastName  string
	FullName  string
	Event     string
}

type entry struct {
	Event string `yaml:"event"`
	Body  string `yaml:"body"`
}

type fileFormat struct {
	Templates map[string]entry `yaml:"templates"`
}

// Registry resolves a MessageType to a compiled template.
type Registry struct {
	mu        sync.RWMutex
	compiled  map[domain.MessageType]*template.Template
	eventName map[domain.MessageType]string
}

// Load builds a Registry from the embedded defaults, optionally
// overridden by the YAML file at overridePath (empty means defaults
// only).
func Load(overridePath string) (*Registry, error) {
	data, err := embeddedDefaults.ReadFile("defaults/templates.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded templates: %w", err)
	}
	var base fileFormat
	if err := yaml.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("parse embedded templates: %w", err)
	}

	merged := base.Templates
	if overridePath != "" {
		raw, err := os.ReadFile(overridePath)
		if err != nil {
			return nil, fmt.Errorf("read template overrides: %w", err)
		}
		var override fileFormat
		if err := yaml.Unmarshal(raw, &override); err != nil {
			return nil, fmt.Errorf("parse template overrides: %w", err)
		}
		for k, v := range override.Templates {
			merged[k] = v
		}
	}

	r := &Registry{
		compiled:  make(map[domain.MessageType]*template.Template),
		eventName: make(map[domain.MessageType]string),
	}
	for key, e := range merged {
		t, err := template.New(key).Parse(e.Body)
		if err != nil {
			return nil, fmt.Errorf("parse template %q: %w", key, err)
		}
		mt := domain.MessageType(key)
		r.compiled[mt] = t
		r.eventName[mt] = e.Event
	}
	return r, nil
}

// Render produces the message body for the given user and message
// type. It returns an error if no template is registered for the
// type — callers should treat this as a per-user materialisation
// failure, not fall back silently, since an unrendered message would
// otherwise ship malformed content.
func (r *Registry) Render(mt domain.MessageType, u *domain.User) (string, error) {
	r.mu.RLock()
	t, ok := r.compiled[mt]
	event := r.eventName[mt]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no template registered for message type %q", mt)
	}

	data := Data{
		FirstName: u.FirstName,
		LastName:  u.LastName,
		FullName:  strings.TrimSpace(u.FullName()),
		Event:     event,
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", mt, err)
	}
	return buf.String(), nil
}

// Has reports whether a template is registered for the given type.
func (r *Registry) Has(mt domain.MessageType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.compiled[mt]
	return ok
}
