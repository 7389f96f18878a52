// Package templates renders step subjects and bodies with a Liquid
// engine so {{firstName}} style placeholders resolve against the
// contact being emailed.
package templates

import (
	"fmt"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/dropocol/coldjot/internal/models"
)

// Renderer renders step templates with per-source caching. Safe for
// concurrent use.
type Renderer struct {
	engine *liquid.Engine
	cache  sync.Map // source -> *liquid.Template
}

// NewRenderer creates a renderer with the default filter registered.
func NewRenderer() *Renderer {
	r := &Renderer{engine: liquid.NewEngine()}

	// {{ firstName | default: "there" }}
	r.engine.RegisterFilter("default", func(value interface{}, fallback string) interface{} {
		if value == nil {
			return fallback
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return fallback
		}
		return value
	})
	return r
}

// ContactContext builds the render bindings for one contact.
func ContactContext(c *models.Contact) map[string]interface{} {
	ctx := map[string]interface{}{
		"email":     c.Email,
		"firstName": "",
		"lastName":  "",
		"company":   "",
	}
	if c.FirstName.Valid {
		ctx["firstName"] = c.FirstName.String
	}
	if c.LastName.Valid {
		ctx["lastName"] = c.LastName.String
	}
	if c.Company.Valid {
		ctx["company"] = c.Company.String
	}
	return ctx
}

// Render renders a template source with the given bindings. Unknown
// variables render empty rather than failing a send.
func (r *Renderer) Render(source string, bindings map[string]interface{}) (string, error) {
	if !strings.Contains(source, "{{") && !strings.Contains(source, "{%") {
		return source, nil
	}

	var tpl *liquid.Template
	if cached, ok := r.cache.Load(source); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := r.engine.ParseString(source)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		r.cache.Store(source, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}
