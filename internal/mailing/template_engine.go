// Package mailing renders campaign email content with Liquid and delivers
// it through AWS SES.
package mailing

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"html"
	"net/url"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/rxfield/crm/internal/pkg/logger"
)

// TemplateService handles Liquid template rendering with caching.
type TemplateService struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateService creates a new template service with custom filters.
func NewTemplateService() *TemplateService {
	ts := &TemplateService{engine: liquid.NewEngine()}
	ts.registerCustomFilters()
	return ts
}

func (ts *TemplateService) registerCustomFilters() {
	// {{ name | default: "Doctor" }}
	ts.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		if s := fmt.Sprintf("%v", value); s == "" || s == "<nil>" {
			return defaultVal
		}
		return value
	})

	// {{ name | capitalize }}
	ts.engine.RegisterFilter("capitalize", func(s string) string {
		if s == "" {
			return s
		}
		return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
	})

	// {{ name | first_name }} takes the first word, skipping a "Dr." title.
	ts.engine.RegisterFilter("first_name", func(s string) string {
		fields := strings.Fields(s)
		if len(fields) > 1 && strings.EqualFold(strings.TrimSuffix(fields[0], "."), "dr") {
			fields = fields[1:]
		}
		if len(fields) == 0 {
			return ""
		}
		return fields[0]
	})

	// {{ notes | truncate: 50 }}
	ts.engine.RegisterFilter("truncate", func(s string, length int) string {
		if len(s) <= length {
			return s
		}
		if length <= 3 {
			return s[:length]
		}
		return s[:length-3] + "..."
	})

	ts.engine.RegisterFilter("urlencode", func(s string) string {
		return url.QueryEscape(s)
	})

	ts.engine.RegisterFilter("escape", func(s string) string {
		return html.EscapeString(s)
	})
}

// Parse compiles a template string and returns any syntax errors.
func (ts *TemplateService) Parse(templateStr string) error {
	_, err := ts.engine.ParseString(templateStr)
	return err
}

// Render processes a template with the given variables. Compiled templates
// are cached under cacheKey plus a digest of the source, so an edited
// block never renders stale content.
func (ts *TemplateService) Render(cacheKey string, templateStr string, vars map[string]any) (string, error) {
	key := ""
	if cacheKey != "" {
		sum := md5.Sum([]byte(templateStr))
		key = cacheKey + ":" + hex.EncodeToString(sum[:])
		if cached, ok := ts.cache.Load(key); ok {
			return cached.(*liquid.Template).RenderString(vars)
		}
	}

	tpl, err := ts.engine.ParseString(templateStr)
	if err != nil {
		logger.Warn("template parse failed", "component", "templates", "cache_key", cacheKey, "error", err.Error())
		return "", fmt.Errorf("parse template: %w", err)
	}
	if key != "" {
		ts.cache.Store(key, tpl)
	}

	out, err := tpl.RenderString(vars)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// ClearCache drops every compiled template.
func (ts *TemplateService) ClearCache() {
	ts.cache.Range(func(k, _ any) bool {
		ts.cache.Delete(k)
		return true
	})
}
