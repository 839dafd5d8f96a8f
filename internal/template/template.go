// Package template renders notification content from a YAML catalog.
//
// Every template declares the variables it may use. Templates are parsed
// and checked against that schema when the catalog is loaded, so an
// undeclared variable is an authoring error, not a blank in a sent email.
package template

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"os"
	"sort"
	"strings"
	texttemplate "text/template"
	"text/template/parse"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var defaultCatalog []byte

var (
	ErrTemplateNotFound   = errors.New("template not found")
	ErrTemplateRender     = errors.New("template render failed")
	ErrInvalidCatalog     = errors.New("invalid template catalog")
	ErrUndeclaredVariable = errors.New("template references undeclared variable")
)

// RenderError reports a failed render of one part of a template.
type RenderError struct {
	Key    string
	Locale string
	Part   string
	Err    error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s/%s %s: %v", e.Key, e.Locale, e.Part, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

func (e *RenderError) Is(target error) bool { return target == ErrTemplateRender }

// Content is a rendered notification.
type Content struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
	Locale  string `json:"locale"`
}

// Variable is one entry of a template's schema. Trusted variables are
// inserted into HTML unescaped; they must only carry server-built markup.
type Variable struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Trusted  bool   `yaml:"trusted"`
}

type localeSource struct {
	Subject string `yaml:"subject"`
	Text    string `yaml:"text"`
	HTML    string `yaml:"html"`
}

type templateSource struct {
	Variables []Variable              `yaml:"variables"`
	Locales   map[string]localeSource `yaml:"locales"`
}

type catalogSource struct {
	DefaultLocale string                    `yaml:"default_locale"`
	Templates     map[string]templateSource `yaml:"templates"`
}

type compiledLocale struct {
	subject *texttemplate.Template
	text    *texttemplate.Template
	html    *htmltemplate.Template
}

type compiledTemplate struct {
	vars    []Variable
	locales map[string]*compiledLocale
	tags    []language.Tag
	names   []string
	matcher language.Matcher
}

// Resolver renders templates by key and locale. It is immutable after
// construction and safe for concurrent use.
type Resolver struct {
	defaultLocale string
	templates     map[string]*compiledTemplate
	logger        *zap.Logger
}

// NewResolver loads the embedded catalog.
func NewResolver(logger *zap.Logger) (*Resolver, error) {
	return Load(logger, defaultCatalog)
}

// NewResolverWithOverrides loads the embedded catalog and then the catalog
// file at path, whose templates replace embedded ones with the same key.
func NewResolverWithOverrides(logger *zap.Logger, path string) (*Resolver, error) {
	if path == "" {
		return NewResolver(logger)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template catalog: %w", err)
	}
	return Load(logger, defaultCatalog, data)
}

// Load builds a Resolver from one or more YAML catalogs. Later catalogs
// override earlier ones per template key.
func Load(logger *zap.Logger, catalogs ...[]byte) (*Resolver, error) {
	merged := catalogSource{Templates: make(map[string]templateSource)}
	for i, data := range catalogs {
		var src catalogSource
		if err := yaml.Unmarshal(data, &src); err != nil {
			return nil, fmt.Errorf("%w: catalog %d: %v", ErrInvalidCatalog, i, err)
		}
		if src.DefaultLocale != "" {
			merged.DefaultLocale = src.DefaultLocale
		}
		for key, t := range src.Templates {
			merged.Templates[key] = t
		}
	}
	if merged.DefaultLocale == "" {
		merged.DefaultLocale = "en"
	}

	r := &Resolver{
		defaultLocale: merged.DefaultLocale,
		templates:     make(map[string]*compiledTemplate, len(merged.Templates)),
		logger:        logger,
	}
	for key, src := range merged.Templates {
		ct, err := compile(key, merged.DefaultLocale, src)
		if err != nil {
			return nil, err
		}
		r.templates[key] = ct
	}

	logger.Info("template catalog loaded",
		zap.Int("templates", len(r.templates)),
		zap.String("default_locale", r.defaultLocale),
	)
	return r, nil
}

func compile(key, defaultLocale string, src templateSource) (*compiledTemplate, error) {
	if len(src.Locales) == 0 {
		return nil, fmt.Errorf("%w: template %q has no locales", ErrInvalidCatalog, key)
	}

	declared := make(map[string]bool, len(src.Variables))
	for _, v := range src.Variables {
		if v.Name == "" {
			return nil, fmt.Errorf("%w: template %q has a variable without a name", ErrInvalidCatalog, key)
		}
		declared[v.Name] = true
	}

	ct := &compiledTemplate{
		vars:    src.Variables,
		locales: make(map[string]*compiledLocale, len(src.Locales)),
	}

	// The default locale goes first so the matcher falls back to it.
	names := make([]string, 0, len(src.Locales))
	for name := range src.Locales {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == defaultLocale {
			return true
		}
		if names[j] == defaultLocale {
			return false
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		tag, err := language.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("%w: template %q locale %q: %v", ErrInvalidCatalog, key, name, err)
		}
		ls := src.Locales[name]
		if ls.Subject == "" || (ls.Text == "" && ls.HTML == "") {
			return nil, fmt.Errorf("%w: template %q locale %q needs a subject and a body", ErrInvalidCatalog, key, name)
		}

		funcs := funcMap(tag)
		cl := &compiledLocale{}
		id := key + "/" + name

		if cl.subject, err = parseText(id+"/subject", ls.Subject, funcs, declared); err != nil {
			return nil, err
		}
		if cl.text, err = parseText(id+"/text", ls.Text, funcs, declared); err != nil {
			return nil, err
		}
		if ls.HTML != "" {
			if err := checkFields(id+"/html", ls.HTML, funcs, declared); err != nil {
				return nil, err
			}
			cl.html, err = htmltemplate.New(id + "/html").
				Option("missingkey=error").
				Funcs(htmltemplate.FuncMap(funcs)).
				Parse(ls.HTML)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, id, err)
			}
		}

		ct.locales[name] = cl
		ct.tags = append(ct.tags, tag)
		ct.names = append(ct.names, name)
	}
	ct.matcher = language.NewMatcher(ct.tags)

	return ct, nil
}

func funcMap(tag language.Tag) texttemplate.FuncMap {
	caser := cases.Title(tag)
	return texttemplate.FuncMap{
		"title": func(v any) string { return caser.String(fmt.Sprint(v)) },
		"upper": func(v any) string { return strings.ToUpper(fmt.Sprint(v)) },
	}
}

func parseText(id, src string, funcs texttemplate.FuncMap, declared map[string]bool) (*texttemplate.Template, error) {
	if err := checkFields(id, src, funcs, declared); err != nil {
		return nil, err
	}
	t, err := texttemplate.New(id).Option("missingkey=error").Funcs(funcs).Parse(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, id, err)
	}
	return t, nil
}

// checkFields parses src and rejects any top-level field reference that is
// not in the declared schema.
func checkFields(id, src string, funcs texttemplate.FuncMap, declared map[string]bool) error {
	t, err := texttemplate.New(id).Funcs(funcs).Parse(src)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidCatalog, id, err)
	}
	if t.Tree == nil {
		return nil
	}

	refs := make(map[string]struct{})
	collectFields(t.Tree.Root, refs)
	for name := range refs {
		if !declared[name] {
			return fmt.Errorf("%w: %s uses %q", ErrUndeclaredVariable, id, name)
		}
	}
	return nil
}

// collectFields gathers the first identifier of every field reference
// evaluated against the root data. Bodies of range and with are skipped
// because dot is rebound there.
func collectFields(node parse.Node, refs map[string]struct{}) {
	switch n := node.(type) {
	case *parse.ListNode:
		if n == nil {
			return
		}
		for _, c := range n.Nodes {
			collectFields(c, refs)
		}
	case *parse.ActionNode:
		collectFields(n.Pipe, refs)
	case *parse.PipeNode:
		if n == nil {
			return
		}
		for _, c := range n.Cmds {
			collectFields(c, refs)
		}
	case *parse.CommandNode:
		for _, a := range n.Args {
			collectFields(a, refs)
		}
	case *parse.FieldNode:
		if len(n.Ident) > 0 {
			refs[n.Ident[0]] = struct{}{}
		}
	case *parse.ChainNode:
		collectFields(n.Node, refs)
	case *parse.IfNode:
		collectFields(n.Pipe, refs)
		collectFields(n.List, refs)
		collectFields(n.ElseList, refs)
	case *parse.RangeNode:
		collectFields(n.Pipe, refs)
		collectFields(n.ElseList, refs)
	case *parse.WithNode:
		collectFields(n.Pipe, refs)
		collectFields(n.ElseList, refs)
	case *parse.TemplateNode:
		collectFields(n.Pipe, refs)
	}
}

// Has reports whether a template key exists.
func (r *Resolver) Has(key string) bool {
	_, ok := r.templates[key]
	return ok
}

// Keys lists the loaded template keys.
func (r *Resolver) Keys() []string {
	keys := make([]string, 0, len(r.templates))
	for k := range r.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve renders template key for locale. An unsupported locale falls back
// to the closest match and then to the default locale.
func (r *Resolver) Resolve(key, locale string, vars map[string]any) (*Content, error) {
	ct, ok := r.templates[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTemplateNotFound, key)
	}

	name, err := r.pickLocale(ct, locale)
	if err != nil {
		return nil, fmt.Errorf("%w: %q locale %q", ErrTemplateNotFound, key, locale)
	}
	cl := ct.locales[name]

	textData := make(map[string]any, len(ct.vars))
	htmlData := make(map[string]any, len(ct.vars))
	for _, v := range ct.vars {
		val, present := vars[v.Name]
		if !present || val == nil {
			if v.Required {
				return nil, &RenderError{Key: key, Locale: name, Part: "variables",
					Err: fmt.Errorf("missing required variable %q", v.Name)}
			}
			val = ""
		}
		textData[v.Name] = val
		if s, ok := val.(string); ok && v.Trusted {
			htmlData[v.Name] = htmltemplate.HTML(s)
		} else {
			htmlData[v.Name] = val
		}
	}

	content := &Content{Locale: name}
	if content.Subject, err = execText(cl.subject, textData); err != nil {
		return nil, &RenderError{Key: key, Locale: name, Part: "subject", Err: err}
	}
	content.Subject = strings.TrimSpace(content.Subject)
	if content.Text, err = execText(cl.text, textData); err != nil {
		return nil, &RenderError{Key: key, Locale: name, Part: "text", Err: err}
	}
	if cl.html != nil {
		var buf bytes.Buffer
		if err := cl.html.Execute(&buf, htmlData); err != nil {
			return nil, &RenderError{Key: key, Locale: name, Part: "html", Err: err}
		}
		content.HTML = buf.String()
	}

	return content, nil
}

func (r *Resolver) pickLocale(ct *compiledTemplate, locale string) (string, error) {
	if locale != "" {
		if tag, err := language.Parse(locale); err == nil {
			_, idx, conf := ct.matcher.Match(tag)
			if conf != language.No {
				return ct.names[idx], nil
			}
		} else {
			r.logger.Debug("unparseable locale, using default", zap.String("locale", locale))
		}
	}
	if _, ok := ct.locales[r.defaultLocale]; ok {
		return r.defaultLocale, nil
	}
	return "", ErrTemplateNotFound
}

func execText(t *texttemplate.Template, data map[string]any) (string, error) {
	if t == nil {
		return "", nil
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
