// Package templates renders operator-supplied response messages.
package templates

import (
	"errors"
	"fmt"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// blockedFuncs read the process environment or the filesystem. Rendered text
// ends up in client responses, so they are never available.
var blockedFuncs = []string{
	"env",
	"expandenv",
	"readDir",
	"mustReadDir",
	"readFile",
	"mustReadFile",
	"glob",
}

// Renderer compiles message templates with the sprig function set.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled message. It is safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	for _, name := range blockedFuncs {
		delete(funcs, name)
	}
	return &Renderer{funcs: funcs}
}

// CompileInline parses source. A blank source yields a nil template and no
// error so optional messages can fall back to a fixed text.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	if name == "" {
		name = "message"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var sb strings.Builder
	if err := t.tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("templates: render %q: %w", t.name, err)
	}
	return sb.String(), nil
}

// Name is the template name used in errors and logs. It is empty for a nil template.
func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}
