package buildpack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"text/template"

	"github.com/depker/depker/domain"
)

// templateData is the root object of every recipe template
type templateData struct {
	Service *domain.Service
	Options any
	Project *Project
}

func funcs(p *Project) template.FuncMap {
	return template.FuncMap{
		"exists": p.Exists,
		"read": func(rel string) (string, error) {
			return p.Read(rel)
		},
		"json": func(s string) (map[string]any, error) {
			out := map[string]any{}
			if strings.TrimSpace(s) == "" {
				return out, nil
			}
			if err := json.Unmarshal([]byte(s), &out); err != nil {
				return nil, err
			}
			return out, nil
		},
		"script": func(name string) bool {
			return packageScript(p, name)
		},
		"command": command,
		"default": func(fallback, value any) any {
			if empty(value) {
				return fallback
			}
			return value
		},
		"join": func(sep string, values []string) string {
			return strings.Join(values, sep)
		},
	}
}

// renderDockerfile renders a Dockerfile template and strips the template indentation
func renderDockerfile(name, text string, p *Project, svc *domain.Service, options any) (string, error) {
	out, err := render(name, text, p, svc, options)
	if err != nil {
		return "", err
	}
	return tidy(out), nil
}

// render executes a recipe template against the project
func render(name, text string, p *Project, svc *domain.Service, options any) (string, error) {
	tmpl, err := template.New(name).Funcs(funcs(p)).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, templateData{Service: svc, Options: options, Project: p}); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}

// command formats a shell string as is and a list as an exec form JSON array
func command(value any) (string, error) {
	switch v := value.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func empty(value any) bool {
	if value == nil {
		return true
	}
	v := reflect.ValueOf(value)
	switch v.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return v.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	default:
		return v.IsZero()
	}
}

func packageScript(p *Project, name string) bool {
	data, err := p.Read("package.json")
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(data), &pkg); err != nil {
		return false
	}
	return pkg.Scripts[name] != ""
}

// tidy strips template indentation and collapses runs of blank lines
func tidy(s string) string {
	var out []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimRight(line, " \t")
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		if strings.HasPrefix(line, "  ") && !strings.HasSuffix(prev(out), "\\") {
			line = trimmed
		}
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n")) + "\n"
}

func prev(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
