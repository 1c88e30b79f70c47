package agents

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed prompts/*.md
var promptFS embed.FS

// templateFuncs provides custom functions for prompt templates.
var templateFuncs = template.FuncMap{
	"title": cases.Title(language.English).String, // "code_writer" -> "Code_writer"
	"upper": strings.ToUpper,
	"lower": strings.ToLower,
	"join":  strings.Join,
}

// PromptData carries everything the prompt templates may reference.
type PromptData struct {
	Agent       string
	Task        string
	DesignID    string
	Description string
	DocPath     string
	OutputFile  string
	Comments    []string
	IssueKey    string
	Feature     string
	Summary     string
	Foundation  bool
	PRNumber    int
	Branch      string
	CILogs      string
}

// PromptRenderer renders task prompts. Templates ship embedded; a directory
// override lets operators tune them without rebuilding.
type PromptRenderer struct {
	dir string
}

// NewPromptRenderer builds a renderer. dir may be empty to use the embedded
// templates.
func NewPromptRenderer(dir string) *PromptRenderer {
	return &PromptRenderer{dir: dir}
}

// Render renders the prompt for a task. The template file is <task>.md, with
// shared-rules.md available as a named sub-template.
func (r *PromptRenderer) Render(task string, data PromptData) (string, error) {
	data.Task = task

	tmpl := template.New("prompt").Funcs(templateFuncs)

	if shared, err := r.read("shared-rules.md"); err == nil {
		if _, err := tmpl.New("shared-rules.md").Parse(string(shared)); err != nil {
			return "", fmt.Errorf("parse shared-rules template: %w", err)
		}
	}

	main, err := r.read(task + ".md")
	if err != nil {
		return "", fmt.Errorf("read prompt template for task %s: %w", task, err)
	}
	if _, err := tmpl.Parse(string(main)); err != nil {
		return "", fmt.Errorf("parse prompt template for task %s: %w", task, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt for task %s: %w", task, err)
	}
	return buf.String(), nil
}

func (r *PromptRenderer) read(name string) ([]byte, error) {
	if r.dir != "" {
		if b, err := os.ReadFile(filepath.Join(r.dir, name)); err == nil { // #nosec G304 -- dir from operator config
			return b, nil
		}
	}
	return promptFS.ReadFile("prompts/" + name)
}
