// Package strategy loads prompt templates and tool schemas that shape
// how the model sees a run. A strategy is a directory of four files:
//
//	STRATEGY.md.tmpl   high-level guidance
//	GAMESTATE.md.tmpl  rendering of the current game state
//	MEMORY.md.tmpl     action history and error context
//	TOOLS.json         tool definitions keyed by game state label
//
// plus a manifest.json with authorship metadata. The default strategy
// ships embedded in the binary; a strategies directory on disk takes
// precedence when it contains the requested name.
package strategy

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"text/template"

	"github.com/coder/balatrollm/internal/game"
)

//go:embed strategies
var builtins embed.FS

var requiredFiles = []string{
	"STRATEGY.md.tmpl",
	"GAMESTATE.md.tmpl",
	"MEMORY.md.tmpl",
	"TOOLS.json",
	"manifest.json",
}

// Manifest is the metadata block every strategy must carry.
type Manifest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Author      string   `json:"author"`
	Version     string   `json:"version"`
	Tags        []string `json:"tags"`
}

// HistoryEntry is one executed tool call, kept for the memory prompt.
type HistoryEntry struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Strategy is a loaded, parse-checked strategy directory.
type Strategy struct {
	Name     string
	Manifest Manifest

	templates *template.Template
	tools     map[string][]json.RawMessage
}

var templateFuncs = template.FuncMap{
	"fromJSON": func(s string) (any, error) {
		var v any
		err := json.Unmarshal([]byte(s), &v)
		return v, err
	},
	"toJSON": func(v any) (string, error) {
		data, err := json.MarshalIndent(v, "", "  ")
		return string(data), err
	},
}

// Load opens the named strategy. When dir is non-empty and contains the
// strategy, the on-disk copy wins; otherwise the embedded set is used.
func Load(name, dir string) (*Strategy, error) {
	if dir != "" {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return loadFS(os.DirFS(dir), name)
		}
	}
	s, err := loadFS(builtins, filepath.Join("strategies", name))
	if err != nil {
		return nil, fmt.Errorf("strategy %q not found: %w", name, err)
	}
	return s, nil
}

func loadFS(fsys fs.FS, root string) (*Strategy, error) {
	for _, f := range requiredFiles {
		if _, err := fs.Stat(fsys, filepath.Join(root, f)); err != nil {
			return nil, fmt.Errorf("strategy missing required file %s: %w", f, err)
		}
	}

	s := &Strategy{Name: filepath.Base(root)}

	data, err := fs.ReadFile(fsys, filepath.Join(root, "manifest.json"))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.Manifest); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if s.Manifest.Name == "" || s.Manifest.Version == "" {
		return nil, fmt.Errorf("manifest for %q missing name or version", s.Name)
	}

	data, err = fs.ReadFile(fsys, filepath.Join(root, "TOOLS.json"))
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &s.tools); err != nil {
		return nil, fmt.Errorf("parse TOOLS.json: %w", err)
	}

	s.templates = template.New("").Funcs(templateFuncs)
	for _, f := range requiredFiles[:3] {
		data, err := fs.ReadFile(fsys, filepath.Join(root, f))
		if err != nil {
			return nil, err
		}
		if _, err := s.templates.New(f).Parse(string(data)); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", f, err)
		}
	}
	return s, nil
}

func (s *Strategy) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// RenderStrategy produces the strategic-guidance section of the prompt.
func (s *Strategy) RenderStrategy(gs game.GameState) (string, error) {
	return s.render("STRATEGY.md.tmpl", map[string]any{"G": gs})
}

// RenderGamestate produces the game-state section of the prompt.
func (s *Strategy) RenderGamestate(gs game.GameState) (string, error) {
	return s.render("GAMESTATE.md.tmpl", map[string]any{"G": gs})
}

// RenderMemory produces the history section of the prompt. lastError
// carries the message from the most recent malformed model response,
// lastFailure the message from the most recent rejected game call;
// either may be empty.
func (s *Strategy) RenderMemory(history []HistoryEntry, lastError, lastFailure string) (string, error) {
	return s.render("MEMORY.md.tmpl", map[string]any{
		"History":     history,
		"LastError":   lastError,
		"LastFailure": lastFailure,
	})
}

// Tools returns the tool schemas for a game state label, or nil when
// the strategy defines none for it.
func (s *Strategy) Tools(state game.State) []json.RawMessage {
	return s.tools[string(state)]
}

// List returns the manifests of every available strategy, embedded and
// on-disk merged, with on-disk entries shadowing embedded ones of the
// same name. Sorted by name.
func List(dir string) ([]Manifest, error) {
	byName := make(map[string]Manifest)

	entries, err := fs.ReadDir(builtins, "strategies")
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := loadFS(builtins, filepath.Join("strategies", e.Name()))
		if err != nil {
			continue
		}
		byName[e.Name()] = s.Manifest
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			s, err := loadFS(os.DirFS(dir), e.Name())
			if err != nil {
				continue
			}
			byName[e.Name()] = s.Manifest
		}
	}

	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]Manifest, 0, len(names))
	for _, n := range names {
		out = append(out, byName[n])
	}
	return out, nil
}
