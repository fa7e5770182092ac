// Package language holds the catalog of editor languages and their starter
// templates.
package language

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed languages.yaml
var builtin []byte

// Language describes one language the editor offers.
type Language struct {
	ID            string `yaml:"id" json:"id"`
	Name          string `yaml:"name" json:"name"`
	Version       string `yaml:"version" json:"version"`
	FileExtension string `yaml:"file_extension" json:"file_extension"`
	EditorMode    string `yaml:"editor_mode" json:"editor_mode"`
	RunInBrowser  bool   `yaml:"run_in_browser" json:"run_in_browser"`
	DefaultCode   string `yaml:"default_code" json:"default_code"`
}

// Catalog is an ordered, read-only set of languages.
type Catalog struct {
	languages []Language
	byID      map[string]int
}

type catalogFile struct {
	Languages []Language `yaml:"languages"`
}

// Default returns the catalog compiled into the binary.
func Default() *Catalog {
	c, err := Parse(builtin)
	if err != nil {
		panic(fmt.Sprintf("builtin language catalog: %v", err))
	}
	return c
}

// Load reads a catalog file. An empty path returns the built-in catalog.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading language catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes a yaml catalog. Ids are lowercased; duplicates and entries
// without a template are rejected.
func Parse(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing language catalog: %w", err)
	}
	if len(f.Languages) == 0 {
		return nil, fmt.Errorf("language catalog is empty")
	}

	c := &Catalog{byID: make(map[string]int, len(f.Languages))}
	for _, lang := range f.Languages {
		lang.ID = strings.ToLower(strings.TrimSpace(lang.ID))
		if lang.ID == "" {
			return nil, fmt.Errorf("language without id")
		}
		if _, dup := c.byID[lang.ID]; dup {
			return nil, fmt.Errorf("duplicate language %q", lang.ID)
		}
		if lang.DefaultCode == "" {
			return nil, fmt.Errorf("language %q has no default_code", lang.ID)
		}
		c.byID[lang.ID] = len(c.languages)
		c.languages = append(c.languages, lang)
	}
	return c, nil
}

// List returns the languages in catalog order.
func (c *Catalog) List() []Language {
	out := make([]Language, len(c.languages))
	copy(out, c.languages)
	return out
}

func (c *Catalog) Get(id string) (Language, bool) {
	i, ok := c.byID[strings.ToLower(id)]
	if !ok {
		return Language{}, false
	}
	return c.languages[i], true
}

// Template returns the starter code for a language.
func (c *Catalog) Template(id string) (string, bool) {
	lang, ok := c.Get(id)
	if !ok {
		return "", false
	}
	return lang.DefaultCode, true
}
