package templates

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/terra-clan/cert-engine/internal/models"
)

// Certificate is a layout for one or more certificate types of an activity kind
type Certificate struct {
	Name             string
	Kind             models.ActivityKind
	CertificateTypes []string
	Heading          string
	Width            int
	Height           int
	Background       string
	Accent           string
	FontFamily       string

	svg         *template.Template
	description *template.Template
	titles      map[string]string
}

// RenderData is the deterministic input of a certificate
type RenderData struct {
	RecipientName   string
	ActivityTitle   string
	ActivityKind    string
	CertificateType string
	Award           string
	IssuedOn        string
}

// templateFile is the YAML representation of a certificate template
type templateFile struct {
	Name             string            `yaml:"name"`
	Kind             string            `yaml:"kind"`
	CertificateTypes []string          `yaml:"certificate_types"`
	Heading          string            `yaml:"heading"`
	Awards           map[string]string `yaml:"awards"`
	Description      string            `yaml:"description"`
	Layout           struct {
		Width      int    `yaml:"width"`
		Height     int    `yaml:"height"`
		Background string `yaml:"background"`
		Accent     string `yaml:"accent"`
		FontFamily string `yaml:"font_family"`
	} `yaml:"layout"`
	SVG string `yaml:"svg"`
}

// Loader manages loading and lookup of certificate templates
type Loader struct {
	mu        sync.RWMutex
	templates map[string]*Certificate
	fallback  *Certificate
}

// NewLoader creates a loader holding only the built-in fallback template
func NewLoader() *Loader {
	fallback, err := parse(defaultTemplate())
	if err != nil {
		panic(fmt.Sprintf("built-in certificate template: %v", err))
	}
	return &Loader{
		templates: make(map[string]*Certificate),
		fallback:  fallback,
	}
}

// LoadFromDir loads all YAML templates from a directory
func (l *Loader) LoadFromDir(dir string) error {
	slog.Info("loading certificate templates from directory", "dir", dir)

	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return fmt.Errorf("failed to list templates: %w", err)
		}
		files = append(files, matches...)
	}

	loaded := 0
	for _, file := range files {
		if err := l.LoadFromFile(file); err != nil {
			slog.Warn("failed to load certificate template", "file", file, "error", err)
			continue
		}
		loaded++
	}

	slog.Info("certificate templates loaded", "count", loaded, "total_files", len(files))
	return nil
}

// LoadFromFile loads a single template from a YAML file
func (l *Loader) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var tf templateFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	cert, err := parse(tf)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.templates[cert.Name] = cert
	l.mu.Unlock()

	slog.Debug("certificate template loaded", "name", cert.Name, "kind", cert.Kind)
	return nil
}

// Lookup returns the template for kind and certType, falling back to the built-in layout
func (l *Loader) Lookup(kind models.ActivityKind, certType string) *Certificate {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		t := l.templates[name]
		if t.Kind != kind {
			continue
		}
		for _, ct := range t.CertificateTypes {
			if ct == certType {
				return t
			}
		}
	}
	return l.fallback
}

// List returns the names of loaded templates
func (l *Loader) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.templates))
	for name := range l.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Render produces the SVG document for data. Output depends only on data.
func (c *Certificate) Render(data RenderData) ([]byte, error) {
	data = c.withAward(data)

	escaped := RenderData{
		RecipientName:   escape(data.RecipientName),
		ActivityTitle:   escape(data.ActivityTitle),
		ActivityKind:    escape(data.ActivityKind),
		CertificateType: escape(data.CertificateType),
		Award:           escape(data.Award),
		IssuedOn:        escape(data.IssuedOn),
	}

	var buf bytes.Buffer
	err := c.svg.Execute(&buf, struct {
		RenderData
		Heading    string
		Width      int
		Height     int
		Background string
		Accent     string
		FontFamily string
	}{escaped, escape(c.Heading), c.Width, c.Height, c.Background, c.Accent, escape(c.FontFamily)})
	if err != nil {
		return nil, fmt.Errorf("failed to render certificate: %w", err)
	}
	return buf.Bytes(), nil
}

// Describe renders the metadata description for data
func (c *Certificate) Describe(data RenderData) (string, error) {
	var buf bytes.Buffer
	if err := c.description.Execute(&buf, c.withAward(data)); err != nil {
		return "", fmt.Errorf("failed to render description: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

func (c *Certificate) withAward(data RenderData) RenderData {
	if data.Award == "" {
		if title, ok := c.titles[data.CertificateType]; ok {
			data.Award = title
		} else {
			data.Award = capitalize(data.CertificateType)
		}
	}
	return data
}

func parse(tf templateFile) (*Certificate, error) {
	if tf.Name == "" {
		return nil, fmt.Errorf("template name is required")
	}
	kind := models.ActivityKind(tf.Kind)
	if !kind.Valid() {
		return nil, fmt.Errorf("template %s: unknown kind %q", tf.Name, tf.Kind)
	}
	if tf.SVG == "" {
		return nil, fmt.Errorf("template %s: svg is required", tf.Name)
	}

	svg, err := template.New(tf.Name).Option("missingkey=error").Parse(tf.SVG)
	if err != nil {
		return nil, fmt.Errorf("template %s: invalid svg template: %w", tf.Name, err)
	}

	desc := tf.Description
	if desc == "" {
		desc = "Certificate for completing {{.ActivityTitle}}"
	}
	description, err := template.New(tf.Name + "-description").Parse(desc)
	if err != nil {
		return nil, fmt.Errorf("template %s: invalid description: %w", tf.Name, err)
	}

	c := &Certificate{
		Name:             tf.Name,
		Kind:             kind,
		CertificateTypes: tf.CertificateTypes,
		Heading:          tf.Heading,
		Width:            tf.Layout.Width,
		Height:           tf.Layout.Height,
		Background:       tf.Layout.Background,
		Accent:           tf.Layout.Accent,
		FontFamily:       tf.Layout.FontFamily,
		svg:              svg,
		description:      description,
		titles:           tf.Awards,
	}

	if c.Width == 0 {
		c.Width = 1200
	}
	if c.Height == 0 {
		c.Height = 850
	}
	if c.Background == "" {
		c.Background = "#ffffff"
	}
	if c.Accent == "" {
		c.Accent = "#1f3a93"
	}
	if c.FontFamily == "" {
		c.FontFamily = "Georgia, serif"
	}
	if c.Heading == "" {
		c.Heading = "Certificate"
	}
	return c, nil
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func escape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

func defaultTemplate() templateFile {
	tf := templateFile{
		Name:        "default",
		Kind:        string(models.KindHackathon),
		Heading:     "Certificate",
		Description: "Certificate for completing {{.ActivityTitle}}",
		SVG: `<svg xmlns="http://www.w3.org/2000/svg" width="{{.Width}}" height="{{.Height}}" viewBox="0 0 {{.Width}} {{.Height}}">
  <rect width="100%" height="100%" fill="{{.Background}}"/>
  <rect x="30" y="30" width="{{.Width}}" height="{{.Height}}" fill="none" stroke="{{.Accent}}" stroke-width="8" transform="scale(0.95) translate(2 2)"/>
  <text x="50%" y="22%" text-anchor="middle" font-family="{{.FontFamily}}" font-size="64" fill="{{.Accent}}">{{.Heading}}</text>
  <text x="50%" y="34%" text-anchor="middle" font-family="{{.FontFamily}}" font-size="32">{{.Award}}</text>
  <text x="50%" y="46%" text-anchor="middle" font-family="{{.FontFamily}}" font-size="24">presented to</text>
  <text x="50%" y="56%" text-anchor="middle" font-family="{{.FontFamily}}" font-size="48">{{.RecipientName}}</text>
  <text x="50%" y="68%" text-anchor="middle" font-family="{{.FontFamily}}" font-size="28">{{.ActivityTitle}}</text>
  <text x="50%" y="84%" text-anchor="middle" font-family="{{.FontFamily}}" font-size="20">{{.IssuedOn}}</text>
</svg>
`,
	}
	tf.Awards = map[string]string{
		"participation": "Certificate of Participation",
		"completion":    "Certificate of Completion",
		"winner1":       "First Place",
		"winner2":       "Second Place",
		"winner3":       "Third Place",
	}
	return tf
}
