package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/iago/jyotish-reports/internal/domain"
	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var embeddedCatalog []byte

// Catalog is the YAML document report and alert prompts are compiled from.
type Catalog struct {
	System    string            `yaml:"system"`
	Languages map[string]string `yaml:"languages"`
	Partials  map[string]string `yaml:"partials"`
	Reports   map[string]Entry  `yaml:"reports"`
	Alerts    Entry             `yaml:"alerts"`
}

// Entry is one prompt template. System, when set, replaces the catalog's
// system prompt for this entry.
type Entry struct {
	Title    string `yaml:"title"`
	System   string `yaml:"system,omitempty"`
	Template string `yaml:"template"`
}

// Builder renders the user prompt of one report type.
type Builder func(chart domain.ChartData, language domain.Language) (string, error)

type registered struct {
	title   string
	system  string
	builder Builder
}

// Registry resolves report types to prompt builders. Every type is known
// once the registry is constructed; Build and Messages never load anything.
type Registry struct {
	mu        sync.RWMutex
	system    string
	languages map[string]string
	reports   map[string]registered
	alerts    registered
	now       func() time.Time
}

func ParseCatalog(raw []byte) (Catalog, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return Catalog{}, fmt.Errorf("decode prompt catalog: %w", err)
	}
	return catalog, nil
}

// Load compiles the embedded catalog, merged with the YAML file at
// overridePath when one is given. Override entries replace embedded entries
// with the same key.
func Load(overridePath string) (*Registry, error) {
	catalog, err := ParseCatalog(embeddedCatalog)
	if err != nil {
		return nil, err
	}

	if path := strings.TrimSpace(overridePath); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read prompt catalog override: %w", err)
		}
		override, err := ParseCatalog(raw)
		if err != nil {
			return nil, err
		}
		catalog = mergeCatalog(catalog, override)
	}

	return New(catalog)
}

// New compiles every template of the catalog. A template that fails to
// parse fails construction.
func New(catalog Catalog) (*Registry, error) {
	if strings.TrimSpace(catalog.System) == "" {
		return nil, errors.New("prompt catalog: system prompt is required")
	}

	r := &Registry{
		system:    strings.TrimSpace(catalog.System),
		languages: make(map[string]string, len(catalog.Languages)),
		reports:   make(map[string]registered, len(catalog.Reports)),
		now:       time.Now,
	}
	for code, instruction := range catalog.Languages {
		r.languages[code] = strings.TrimSpace(instruction)
	}

	for reportType, entry := range catalog.Reports {
		builder, err := r.compile(reportType, entry, catalog.Partials)
		if err != nil {
			return nil, err
		}
		r.reports[reportType] = registered{title: entry.Title, system: entry.System, builder: builder}
	}

	if strings.TrimSpace(catalog.Alerts.Template) != "" {
		builder, err := r.compile("alerts", catalog.Alerts, catalog.Partials)
		if err != nil {
			return nil, err
		}
		r.alerts = registered{title: catalog.Alerts.Title, system: catalog.Alerts.System, builder: builder}
	}
	return r, nil
}

func (r *Registry) compile(name string, entry Entry, partials map[string]string) (Builder, error) {
	if strings.TrimSpace(entry.Template) == "" {
		return nil, fmt.Errorf("prompt %s: template is required", name)
	}

	root := template.New(name).Funcs(templateFuncs).Option("missingkey=error")
	for partial, source := range partials {
		if _, err := root.New(partial).Parse(source); err != nil {
			return nil, fmt.Errorf("prompt %s: parse partial %s: %w", name, partial, err)
		}
	}
	if _, err := root.Parse(entry.Template); err != nil {
		return nil, fmt.Errorf("prompt %s: parse template: %w", name, err)
	}

	return func(chart domain.ChartData, language domain.Language) (string, error) {
		view := chartView{chart: chart, Language: normalizeLanguage(language), Year: r.clock().Year()}
		var out strings.Builder
		if err := root.Execute(&out, view); err != nil {
			return "", fmt.Errorf("render prompt %s: %w", name, err)
		}
		return strings.TrimSpace(out.String()), nil
	}, nil
}

// Register adds or replaces the builder of a report type.
func (r *Registry) Register(reportType, title string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports[reportType] = registered{title: title, builder: builder}
}

func (r *Registry) Has(reportType string) bool {
	_, ok := r.lookup(reportType)
	return ok
}

// Types lists the registered report types in lexical order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.reports))
	for reportType := range r.reports {
		types = append(types, reportType)
	}
	sort.Strings(types)
	return types
}

func (r *Registry) Title(reportType string) string {
	entry, ok := r.lookup(reportType)
	if !ok {
		return ""
	}
	return entry.title
}

// Build renders the user prompt of reportType.
func (r *Registry) Build(reportType string, chart domain.ChartData, language domain.Language) (string, error) {
	entry, ok := r.lookup(reportType)
	if !ok {
		return "", fmt.Errorf("%w: %q", domain.ErrUnknownReportType, reportType)
	}
	return entry.builder(chart, language)
}

// Messages returns the system and user messages for one report generation.
func (r *Registry) Messages(reportType string, chart domain.ChartData, language domain.Language) ([]domain.ChatMessage, error) {
	entry, ok := r.lookup(reportType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownReportType, reportType)
	}
	return r.messages(entry, chart, language)
}

// AlertMessages returns the messages for one transit alert generation.
func (r *Registry) AlertMessages(chart domain.ChartData, language domain.Language) ([]domain.ChatMessage, error) {
	r.mu.RLock()
	entry := r.alerts
	r.mu.RUnlock()
	if entry.builder == nil {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownReportType, "alerts")
	}
	return r.messages(entry, chart, language)
}

func (r *Registry) messages(entry registered, chart domain.ChartData, language domain.Language) ([]domain.ChatMessage, error) {
	user, err := entry.builder(chart, language)
	if err != nil {
		return nil, err
	}
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: r.systemPrompt(entry, language)},
		{Role: domain.RoleUser, Content: user},
	}, nil
}

func (r *Registry) systemPrompt(entry registered, language domain.Language) string {
	system := r.system
	if custom := strings.TrimSpace(entry.system); custom != "" {
		system = custom
	}
	instruction := r.languages[string(normalizeLanguage(language))]
	if instruction == "" {
		return system
	}
	return system + "\n\n" + instruction
}

func (r *Registry) lookup(reportType string) (registered, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.reports[reportType]
	return entry, ok
}

func (r *Registry) clock() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}

func normalizeLanguage(language domain.Language) domain.Language {
	if language == domain.LanguageHindi {
		return domain.LanguageHindi
	}
	return domain.LanguageEnglish
}

func mergeCatalog(base, override Catalog) Catalog {
	if strings.TrimSpace(override.System) != "" {
		base.System = override.System
	}
	base.Languages = mergeStrings(base.Languages, override.Languages)
	base.Partials = mergeStrings(base.Partials, override.Partials)

	reports := make(map[string]Entry, len(base.Reports)+len(override.Reports))
	for reportType, entry := range base.Reports {
		reports[reportType] = entry
	}
	for reportType, entry := range override.Reports {
		reports[reportType] = entry
	}
	base.Reports = reports

	if strings.TrimSpace(override.Alerts.Template) != "" {
		base.Alerts = override.Alerts
	}
	return base
}

func mergeStrings(base, override map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(override))
	for key, value := range base {
		merged[key] = value
	}
	for key, value := range override {
		merged[key] = value
	}
	return merged
}

var monthNames = []string{
	"January", "February", "March", "April", "May", "June",
	"July", "August", "September", "October", "November", "December",
}

var templateFuncs = template.FuncMap{
	"list":   func(items ...string) []string { return items },
	"months": func() []string { return monthNames },
	"add":    func(a, b int) int { return a + b },
}
