// Package tablenames allocates warehouse table names per category and
// guarantees they never collide.
package tablenames

import (
	"fmt"
	"strings"

	"github.com/malbeclabs/warehouse/tasks/pkg/conf"
)

type Category string

const (
	Computed      Category = "computed"
	Exposed       Category = "exposed"
	Report        Category = "report"
	TmpMonitoring Category = "tmp_monitoring"
)

// Categories lists every category in classification order.
var Categories = []Category{Computed, Exposed, Report, TmpMonitoring}

// registered are the categories whose names are enumerated up front.
var registered = []Category{Computed, Exposed, Report}

// Core names of the built-in report tables.
const (
	ReportConf              = "conf"
	ReportMonitoringDetails = "monitoring_details"
	ReportMonitoringQuery   = "monitoring_query"
)

// DefaultReportCoreNames are always registered first in the report category.
var DefaultReportCoreNames = []string{ReportConf, ReportMonitoringDetails, ReportMonitoringQuery}

// Affix decorates a core name into a table name.
type Affix struct {
	Prefix string
	Suffix string
}

// DefaultAffix returns the default decoration of a category: "<category>_"
// as prefix and no suffix.
func DefaultAffix(c Category) Affix {
	return Affix{Prefix: string(c) + "_"}
}

type Config struct {
	Computed []string
	Exposed  []string
	// Report core names registered after DefaultReportCoreNames.
	Report []string
	// ExcludeFromCheck lists computed core names left out of ToCheck.
	ExcludeFromCheck []string
	// Affixes overrides the decoration of some categories.
	Affixes map[Category]Affix
}

// Registry builds and validates table names. It is read-only once built.
type Registry struct {
	coreNames        map[Category][]string
	affixes          map[Category]Affix
	excludeFromCheck []string
}

// New builds a registry and checks every naming invariant, so that later
// lookups cannot fail.
func New(cfg Config) (*Registry, error) {
	r := &Registry{
		coreNames: map[Category][]string{
			Computed: append([]string(nil), cfg.Computed...),
			Exposed:  append([]string(nil), cfg.Exposed...),
			Report:   append(append([]string(nil), DefaultReportCoreNames...), cfg.Report...),
		},
		affixes:          make(map[Category]Affix, len(Categories)),
		excludeFromCheck: append([]string(nil), cfg.ExcludeFromCheck...),
	}
	for _, c := range Categories {
		r.affixes[c] = DefaultAffix(c)
	}
	for c, a := range cfg.Affixes {
		if !c.valid() {
			return nil, fmt.Errorf("%w: unknown category %q", conf.ErrConfiguration, c)
		}
		r.affixes[c] = a
	}

	for _, c := range registered {
		for _, core := range r.coreNames[c] {
			if core == "" {
				return nil, fmt.Errorf("%w: empty %s core name", conf.ErrConfiguration, c)
			}
		}
		if _, err := r.NamesFor(c); err != nil {
			return nil, err
		}
	}
	register, err := r.GlobalRegister()
	if err != nil {
		return nil, err
	}
	if a := r.affixes[TmpMonitoring]; a.Prefix == "" && a.Suffix == "" {
		return nil, fmt.Errorf("%w: %s affix must not be empty", conf.ErrConfiguration, TmpMonitoring)
	}
	for _, key := range register.Keys() {
		if table, _ := register.Get(key); r.matchesTmpMonitoring(table) {
			return nil, fmt.Errorf("%w: table %q registered by %q looks like a %s table", conf.ErrConfiguration, table, key, TmpMonitoring)
		}
	}
	if _, err := r.toCheck(); err != nil {
		return nil, err
	}
	return r, nil
}

func (c Category) valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Affix returns the decoration of a category.
func (r *Registry) Affix(c Category) Affix {
	return r.affixes[c]
}

// Build decorates core into the table name of category c.
func (r *Registry) Build(c Category, core string) string {
	a := r.affixes[c]
	return a.Prefix + core + a.Suffix
}

// BuildTmpMonitoring returns the monitoring table of a task.
func (r *Registry) BuildTmpMonitoring(taskName string) string {
	return r.Build(TmpMonitoring, taskName)
}

func (r *Registry) Computed(core string) string { return r.Build(Computed, core) }
func (r *Registry) Exposed(core string) string  { return r.Build(Exposed, core) }
func (r *Registry) Report(core string) string   { return r.Build(Report, core) }

// CoreNames returns the core names of a category in registration order.
func (r *Registry) CoreNames(c Category) []string {
	return append([]string(nil), r.coreNames[c]...)
}

// NamesFor maps every core name of c to its table name. Monitoring tables
// are created per task and cannot be enumerated.
func (r *Registry) NamesFor(c Category) (*Names, error) {
	if c == TmpMonitoring || !c.valid() {
		return nil, fmt.Errorf("%w: category %q has no registered names", conf.ErrConfiguration, c)
	}
	cores := r.coreNames[c]
	names := newNames(len(cores))
	for _, core := range cores {
		if _, dup := names.Get(core); dup {
			return nil, fmt.Errorf("%w: duplicate %s core name %q", conf.ErrConfiguration, c, core)
		}
		names.add(core, r.Build(c, core))
	}
	return names, nil
}

func (r *Registry) mustNamesFor(c Category) *Names {
	names, err := r.NamesFor(c)
	if err != nil {
		// New validated every registered category.
		panic(err)
	}
	return names
}

// Is reports whether table belongs to category c. Registered categories are
// checked by membership, monitoring tables by their decoration, and a
// registered table is never a monitoring table.
func (r *Registry) Is(c Category, table string) bool {
	if c == TmpMonitoring {
		return r.matchesTmpMonitoring(table) && !r.isRegistered(table)
	}
	if !c.valid() {
		return false
	}
	return r.mustNamesFor(c).Contains(table)
}

func (r *Registry) matchesTmpMonitoring(table string) bool {
	a := r.affixes[TmpMonitoring]
	return len(table) > len(a.Prefix)+len(a.Suffix) &&
		strings.HasPrefix(table, a.Prefix) &&
		strings.HasSuffix(table, a.Suffix)
}

func (r *Registry) isRegistered(table string) bool {
	for _, c := range registered {
		if r.mustNamesFor(c).Contains(table) {
			return true
		}
	}
	return false
}

// Classify returns the category of table.
func (r *Registry) Classify(table string) (Category, bool) {
	for _, c := range Categories {
		if r.Is(c, table) {
			return c, true
		}
	}
	return "", false
}

// GlobalRegister maps "<category>_<core>" to the table name for every
// computed, exposed and report table. Keys and values are unique.
func (r *Registry) GlobalRegister() (*Names, error) {
	register := newNames(0)
	seen := make(map[string]string)
	for _, c := range registered {
		names, err := r.NamesFor(c)
		if err != nil {
			return nil, err
		}
		for _, core := range names.Keys() {
			key := string(c) + "_" + core
			table, _ := names.Get(core)
			if _, dup := register.Get(key); dup {
				return nil, fmt.Errorf("%w: duplicate register key %q", conf.ErrConfiguration, key)
			}
			if other, dup := seen[table]; dup {
				return nil, fmt.Errorf("%w: table name %q registered by both %q and %q", conf.ErrConfiguration, table, other, key)
			}
			seen[table] = key
			register.add(key, table)
		}
	}
	return register, nil
}

// ToCheck returns the computed tables not excluded from checks, followed by
// the exposed tables.
func (r *Registry) ToCheck() []string {
	tables, err := r.toCheck()
	if err != nil {
		panic(err)
	}
	return tables
}

func (r *Registry) toCheck() ([]string, error) {
	computed, err := r.NamesFor(Computed)
	if err != nil {
		return nil, err
	}
	exposed, err := r.NamesFor(Exposed)
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(r.excludeFromCheck))
	for _, core := range r.excludeFromCheck {
		excluded[core] = true
	}

	var tables []string
	for _, core := range computed.Keys() {
		if !excluded[core] {
			t, _ := computed.Get(core)
			tables = append(tables, t)
		}
	}
	tables = append(tables, exposed.Values()...)

	seen := make(map[string]bool, len(tables))
	for _, t := range tables {
		if seen[t] {
			return nil, fmt.Errorf("%w: duplicate table %q in tables to check", conf.ErrConfiguration, t)
		}
		seen[t] = true
	}
	return tables, nil
}

// IsToDelete reports whether table is temporary and must be dropped at the
// end of a pipeline.
func (r *Registry) IsToDelete(table string) bool {
	c, ok := r.Classify(table)
	return ok && c == TmpMonitoring
}
