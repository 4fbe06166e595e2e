// Package catalog exposes the addressable entity types and their fields.
// The set is rebuilt from its source (and optionally trimmed to the live
// database schema) whenever the cached copy is older than its TTL.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"nlcqe-workers/internal/common/logger"
	"nlcqe-workers/internal/engine/textnorm"
	"nlcqe-workers/pkg/registry"
)

type (
	Entity    = registry.Entity
	Field     = registry.Field
	FieldType = registry.FieldType
)

const (
	FieldString   = registry.FieldString
	FieldNumber   = registry.FieldNumber
	FieldDate     = registry.FieldDate
	FieldEnum     = registry.FieldEnum
	FieldBool     = registry.FieldBool
	FieldRelation = registry.FieldRelation
)

//go:embed entities.json
var builtinRegistry []byte

// Source supplies entity definitions.
type Source interface {
	Load(ctx context.Context) ([]Entity, error)
}

type builtinSource struct{}

// Builtin returns the entity set compiled into the binary.
func Builtin() Source { return builtinSource{} }

func (builtinSource) Load(context.Context) ([]Entity, error) {
	reg, err := registry.Parse(builtinRegistry)
	if err != nil {
		return nil, fmt.Errorf("builtin registry: %w", err)
	}
	return reg.Entities, nil
}

type fileSource struct {
	path string
}

// FromFile reads a registry document on every load so edits are picked up
// when the cache expires.
func FromFile(path string) Source { return fileSource{path: path} }

func (s fileSource) Load(context.Context) ([]Entity, error) {
	reg, err := registry.LoadRegistry(s.path)
	if err != nil {
		return nil, fmt.Errorf("load registry %s: %w", s.path, err)
	}
	return reg.Entities, nil
}

// Schema is an immutable view of the catalog at one point in time.
type Schema struct {
	entities []Entity
	byName   map[string]int
	keywords [][]string
	LoadedAt time.Time
}

func NewSchema(entities []Entity, loadedAt time.Time) *Schema {
	s := &Schema{
		entities: entities,
		byName:   make(map[string]int, len(entities)),
		keywords: make([][]string, len(entities)),
		LoadedAt: loadedAt,
	}
	for i, e := range entities {
		s.byName[e.Name] = i
		for _, kw := range e.Keywords {
			if folded := textnorm.Fold(kw); folded != "" {
				s.keywords[i] = append(s.keywords[i], folded)
			}
		}
	}
	return s
}

func (s *Schema) Get(name string) (Entity, bool) {
	i, ok := s.byName[name]
	if !ok {
		return Entity{}, false
	}
	return s.entities[i], true
}

func (s *Schema) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

func (s *Schema) Names() []string {
	names := make([]string, len(s.entities))
	for i, e := range s.entities {
		names[i] = e.Name
	}
	return names
}

func (s *Schema) Entities() []Entity {
	return append([]Entity(nil), s.entities...)
}

// Match finds the entity whose keyword appears earliest in the normalized
// text. Longer keywords win at the same position; declaration order breaks
// the remaining ties.
func (s *Schema) Match(normalized string) (Entity, bool) {
	best, bestPos, bestLen := -1, -1, 0
	for i := range s.entities {
		for _, kw := range s.keywords[i] {
			pos := strings.Index(normalized, kw)
			if pos < 0 {
				continue
			}
			if best < 0 || pos < bestPos || (pos == bestPos && len(kw) > bestLen) {
				best, bestPos, bestLen = i, pos, len(kw)
			}
		}
	}
	if best < 0 {
		return Entity{}, false
	}
	return s.entities[best], true
}

// Summary renders a compact description for generative prompts. It carries
// names and field types only, never data.
func (s *Schema) Summary() string {
	var b strings.Builder
	for _, e := range s.entities {
		fields := make([]string, 0, len(e.Fields))
		for _, f := range e.Fields {
			fields = append(fields, fmt.Sprintf("%s:%s", f.Name, f.Type))
		}
		fmt.Fprintf(&b, "- %s (%s): %s", e.Name, e.PluralLabel, strings.Join(fields, ", "))
		if len(e.Actions) > 0 {
			actions := append([]string(nil), e.Actions...)
			sort.Strings(actions)
			fmt.Fprintf(&b, " | actions: %s", strings.Join(actions, ","))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

type Option func(*Catalog)

// WithLiveSchema trims every load to the tables and columns present in the
// database.
func WithLiveSchema(live *LiveSchema) Option {
	return func(c *Catalog) { c.live = live }
}

func WithClock(now func() time.Time) Option {
	return func(c *Catalog) { c.now = now }
}

// Catalog caches a Schema for ttl. It is created once per process.
type Catalog struct {
	source Source
	live   *LiveSchema
	ttl    time.Duration
	now    func() time.Time
	logger logger.Logger

	mu      sync.Mutex
	current *Schema
	expired bool
}

func New(source Source, ttl time.Duration, log logger.Logger, opts ...Option) *Catalog {
	c := &Catalog{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.Component(log, "catalog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Schema returns the cached schema, reloading it once expired. A failed
// reload keeps serving the previous schema.
func (c *Catalog) Schema(ctx context.Context) (*Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil && !c.expired && c.now().Sub(c.current.LoadedAt) < c.ttl {
		return c.current, nil
	}

	entities, err := c.source.Load(ctx)
	if err != nil {
		if c.current != nil {
			c.logger.Warn("catalog reload failed, serving stale schema", map[string]interface{}{"error": err.Error()})
			return c.current, nil
		}
		return nil, err
	}

	if c.live != nil {
		trimmed, err := c.live.Trim(ctx, entities)
		if err != nil {
			c.logger.Warn("live schema unavailable, using declared entities", map[string]interface{}{"error": err.Error()})
		} else {
			entities = trimmed
		}
	}

	c.current = NewSchema(entities, c.now())
	c.expired = false
	c.logger.Info("catalog loaded", map[string]interface{}{"entities": len(entities)})
	return c.current, nil
}

// Invalidate forces the next Schema call to reload.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.expired = true
	c.mu.Unlock()
}
