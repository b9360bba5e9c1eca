// README: Route catalog loaded from YAML; supplies ordered stops and the final destination per route.
package route

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"ridetrack/internal/geo"
	"ridetrack/internal/modules/proximity"
	"ridetrack/internal/types"
)

var ErrNotFound = errors.New("route not found")

// Default final point used when a route does not declare one.
var DefaultFinal = PointConfig{ID: "terminal", Name: "Terminal/Base", Lat: -0.172964, Lng: -78.484001}

type PointConfig struct {
	ID   string  `yaml:"id" validate:"required"`
	Name string  `yaml:"name"`
	Lat  float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Lng  float64 `yaml:"lng" validate:"gte=-180,lte=180"`
}

type RouteConfig struct {
	ID    string        `yaml:"id" validate:"required"`
	Name  string        `yaml:"name"`
	Stops []PointConfig `yaml:"stops" validate:"dive"`
	Final *PointConfig  `yaml:"final"`
}

type fileConfig struct {
	DefaultFinal *PointConfig  `yaml:"default_final"`
	Routes       []RouteConfig `yaml:"routes" validate:"dive"`
}

type Route struct {
	ID    types.ID           `json:"id"`
	Name  string             `json:"name"`
	Stops []proximity.Target `json:"stops"`
	Final *proximity.Target  `json:"final,omitempty"`
}

type Catalog struct {
	mu     sync.RWMutex
	routes map[types.ID]Route
}

func NewCatalog(routes ...Route) *Catalog {
	c := &Catalog{routes: make(map[types.ID]Route)}
	for _, r := range routes {
		c.routes[r.ID] = r
	}
	return c
}

// LoadFile reads a YAML catalog. A missing file yields an empty catalog.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewCatalog(), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse routes: %w", err)
	}
	v := validator.New()
	if err := v.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate routes: %w", err)
	}
	def := DefaultFinal
	if cfg.DefaultFinal != nil {
		if err := v.Struct(cfg.DefaultFinal); err != nil {
			return nil, fmt.Errorf("validate default_final: %w", err)
		}
		def = *cfg.DefaultFinal
	}

	c := NewCatalog()
	for _, rc := range cfg.Routes {
		r, err := buildRoute(rc, def)
		if err != nil {
			return nil, err
		}
		if _, dup := c.routes[r.ID]; dup {
			return nil, fmt.Errorf("route %s declared twice", r.ID)
		}
		c.routes[r.ID] = r
	}
	return c, nil
}

func buildRoute(rc RouteConfig, def PointConfig) (Route, error) {
	r := Route{ID: types.ID(rc.ID), Name: rc.Name}
	seen := make(map[string]bool, len(rc.Stops))
	for i, s := range rc.Stops {
		if seen[s.ID] {
			return Route{}, fmt.Errorf("route %s: stop %s declared twice", rc.ID, s.ID)
		}
		seen[s.ID] = true
		r.Stops = append(r.Stops, toTarget(s, proximity.KindStop, i))
	}
	final := def
	if rc.Final != nil {
		final = *rc.Final
	}
	t := toTarget(final, proximity.KindFinalDestination, 0)
	if err := geo.Validate(t.Position); err != nil {
		return Route{}, fmt.Errorf("route %s final: %w", rc.ID, err)
	}
	r.Final = &t
	return r, nil
}

func toTarget(p PointConfig, kind proximity.Kind, order int) proximity.Target {
	return proximity.Target{
		ID:       types.ID(p.ID),
		Kind:     kind,
		Name:     p.Name,
		Position: types.Point(p.Lat, p.Lng),
		Order:    order,
	}
}

func (c *Catalog) Route(id types.ID) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[id]
	return r, ok
}

// Routes lists every route sorted by ID.
func (c *Catalog) Routes() []Route {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Route, 0, len(c.routes))
	for _, r := range c.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
