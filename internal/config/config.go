package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
	"github.com/deliverly/navigator/internal/navigation"
)

// EnvPrefix marks environment overrides. Nested keys are separated by a
// double underscore, e.g. NAV_NAVIGATION__OFF_ROUTE_THRESHOLD.
const EnvPrefix = "NAV_"

// Config represents the complete navigator configuration
type Config struct {
	Order      OrderConfig       `koanf:"order"`
	Directions DirectionsConfig  `koanf:"directions"`
	Backend    BackendConfig     `koanf:"backend"`
	Realtime   RealtimeConfig    `koanf:"realtime"`
	Store      StoreConfig       `koanf:"store"`
	Cache      CacheConfig       `koanf:"cache"`
	Navigation navigation.Config `koanf:"navigation"`
}

// OrderConfig identifies the delivery being driven
type OrderConfig struct {
	ID              string      `koanf:"id"`
	DeliveryAddress string      `koanf:"delivery_address"`
	Origin          Coordinates `koanf:"origin"`
	Destination     Coordinates `koanf:"destination"`
	Preference      string      `koanf:"preference"`
}

// DirectionsConfig holds Google Directions API settings
type DirectionsConfig struct {
	APIKey  string `koanf:"api_key"`
	BaseURL string `koanf:"base_url"`
}

// BackendConfig holds the order backend settings. Coordinates and delivery
// status are kept in the local store when URL is empty.
type BackendConfig struct {
	URL   string `koanf:"url"`
	Token string `koanf:"token"`
}

// RealtimeConfig holds the websocket endpoint for live updates
type RealtimeConfig struct {
	URL string `koanf:"url"`
}

// StoreConfig selects the local store. An empty path keeps everything in memory.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// CacheConfig holds route cache settings
type CacheConfig struct {
	CleanupInterval time.Duration `koanf:"cleanup_interval"`
}

// Coordinates represents lat/lon coordinates in config files
type Coordinates struct {
	Latitude  float64 `koanf:"latitude"`
	Longitude float64 `koanf:"longitude"`
}

// Point converts Coordinates to a geo.Point
func (c Coordinates) Point() geo.Point {
	return geo.Point{Latitude: c.Latitude, Longitude: c.Longitude}
}

// IsZero reports whether the coordinates were left unset
func (c Coordinates) IsZero() bool {
	return c.Latitude == 0 && c.Longitude == 0
}

// RoutePreference parses the configured route preference
func (c *Config) RoutePreference() (routing.Preference, error) {
	return routing.ParsePreference(c.Order.Preference)
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Order: OrderConfig{
			Preference: routing.Fastest.String(),
		},
		Directions: DirectionsConfig{
			BaseURL: "https://maps.googleapis.com",
		},
		Cache: CacheConfig{
			CleanupInterval: 5 * time.Minute,
		},
		Navigation: navigation.DefaultConfig(),
	}
}

// Load builds the configuration from defaults, an optional YAML file,
// NAV_ environment variables and finally overrides, each layer winning over
// the previous one. Override keys use dotted paths such as "order.id".
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("failed to apply overrides: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks values that would make the session misbehave
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.RoutePreference(); err != nil {
		errs = append(errs, err)
	}
	if !c.Order.Destination.IsZero() && !geo.IsValid(c.Order.Destination.Point()) {
		errs = append(errs, fmt.Errorf("order destination %v is out of range", c.Order.Destination.Point()))
	}
	if !c.Order.Origin.IsZero() && !geo.IsValid(c.Order.Origin.Point()) {
		errs = append(errs, fmt.Errorf("order origin %v is out of range", c.Order.Origin.Point()))
	}

	n := c.Navigation
	positive := map[string]float64{
		"navigation.off_route_threshold":    n.OffRouteThreshold,
		"navigation.movement_threshold":     n.MovementThreshold,
		"navigation.delivery_radius":        n.DeliveryRadius,
		"navigation.step_completion_radius": n.StepCompletionRadius,
		"navigation.simulator.max_speed":    n.Simulator.MaxSpeed,
	}
	for key, v := range positive {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	durations := map[string]time.Duration{
		"navigation.off_route_interval": n.OffRouteInterval,
		"navigation.fallback_interval":  n.FallbackInterval,
		"navigation.simulator.interval": n.Simulator.Interval,
		"cache.cleanup_interval":        c.Cache.CleanupInterval,
	}
	for key, d := range durations {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}
	if n.Simulator.Steps <= 0 {
		errs = append(errs, errors.New("navigation.simulator.steps must be positive"))
	}
	return errors.Join(errs...)
}
