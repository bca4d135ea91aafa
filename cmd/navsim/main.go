package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dpup/prefab/logging"

	"github.com/deliverly/navigator/internal/cache"
	"github.com/deliverly/navigator/internal/clients/backend"
	"github.com/deliverly/navigator/internal/clients/directions"
	"github.com/deliverly/navigator/internal/clients/realtime"
	"github.com/deliverly/navigator/internal/config"
	"github.com/deliverly/navigator/internal/lib/export"
	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
	"github.com/deliverly/navigator/internal/navigation"
	"github.com/deliverly/navigator/internal/store"
	"github.com/deliverly/navigator/internal/timeutil"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "drive":
		handleDrive()
	case "route":
		handleRoute()
	case "decode":
		handleDecode()
	case "help":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("navsim - driver navigation simulator")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  navsim drive  [--config file] [--order id] [--origin lat,lng] [--dest lat,lng] [--polyline enc] [--kml out.kml] [--confirm]")
	fmt.Println("  navsim route  [--config file] [--origin lat,lng] [--dest lat,lng] [--kml out.kml]")
	fmt.Println("  navsim decode --polyline enc")
	fmt.Println()
	fmt.Printf("Configuration is read from the YAML file, then %s* environment variables, then flags.\n", config.EnvPrefix)
}

// commonFlags are shared by commands that build a session or fetch routes.
type commonFlags struct {
	configPath *string
	order      *string
	origin     *string
	dest       *string
	kmlPath    *string
}

func registerCommon(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		configPath: fs.String("config", "", "Path to YAML configuration"),
		order:      fs.String("order", "", "Order ID"),
		origin:     fs.String("origin", "", "Driver start position as lat,lng"),
		dest:       fs.String("dest", "", "Delivery destination as lat,lng"),
		kmlPath:    fs.String("kml", "", "Write the route as KML to this file"),
	}
}

func (c commonFlags) load() *config.Config {
	overrides := map[string]any{}
	if *c.order != "" {
		overrides["order.id"] = *c.order
	}
	for key, raw := range map[string]string{"order.origin": *c.origin, "order.destination": *c.dest} {
		if raw == "" {
			continue
		}
		p, err := parsePoint(raw)
		if err != nil {
			log.Fatalf("Invalid %s: %v", key, err)
		}
		overrides[key+".latitude"] = p.Latitude
		overrides[key+".longitude"] = p.Longitude
	}

	cfg, err := config.Load(*c.configPath, overrides)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.Order.Destination.IsZero() {
		log.Fatal("A destination is required (--dest or order.destination)")
	}
	return cfg
}

func handleDrive() {
	fs := flag.NewFlagSet("drive", flag.ExitOnError)
	common := registerCommon(fs)
	encoded := fs.String("polyline", "", "Drive this encoded polyline instead of asking the Directions API")
	confirm := fs.Bool("confirm", false, "Mark the order delivered on arrival")
	timeout := fs.Duration("timeout", 30*time.Minute, "Give up if the drive takes longer")
	fs.Parse(os.Args[2:])

	cfg := common.load()
	if cfg.Order.ID == "" {
		log.Fatal("An order ID is required (--order or order.id)")
	}
	pref, err := cfg.RoutePreference()
	if err != nil {
		log.Fatalf("Invalid route preference: %v", err)
	}

	ctx, stop := signal.NotifyContext(logging.With(context.Background(), logging.NewDevLogger()), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	var fetcher navigation.RouteFetcher
	origin := cfg.Order.Origin.Point()
	if *encoded != "" {
		route, err := fixedRoute(*encoded)
		if err != nil {
			log.Fatalf("Failed to decode polyline: %v", err)
		}
		fetcher = staticRoute{route: route}
		if cfg.Order.Origin.IsZero() {
			origin = route.Coordinates[0]
		}
	} else {
		if cfg.Directions.APIKey == "" {
			log.Fatal("directions.api_key is required without --polyline")
		}
		fetcher = directions.NewClientWithHTTPDoer(cfg.Directions.APIKey, cfg.Directions.BaseURL, defaultHTTPClient())
	}
	if !geo.IsValid(origin) || (origin == geo.Point{}) {
		log.Fatal("A start position is required (--origin or order.origin)")
	}

	local, closeStore := openStore(cfg.Store.Path)
	defer closeStore()

	var coords navigation.CoordinateStore = local
	var orders navigation.OrderStatus = local
	if cfg.Backend.URL != "" {
		client := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token)
		coords, orders = client, client
		log.Printf("Reporting to backend %s", cfg.Backend.URL)
	}

	var emitter navigation.Emitter
	if cfg.Realtime.URL != "" {
		ws := realtime.NewEmitter(cfg.Realtime.URL)
		defer ws.Close()
		emitter = ws
		log.Printf("Publishing live updates to %s", cfg.Realtime.URL)
	}

	routeCache := cache.NewCache()
	routeCache.StartPeriodicCleanup(ctx, cfg.Cache.CleanupInterval)

	notifier := newLogNotifier()
	session, err := navigation.NewSession(navigation.Options{
		OrderID:         cfg.Order.ID,
		Destination:     cfg.Order.Destination.Point(),
		DeliveryAddress: cfg.Order.DeliveryAddress,
		Preference:      pref,
		Config:          cfg.Navigation,
		Clock:           timeutil.RealClock{},
		Location:        newFixedLocation(origin),
		Directions:      fetcher,
		Coordinates:     coords,
		Emitter:         emitter,
		Orders:          orders,
		Surface:         &logSurface{},
		Notifier:        notifier,
		RouteCache:      routeCache,
	})
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	defer session.Close()

	if err := session.Start(ctx); err != nil {
		log.Fatalf("Failed to start tracking: %v", err)
	}
	if err := session.StartNavigation(ctx, true); err != nil {
		log.Fatalf("Failed to start navigation: %v", err)
	}

	route, err := waitForRoute(ctx, session)
	if err != nil {
		log.Fatalf("No route: %v", err)
	}
	log.Printf("Route: %s, %s, %d steps, %d points", route.DistanceText, route.DurationText, len(route.Steps), len(route.Coordinates))

	if err := session.StartSimulation(ctx, false); err != nil {
		log.Fatalf("Failed to start simulation: %v", err)
	}

	select {
	case <-notifier.arrived:
		log.Printf("Arrived at %s", cfg.Order.Destination.Point())
	case <-ctx.Done():
		log.Printf("Drive interrupted: %v", ctx.Err())
	}

	snap := session.Snapshot()
	if *confirm && ctx.Err() == nil {
		if err := session.ConfirmDelivery(ctx); err != nil {
			log.Printf("Failed to confirm delivery: %v", err)
		}
	}

	if *common.kmlPath != "" {
		driver := origin
		if snap.Position != nil {
			driver = snap.Position.Point
		}
		writeKML(*common.kmlPath, cfg.Order.ID, route, driver, cfg.Order.Destination.Point())
	}

	fmt.Printf("Drive summary for %s:\n", cfg.Order.ID)
	fmt.Printf("  Mode:            %s\n", snap.Mode)
	fmt.Printf("  Step reached:    %d of %d\n", snap.Tracking.CurrentStep+1, len(route.Steps))
	fmt.Printf("  Recalculations:  %d\n", snap.Recalculations)
	fmt.Printf("  Regions warmed:  %d\n", snap.PrefetchedRegions)
	fmt.Printf("  Cached routes:   %d\n", routeCache.Stats().TotalEntries)
}

func handleRoute() {
	fs := flag.NewFlagSet("route", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(os.Args[2:])

	cfg := common.load()
	if cfg.Directions.APIKey == "" {
		log.Fatal("directions.api_key is required")
	}
	if cfg.Order.Origin.IsZero() {
		log.Fatal("An origin is required (--origin or order.origin)")
	}
	pref, err := cfg.RoutePreference()
	if err != nil {
		log.Fatalf("Invalid route preference: %v", err)
	}

	ctx, cancel := context.WithTimeout(logging.With(context.Background(), logging.NewDevLogger()), 30*time.Second)
	defer cancel()

	client := directions.NewClientWithHTTPDoer(cfg.Directions.APIKey, cfg.Directions.BaseURL, defaultHTTPClient())
	route, err := client.FetchRoute(ctx, cfg.Order.Origin.Point(), cfg.Order.Destination.Point(), pref)
	if err != nil {
		log.Fatalf("Error fetching route: %v", err)
	}
	if !route.Found {
		fmt.Println("No route found")
		os.Exit(1)
	}

	fmt.Printf("Route (%s): %s, %s\n", pref, route.DistanceText, route.DurationText)
	for i, step := range route.Steps {
		fmt.Printf("  %2d. [%s] %s (%s)\n", i+1, routing.ManeuverIcon(step.Maneuver), step.Instruction, step.DistanceText)
	}
	fmt.Printf("Polyline: %s\n", geo.EncodePolyline(route.Coordinates))

	if *common.kmlPath != "" {
		writeKML(*common.kmlPath, "route", route, cfg.Order.Origin.Point(), cfg.Order.Destination.Point())
	}
}

func handleDecode() {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	encoded := fs.String("polyline", "", "Encoded polyline string")
	fs.Parse(os.Args[2:])

	if *encoded == "" {
		fmt.Println("Example usage:")
		fmt.Println("  navsim decode --polyline 'wzw`Ac`gjSmAoBmC}A'")
		os.Exit(1)
	}

	points, err := geo.DecodePolyline(*encoded)
	if err != nil {
		log.Fatalf("Error decoding polyline: %v", err)
	}

	var meters float64
	for i, p := range points {
		if i > 0 {
			meters += geo.Haversine(points[i-1], p)
		}
		fmt.Printf("  %3d: (%.5f, %.5f)\n", i, p.Latitude, p.Longitude)
	}
	fmt.Printf("Points: %d, length: %.0f meters\n", len(points), meters)
}

func waitForRoute(ctx context.Context, session *navigation.Session) (*routing.Route, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(30 * time.Second)

	for {
		if route := session.Snapshot().Route; route.Usable() {
			return route, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, errors.New("timed out waiting for directions")
		case <-ticker.C:
		}
	}
}

func openStore(path string) (*store.SQLiteStore, func()) {
	if path == "" {
		path = ":memory:"
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		log.Fatalf("Failed to open store %s: %v", path, err)
	}
	return s, func() {
		if err := s.Close(); err != nil {
			log.Printf("Failed to close store: %v", err)
		}
	}
}

func writeKML(path, name string, route *routing.Route, driver, destination geo.Point) {
	data, err := export.RouteKML(name, route, driver, destination)
	if err != nil {
		log.Printf("Failed to export route: %v", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.Printf("Failed to write %s: %v", path, err)
		return
	}
	log.Printf("Wrote %s", path)
}

func parsePoint(s string) (geo.Point, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return geo.Point{}, fmt.Errorf("expected lat,lng but got %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("bad latitude: %w", err)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return geo.Point{}, fmt.Errorf("bad longitude: %w", err)
	}
	p := geo.Point{Latitude: lat, Longitude: lng}
	if !geo.IsValid(p) {
		return geo.Point{}, fmt.Errorf("%v is out of range", p)
	}
	return p, nil
}
