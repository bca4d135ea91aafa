package navigation

import (
	"context"
	"time"

	"github.com/deliverly/navigator/internal/lib/delivery"
	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
)

// Accuracy is the requested location fix quality.
type Accuracy int

const (
	AccuracyBalanced Accuracy = iota
	AccuracyHigh
	AccuracyBestForNavigation
)

// WatchOptions configures a continuous position subscription. A sample is
// delivered when either the distance or the time interval is exceeded.
type WatchOptions struct {
	Accuracy         Accuracy      `koanf:"accuracy"`
	DistanceInterval float64       `koanf:"distance_interval"` // meters
	TimeInterval     time.Duration `koanf:"time_interval"`
}

// Subscription is an active position or heading watch.
type Subscription interface {
	Remove()
}

// LocationSource is the device location service.
type LocationSource interface {
	RequestPermission(ctx context.Context) (bool, error)
	CurrentPosition(ctx context.Context, accuracy Accuracy) (geo.Sample, error)
	WatchPosition(ctx context.Context, opts WatchOptions, fn func(geo.Sample)) (Subscription, error)
	WatchHeading(ctx context.Context, fn func(heading float64)) (Subscription, error)
}

// RouteFetcher returns a driving route. A route with Found unset is the
// normal answer when no route exists.
type RouteFetcher interface {
	FetchRoute(ctx context.Context, origin, destination geo.Point, pref routing.Preference) (*routing.Route, error)
}

// CoordinateStore persists the last known driver position per order.
// FindByOrder returns nil without error when the order has no record.
type CoordinateStore interface {
	FindByOrder(ctx context.Context, orderID string) (*delivery.Coordinate, error)
	Create(ctx context.Context, orderID string, p geo.Point) (*delivery.Coordinate, error)
	Update(ctx context.Context, id string, p geo.Point) error
}

// Emitter publishes realtime updates to whoever follows the order.
type Emitter interface {
	EmitLocation(ctx context.Context, update delivery.LocationUpdate) error
	EmitRoute(ctx context.Context, update delivery.RouteUpdate) error
}

// OrderStatus records delivery status changes.
type OrderStatus interface {
	UpdateDeliveryInfo(ctx context.Context, orderID string, info delivery.DeliveryInfo) error
}

// NoticeKind classifies user-visible notices.
type NoticeKind int

const (
	NoticePermissionDenied NoticeKind = iota
	NoticeRouteRecalculated
	NoticeStepChanged
	NoticeNearArrival
	NoticeArrived
	NoticeDeliveryConfirmed
)

var noticeNames = map[NoticeKind]string{
	NoticePermissionDenied:  "permission_denied",
	NoticeRouteRecalculated: "route_recalculated",
	NoticeStepChanged:       "step_changed",
	NoticeNearArrival:       "near_arrival",
	NoticeArrived:           "arrived",
	NoticeDeliveryConfirmed: "delivery_confirmed",
}

func (k NoticeKind) String() string {
	return noticeNames[k]
}

// Notice is a message for the driver. Banner is set for step changes.
type Notice struct {
	Kind    NoticeKind
	Title   string
	Message string
	Step    int
	Banner  routing.Banner
}

// Notifier shows notices to the driver. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, n Notice)
}
