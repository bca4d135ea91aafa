package delivery

import (
	"time"

	"github.com/deliverly/navigator/internal/lib/geo"
	"github.com/deliverly/navigator/internal/lib/routing"
)

// OrderStatus is the delivery state of an order. Values are the backend's
// wire strings.
type OrderStatus string

const (
	StatusPending    OrderStatus = "Đang chờ"
	StatusAccepted   OrderStatus = "Đã nhận đơn"
	StatusProcessing OrderStatus = "Đang xử lý"
	StatusInDelivery OrderStatus = "Đang giao"
	StatusShipped    OrderStatus = "Đã giao"
)

// Coordinate is the persisted last-known driver position for one order.
// There is at most one record per order; reports update it in place.
type Coordinate struct {
	ID        string    `json:"_id"`
	OrderID   string    `json:"orderId"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Point returns the coordinate position.
func (c Coordinate) Point() geo.Point {
	return geo.Point{Latitude: c.Latitude, Longitude: c.Longitude}
}

// LocationUpdate is the realtime payload sent for every reported position.
type LocationUpdate struct {
	OrderID  string         `json:"orderId"`
	Location LocationDetail `json:"location"`
}

// LocationDetail is the position part of a LocationUpdate.
type LocationDetail struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Heading   *float64 `json:"heading"`
	Timestamp int64    `json:"timestamp"` // unix millis
}

// RouteUpdate is the realtime payload sent after every successful route fetch.
type RouteUpdate struct {
	OrderID string      `json:"orderId"`
	Route   RouteDetail `json:"route"`
}

// RouteDetail is the route part of a RouteUpdate.
type RouteDetail struct {
	Coordinates []geo.Point `json:"coordinates"`
	Distance    string      `json:"distance"`
	Duration    string      `json:"duration"`
	Timestamp   int64       `json:"timestamp"`
}

// NewLocationUpdate builds the realtime payload for a sample.
func NewLocationUpdate(orderID string, s geo.Sample) LocationUpdate {
	return LocationUpdate{
		OrderID: orderID,
		Location: LocationDetail{
			Latitude:  s.Point.Latitude,
			Longitude: s.Point.Longitude,
			Heading:   s.Heading,
			Timestamp: s.Timestamp.UnixMilli(),
		},
	}
}

// NewRouteUpdate builds the realtime payload for a freshly fetched route.
func NewRouteUpdate(orderID string, r *routing.Route, at time.Time) RouteUpdate {
	return RouteUpdate{
		OrderID: orderID,
		Route: RouteDetail{
			Coordinates: r.Coordinates,
			Distance:    r.DistanceText,
			Duration:    r.DurationText,
			Timestamp:   at.UnixMilli(),
		},
	}
}

// DeliveryInfo is the body of an order delivery status change.
type DeliveryInfo struct {
	Status               OrderStatus `json:"status"`
	DeliveryAddress      string      `json:"deliveryAddress"`
	ExpectedDeliveryDate time.Time   `json:"expectedDeliveryDate"`
}
