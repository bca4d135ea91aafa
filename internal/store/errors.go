package store

import "fmt"

// NotFoundError is returned when updating a coordinate id that does not exist.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("coordinate %s not found", e.ID)
}

// DuplicateError is returned when creating a second coordinate for an order.
type DuplicateError struct {
	OrderID string
	ID      string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("order %s already has coordinate %s", e.OrderID, e.ID)
}
