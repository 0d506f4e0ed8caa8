package types

import "errors"

var (
	// ErrNotFound is returned by stores when a record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateOrder is returned when a hold invoice already exists for the
	// seller and order id.
	ErrDuplicateOrder = errors.New("duplicate order")

	// ErrReservationConflict means at least one item had no stock left.
	ErrReservationConflict = errors.New("reservation conflict")

	// ErrSettlementTransient wraps a settle failure that may succeed later.
	ErrSettlementTransient = errors.New("settlement failed")

	// ErrInvalidOrder covers unknown products and unpriceable items.
	ErrInvalidOrder = errors.New("invalid order")

	// ErrSellerNotActive is returned when a trigger names a seller with no
	// active configuration.
	ErrSellerNotActive = errors.New("seller not active")
)
