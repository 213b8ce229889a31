package errutil

// Stable reason codes shared by every service and surfaced to clients.
const (
	ReasonInvalidArgument = "INVALID_ARGUMENT"
	ReasonNotFound        = "NOT_FOUND"
	ReasonInvalidState    = "INVALID_STATE"
	ReasonInternal        = "INTERNAL"
)
