package errors

import (
	"net/http"

	"github.com/berry-lb/gateway/internal/loadbalance"
)

// FromLoadBalanceError maps a loadbalance package error to the GatewayError
// shape the HTTP surface returns to clients, picking the status code that
// matches the failure: a missing model is 404, a disabled model is 409 (the
// request is well-formed but the resource is intentionally unavailable),
// and no healthy backend is 503.
func FromLoadBalanceError(err error) *GatewayError {
	switch e := err.(type) {
	case *loadbalance.UnknownModelError:
		return Wrap(err, http.StatusNotFound, "unknown model").WithDetails(e.Model)
	case *loadbalance.ModelDisabledError:
		return Wrap(err, http.StatusConflict, "model disabled").WithDetails(e.Model)
	case *loadbalance.NoHealthyBackendError:
		return Wrap(err, http.StatusServiceUnavailable, "no healthy backend").WithDetails(e.Model)
	default:
		return Wrap(err, http.StatusInternalServerError, "internal error")
	}
}
