package rest

import (
	"net/http"

	"evalgo.org/katprep/internal/backend"
)

// Classify maps a transport error onto the backend error taxonomy.
// 401/403 become ErrInvalidCredentials, everything else ErrSession.
func Classify(address, op string, err error) error {
	if err == nil {
		return nil
	}
	switch StatusCode(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return backend.NewError(backend.ErrInvalidCredentials, address, op, err)
	default:
		return backend.NewError(backend.ErrSession, address, op, err)
	}
}
