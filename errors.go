// SPDX-License-Identifier: MIT

package tatsumaki

import (
	"fmt"
	"net/http"
)

// Error taxonomy for the client.
//
//   - AuthError: the token is invalid or expired; the caller should
//     force re-authentication.
//   - TransportError: network failure or an unexpected HTTP status.
//   - MalformedResponseError: the server answered but the body could
//     not be decoded.
//
// All errors returned by Client wrap one of these and are matchable
// with errors.As.

type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized (status %d): token invalid or expired", e.Status)
}

type TransportError struct {
	Status int // 0 when the request never got a response
	Err    error
}

func (e *TransportError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport failure: %s", e.Err)
	}
	return fmt.Sprintf("unexpected status: %d %s", e.Status, http.StatusText(e.Status))
}

func (e *TransportError) Unwrap() error { return e.Err }

type MalformedResponseError struct {
	Err error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed response body: %s", e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

// statusError maps a non-2xx response status to the taxonomy.
func statusError(status int) error {
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return &AuthError{Status: status}
	}
	return &TransportError{Status: status}
}
