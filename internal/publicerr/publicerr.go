// Package publicerr defines the HTTP-facing error shape returned by the
// communication handler, so that callers of the API (the executor, or a
// human hitting the endpoint directly) get a status code and message instead
// of an opaque 500.
package publicerr

import "fmt"

// Error is an error with an associated HTTP status code, serialized as the
// JSON body of a non-2xx response.
type Error struct {
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}
