package delivery

import (
	"errors"
	"fmt"
	"net/http"

	"pinga/service/util"
)

// PermanentError marks failures that will not go away on their own, such as
// missing credentials or a rejected request. Everything else is treated as
// transient transport trouble.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func NewPermanentError(err error) error {
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var permErr *PermanentError
	return errors.As(err, &permErr)
}

const maxRawErrorLength = 500

// HTTPError is a non-2xx answer from a delivery endpoint.
type HTTPError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s failed: %d %s", e.Service, e.StatusCode, http.StatusText(e.StatusCode))
}

// Permanent reports whether retrying the same request cannot succeed.
func (e *HTTPError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// TruncateRaw bounds upstream error bodies kept in results to
// maxRawErrorLength characters plus an ellipsis.
func TruncateRaw(s string) string {
	return util.Truncate(s, maxRawErrorLength+len("..."))
}
