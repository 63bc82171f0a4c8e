package usage

import (
	"errors"

	"github.com/malbeclabs/jobusage/pkg/timebucket"
)

var (
	ErrUnknownReportType = errors.New("unknown report type")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrInvalidTimezone   = errors.New("invalid timezone")
	ErrInvalidUnit       = timebucket.ErrInvalidUnit
)

// IsClientError reports whether err was caused by the request rather than the
// backing store.
func IsClientError(err error) bool {
	return errors.Is(err, ErrUnknownReportType) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidTimezone) ||
		errors.Is(err, ErrInvalidUnit)
}
