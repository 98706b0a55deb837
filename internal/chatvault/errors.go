package chatvault

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound                      = errors.New("not found")
	ErrInvalidInput                  = errors.New("invalid input")
	ErrAmbiguousID                   = errors.New("ambiguous conversation id")
	ErrSourceUnavailable             = errors.New("source unavailable")
	ErrSourceCorrupt                 = errors.New("source corrupt")
	ErrAlreadyRunning                = errors.New("sync daemon already running")
	ErrNotRunning                    = errors.New("sync daemon not running")
	ErrRestorePreconditionFailed     = errors.New("restore target already contains conversations")
	ErrRestorePartialFailure         = errors.New("restore partially failed")
	ErrQuotaExceededAfterEnforcement = errors.New("storage quota still exceeded after enforcement")
	ErrQueueFull                     = errors.New("queue full")
	ErrInvalidConfig                 = errors.New("invalid configuration")
)

type SourceErrorKind string

const (
	SourceUnavailable SourceErrorKind = "unavailable"
	SourceMissing     SourceErrorKind = "missing"
	SourceTimeout     SourceErrorKind = "timeout"
	SourceCorrupt     SourceErrorKind = "corrupt"
)

// SourceError reports a failed read of one source location. It never carries
// information about whether the location was wiped.
type SourceError struct {
	Location string
	Kind     SourceErrorKind
	Err      error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("source %s: %s", e.Location, e.Kind)
	}
	return fmt.Sprintf("source %s: %s: %v", e.Location, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func (e *SourceError) Is(target error) bool {
	switch target {
	case ErrSourceCorrupt:
		return e.Kind == SourceCorrupt
	case ErrSourceUnavailable:
		return e.Kind != SourceCorrupt
	}
	return false
}

type RestorePartialError struct {
	Succeeded []string
	Failed    map[string]error
}

func (e *RestorePartialError) Error() string {
	failed := make([]string, 0, len(e.Failed))
	for id := range e.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	return fmt.Sprintf("restore partially failed: %d succeeded, %d failed (%s)", len(e.Succeeded), len(e.Failed), strings.Join(failed, ", "))
}

func (e *RestorePartialError) Is(target error) bool {
	return target == ErrRestorePartialFailure
}

type QuotaExceededError struct {
	TotalBytes int64
	QuotaBytes int64
	Protected  int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("storage quota still exceeded after enforcement: %d > %d bytes (%d protected records)", e.TotalBytes, e.QuotaBytes, e.Protected)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceededAfterEnforcement
}
