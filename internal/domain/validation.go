package domain

import (
	"fmt"
	"time"
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// Validation constraints
const (
	MaxIDLen     = 256
	MaxReasonLen = 2000
	MaxSourceLen = 64
)

// ValidateAction checks the fields every ModerationAction must carry.
// Content type and action membership are checked here too; the caller
// decides which status code that maps to.
func ValidateAction(a *ModerationAction) []FieldError {
	var errs []FieldError

	if a.ID == "" {
		errs = append(errs, FieldError{"data.id", "required"})
	} else if len(a.ID) > MaxIDLen {
		errs = append(errs, FieldError{"data.id", fmt.Sprintf("max length %d", MaxIDLen)})
	}

	if a.ContentType == "" {
		errs = append(errs, FieldError{"data.contentType", "required"})
	} else if !a.ContentType.Valid() {
		errs = append(errs, FieldError{"data.contentType", fmt.Sprintf("unknown content type %q", a.ContentType)})
	}

	if a.Action == "" {
		errs = append(errs, FieldError{"data.action", "required"})
	} else if !a.Action.Valid() {
		errs = append(errs, FieldError{"data.action", "must be approve or reject"})
	}

	if len(a.Reason) > MaxReasonLen {
		errs = append(errs, FieldError{"data.reason", fmt.Sprintf("max length %d", MaxReasonLen)})
	}
	if a.SourceSystem == "" {
		errs = append(errs, FieldError{"data.sourceSystem", "required"})
	} else if len(a.SourceSystem) > MaxSourceLen {
		errs = append(errs, FieldError{"data.sourceSystem", fmt.Sprintf("max length %d", MaxSourceLen)})
	}

	if a.Timestamp != "" {
		if _, err := a.Time(); err != nil {
			errs = append(errs, FieldError{"data.timestamp", "must be ISO-8601"})
		}
	}

	return errs
}

// CheckFreshness rejects timestamps older than window or further ahead
// than skew relative to now.
func CheckFreshness(a *ModerationAction, now time.Time, window, skew time.Duration) error {
	ts, err := a.Time()
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if ts.After(now.Add(skew)) {
		return fmt.Errorf("timestamp: in the future beyond allowed skew")
	}
	if now.Sub(ts) > window {
		return fmt.Errorf("timestamp: older than replay window %s", window)
	}
	return nil
}
