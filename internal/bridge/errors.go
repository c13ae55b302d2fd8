package bridge

import (
	"errors"
	"strings"

	"example.com/moderationbridge/internal/domain"
)

var (
	// ErrUnauthorized covers missing or bad signatures and stale timestamps.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrStorage wraps failures of the local content write.
	ErrStorage = errors.New("local storage error")
)

// ValidationError is a malformed action or payload.
type ValidationError struct {
	Msg    string
	Fields []domain.FieldError
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Msg
	}
	parts := make([]string, 0, len(e.Fields))
	for _, fe := range e.Fields {
		parts = append(parts, fe.Error())
	}
	return e.Msg + ": " + strings.Join(parts, "; ")
}

// FieldMap groups field errors the way the HTTP layer reports them.
func (e *ValidationError) FieldMap() map[string][]string {
	if len(e.Fields) == 0 {
		return nil
	}
	m := make(map[string][]string, len(e.Fields))
	for _, fe := range e.Fields {
		m[fe.Field] = append(m[fe.Field], fe.Msg)
	}
	return m
}
