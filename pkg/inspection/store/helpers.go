package store

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// convertNotFoundError maps gorm.ErrRecordNotFound to the provided domain
// error so callers never see GORM internals.
func convertNotFoundError(err, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}

// isUniqueViolation reports whether err is a unique-constraint failure on
// either backend. GORM's TranslateError covers the common cases; the string
// checks cover sqlite and postgres drivers that bypass translation.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
