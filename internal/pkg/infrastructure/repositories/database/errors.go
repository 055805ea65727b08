package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"gorm.io/gorm"
)

//ErrStorageUnavailable is wrapped by every error caused by the database not being reachable
var ErrStorageUnavailable = errors.New("storage unavailable")

//ErrNotFound is returned by lookups that match no rows
var ErrNotFound = errors.New("not found")

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

//isUniqueViolation catches duplicate key errors from drivers that do not translate them
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func classify(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
	}

	if isUnavailable(err) {
		return fmt.Errorf("%s: %w (%s)", fmt.Sprintf(format, args...), ErrStorageUnavailable, err.Error())
	}

	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
