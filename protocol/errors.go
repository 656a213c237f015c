package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
)

// IOError is a framing or IO-class failure. It is reported to the client as
// IO_EXCEPTION.
type IOError struct {
	Message string
	Err     error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *IOError) Unwrap() error { return e.Err }

// NewIOError creates an IOError with a formatted message.
func NewIOError(format string, args ...any) *IOError {
	return &IOError{Message: fmt.Sprintf(format, args...)}
}

// WrapIOError marks err as IO-class.
func WrapIOError(err error, message string) *IOError {
	return &IOError{Message: message, Err: err}
}

// IsIOError reports whether err is, or wraps, an IOError.
func IsIOError(err error) bool {
	var ioErr *IOError
	return errors.As(err, &ioErr)
}

// SQLError is a domain or database failure. It is reported to the client as
// SQL_EXCEPTION and the connection stays usable.
type SQLError struct {
	Code     int
	SQLState string
	Message  string
}

func (e *SQLError) Error() string {
	if e.SQLState == "" {
		return e.Message
	}
	return fmt.Sprintf("ERROR %d (%s): %s", e.Code, e.SQLState, e.Message)
}

// NewSQLError creates a SQLError with code and state.
func NewSQLError(code int, sqlState, message string) *SQLError {
	return &SQLError{Code: code, SQLState: sqlState, Message: message}
}

// DomainError reports a business rule violation raised by a handler.
func DomainError(format string, args ...any) *SQLError {
	return &SQLError{Code: ErrCodeDomain, SQLState: SQLStateGeneral, Message: fmt.Sprintf(format, args...)}
}

// ErrPermissionDenied is the domain error for inaccessible targets.
func ErrPermissionDenied(format string, args ...any) *SQLError {
	return &SQLError{Code: ErrCodeAccessDenied, SQLState: SQLStateAccess, Message: fmt.Sprintf(format, args...)}
}

// Error codes carried by SQLError.
const (
	ErrCodeDomain          = 1
	ErrCodeAccessDenied    = 1045
	ErrCodeDupEntry        = 1062
	ErrCodeBadNull         = 1048
	ErrCodeNoReferencedRow = 1452
	ErrCodeCheckConstraint = 3819
	ErrCodeLockTimeout     = 1205
	ErrCodeDeadlock        = 1213
	ErrCodeNoSuchTable     = 1146
	ErrCodeUnknown         = 1105
)

const (
	SQLStateGeneral   = "HY000"
	SQLStateIntegrity = "23000"
	SQLStateDeadlock  = "40001"
	SQLStateAccess    = "28000"
	SQLStateNoTable   = "42S02"
)

// IsSQLError reports whether err should be answered with SQL_EXCEPTION:
// domain errors and errors raised by the database drivers.
func IsSQLError(err error) bool {
	var sqlErr *SQLError
	if errors.As(err, &sqlErr) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr)
}

// ConvertToSQLError maps driver errors to SQLError. Other errors keep their
// message under the generic code.
func ConvertToSQLError(err error) *SQLError {
	if err == nil {
		return nil
	}

	var sqlErr *SQLError
	if errors.As(err, &sqlErr) {
		return sqlErr
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return mapSQLiteError(sqliteErr, err.Error())
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		state := string(mysqlErr.SQLState[:])
		if strings.Trim(state, "\x00") == "" {
			state = SQLStateGeneral
		}
		return NewSQLError(int(mysqlErr.Number), state, mysqlErr.Message)
	}

	return mapByMessage(err.Error())
}

func mapSQLiteError(e sqlite3.Error, msg string) *SQLError {
	switch e.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
		return NewSQLError(ErrCodeDupEntry, SQLStateIntegrity, msg)
	case sqlite3.ErrConstraintNotNull:
		return NewSQLError(ErrCodeBadNull, SQLStateIntegrity, msg)
	case sqlite3.ErrConstraintForeignKey:
		return NewSQLError(ErrCodeNoReferencedRow, SQLStateIntegrity, msg)
	case sqlite3.ErrConstraintCheck:
		return NewSQLError(ErrCodeCheckConstraint, SQLStateIntegrity, msg)
	}

	switch e.Code {
	case sqlite3.ErrBusy:
		return NewSQLError(ErrCodeLockTimeout, SQLStateGeneral,
			"Lock wait timeout exceeded; try restarting transaction")
	case sqlite3.ErrLocked:
		return NewSQLError(ErrCodeDeadlock, SQLStateDeadlock,
			"Deadlock found when trying to get lock; try restarting transaction")
	case sqlite3.ErrConstraint:
		return NewSQLError(ErrCodeUnknown, SQLStateIntegrity, msg)
	}

	return mapByMessage(msg)
}

func mapByMessage(msg string) *SQLError {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "no such table"):
		return NewSQLError(ErrCodeNoSuchTable, SQLStateNoTable, msg)
	case strings.Contains(lower, "unique constraint"):
		return NewSQLError(ErrCodeDupEntry, SQLStateIntegrity, msg)
	case strings.Contains(lower, "not null constraint"):
		return NewSQLError(ErrCodeBadNull, SQLStateIntegrity, msg)
	case strings.Contains(lower, "foreign key constraint"):
		return NewSQLError(ErrCodeNoReferencedRow, SQLStateIntegrity, msg)
	default:
		return NewSQLError(ErrCodeUnknown, SQLStateGeneral, msg)
	}
}
