package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"net"

	"github.com/lib/pq"

	"github.com/0x0shephard/t4-bot/internal/errors"
)

// SQLSTATE codes the ledger distinguishes
const (
	sqlStateCheckViolation      = "23514"
	sqlStateForeignKeyViolation = "23503"
	sqlStateUniqueViolation     = "23505"
	sqlStateNotNullViolation    = "23502"
	sqlStateInvalidText         = "22P02"
	sqlStateInvalidDatetime     = "22007"
	sqlStateDatetimeOverflow    = "22008"
	sqlStateNumericOutOfRange   = "22003"
	sqlStateInsufficientPriv    = "42501"
	sqlStateQueryCanceled       = "57014"
	sqlStateSerialization       = "40001"
	sqlStateDeadlock            = "40P01"
)

// TranslateError maps driver errors onto AppError codes. AppErrors pass through unchanged.
func TranslateError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.IsAppError(err) {
		return err
	}

	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return errors.NewAppError(errors.ErrCodeNotFound, "record not found", err).WithContext("operation", op)
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return errors.NewAppError(errors.ErrCodeTimeout, "database operation timed out", err).WithContext("operation", op)
	case stderrors.Is(err, driver.ErrBadConn), stderrors.Is(err, sql.ErrConnDone):
		return errors.NewAppError(errors.ErrCodeDBConnection, "database connection lost", err).WithContext("operation", op)
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		return translatePQError(pqErr, op)
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return errors.NewAppError(errors.ErrCodeDBConnection, "database unreachable", err).WithContext("operation", op)
	}

	return errors.NewAppError(errors.ErrCodeDBQuery, "database query failed", err).WithContext("operation", op)
}

func translatePQError(e *pq.Error, op string) *errors.AppError {
	var code errors.ErrorCode
	switch string(e.Code) {
	case sqlStateCheckViolation:
		code = errors.ErrCodeDBConstraint
	case sqlStateForeignKeyViolation:
		code = errors.ErrCodeDBForeignKey
	case sqlStateUniqueViolation:
		code = errors.ErrCodeDBUnique
	case sqlStateNotNullViolation:
		code = errors.ErrCodeInvalidInput
	case sqlStateInvalidText, sqlStateInvalidDatetime, sqlStateDatetimeOverflow, sqlStateNumericOutOfRange:
		code = errors.ErrCodeDBInvalidFormat
	case sqlStateInsufficientPriv:
		code = errors.ErrCodeForbidden
	case sqlStateQueryCanceled:
		code = errors.ErrCodeTimeout
	case sqlStateSerialization, sqlStateDeadlock:
		code = errors.ErrCodeDBTransaction
	default:
		if e.Code.Class() == "08" {
			code = errors.ErrCodeDBConnection
		} else {
			code = errors.ErrCodeDBQuery
		}
	}

	details := e.Detail
	if e.Constraint != "" {
		details = e.Constraint
	}

	appErr := errors.NewAppErrorWithDetails(code, e.Message, details, e).
		WithContext("operation", op).
		WithContext("sqlstate", string(e.Code))
	if e.Table != "" {
		appErr = appErr.WithContext("table", e.Table)
	}
	if e.Column != "" {
		appErr = appErr.WithContext("column", e.Column)
	}
	return appErr
}
