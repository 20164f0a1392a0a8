package services

import (
	"errors"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type constraintKind int

const (
	noConstraint constraintKind = iota
	uniqueViolation
	foreignKeyViolation
)

// Vendor codes for the constraint failures gorm may leave untranslated.
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	myDuplicateEntry      = 1062
	myNoReferencedRow     = 1452
)

// violatedConstraint classifies err as a unique or foreign key failure on
// any of the supported databases.
func violatedConstraint(err error) constraintKind {
	if err == nil {
		return noConstraint
	}
	switch {
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return uniqueViolation
	case errors.Is(err, gorm.ErrForeignKeyViolated):
		return foreignKeyViolation
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return uniqueViolation
		case pgForeignKeyViolation:
			return foreignKeyViolation
		}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case myDuplicateEntry:
			return uniqueViolation
		case myNoReferencedRow:
			return foreignKeyViolation
		}
	}

	// sqlite reports constraint failures only through the message.
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"):
		return uniqueViolation
	case strings.Contains(msg, "foreign key constraint failed"):
		return foreignKeyViolation
	}
	return noConstraint
}

func isUniqueConstraintError(err error) bool {
	return violatedConstraint(err) == uniqueViolation
}
