package services

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestViolatedConstraint(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want constraintKind
	}{
		{"nil", nil, noConstraint},
		{"gorm duplicate", fmt.Errorf("insert: %w", gorm.ErrDuplicatedKey), uniqueViolation},
		{"gorm foreign key", gorm.ErrForeignKeyViolated, foreignKeyViolation},
		{"postgres unique", &pgconn.PgError{Code: pgUniqueViolation}, uniqueViolation},
		{"postgres foreign key", &pgconn.PgError{Code: pgForeignKeyViolation}, foreignKeyViolation},
		{"postgres other", &pgconn.PgError{Code: "40001"}, noConstraint},
		{"mysql duplicate", &mysql.MySQLError{Number: myDuplicateEntry}, uniqueViolation},
		{"mysql foreign key", &mysql.MySQLError{Number: myNoReferencedRow}, foreignKeyViolation},
		{"sqlite unique", errors.New("UNIQUE constraint failed: organizations.name"), uniqueViolation},
		{"sqlite foreign key", errors.New("FOREIGN KEY constraint failed"), foreignKeyViolation},
		{"unrelated", errors.New("connection refused"), noConstraint},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, violatedConstraint(tc.err))
		})
	}
}
