package state

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dirsync/internal/model"
	"dirsync/internal/testutil"
)

func setupSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := OpenSQL(context.Background(), DialectSQLite, ":memory:", testutil.NewTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate())
	return s
}

func TestSQLStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return setupSQLiteStore(t) })
}

func TestSQLStore_MigrationVersion(t *testing.T) {
	s := setupSQLiteStore(t)
	v, err := s.MigrationVersion()
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
}

func TestSQLStore_SinglePrimaryPerListingEnforced(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)
	seed(t, s)
	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "hardware", IsPrimary: true}); err != nil {
			return err
		}
		return tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "tools", IsPrimary: true})
	})
	require.Error(t, err)
}

func TestSQLStore_UnknownCategoryRejectedByForeignKey(t *testing.T) {
	ctx := context.Background()
	s := setupSQLiteStore(t)
	seed(t, s)
	err := s.InTx(ctx, func(tx Tx) error {
		return tx.InsertAssociation(ctx, model.Association{ListingID: "joes", CategoryID: "nope"})
	})
	require.Error(t, err)
}

func TestSQLStore_InTxRollsBackOnExecError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO listing_categories").
		WithArgs("l1", "c1", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM listing_categories").
		WithArgs("l1", "c2").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	s := NewSQLStore(db, DialectSQLite, nil)
	ctx := context.Background()
	err = s.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertAssociation(ctx, model.Association{ListingID: "l1", CategoryID: "c1", IsPrimary: true}); err != nil {
			return err
		}
		return tx.DeleteAssociation(ctx, "l1", "c2")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_CommitFailureSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	s := NewSQLStore(db, DialectPostgres, nil)
	err = s.InTx(context.Background(), func(tx Tx) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "commit")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRebind(t *testing.T) {
	q := `SELECT a FROM t WHERE x = ? AND y = ?`
	assert.Equal(t, q, rebind(DialectSQLite, q))
	assert.Equal(t, `SELECT a FROM t WHERE x = $1 AND y = $2`, rebind(DialectPostgres, q))
}
