package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/authz-engine/rls-engine/pkg/types"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	return NewPostgresStore(db).WithClock(func() time.Time { return now }), mock
}

func policyDoc(t *testing.T, p *types.Policy) []byte {
	t.Helper()
	doc, err := json.Marshal(p)
	require.NoError(t, err)
	return doc
}

func TestPostgresStore_List(t *testing.T) {
	store, mock := newMockStore(t)

	high := testPolicy("org-1", "invoices", "high", 10, types.OpSelect)
	low := testPolicy("org-1", "invoices", "low", 1, types.OpAll)

	mock.ExpectQuery(regexp.QuoteMeta(
		"SELECT document FROM rls_policies WHERE organization_id = $1 AND resource = $2 AND (operation = $3 OR operation = 'ALL') AND active ORDER BY priority DESC, seq ASC",
	)).
		WithArgs("org-1", "invoices", "SELECT").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).
			AddRow(policyDoc(t, high)).
			AddRow(policyDoc(t, low)))

	got, err := store.List(context.Background(), "org-1", Filter{Resource: "invoices", Operation: types.OpSelect, ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, names(got))
	assert.True(t, got[0].Condition.Parameters["organizationId"].Equal(types.String("org-1")))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT document FROM rls_policies").WillReturnError(sql.ErrConnDone)

	_, err := store.List(context.Background(), "org-1", Filter{})
	require.Error(t, err)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	query := regexp.QuoteMeta("SELECT document FROM rls_policies WHERE organization_id = $1 AND id = $2")

	p := testPolicy("org-1", "invoices", "p", 1, types.OpSelect)
	p.ID = "p-1"
	mock.ExpectQuery(query).WithArgs("org-1", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(policyDoc(t, p)))
	mock.ExpectQuery(query).WithArgs("org-1", "missing").WillReturnError(sql.ErrNoRows)

	got, err := store.Get(context.Background(), "org-1", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "p-1", got.ID)

	_, err = store.Get(context.Background(), "org-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Create(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO rls_policies").
		WithArgs(sqlmock.AnyArg(), "org-1", "invoices", "SELECT", true, 5, 1, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	created, err := store.Create(context.Background(), testPolicy("org-1", "invoices", "p", 5, types.OpSelect))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, 1, created.Metadata.Version)
	assert.Equal(t, time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC), created.CreatedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("INSERT INTO rls_policies").WillReturnError(&pq.Error{Code: "23505"})

	p := testPolicy("org-1", "invoices", "p", 5, types.OpSelect)
	p.ID = "dup"
	_, err := store.Create(context.Background(), p)
	assert.ErrorIs(t, err, ErrExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Update(t *testing.T) {
	store, mock := newMockStore(t)

	current := testPolicy("org-1", "invoices", "p", 5, types.OpSelect)
	current.ID = "p-1"
	current.CreatedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	current.Metadata = types.Metadata{Version: 3, CreatedBy: "alice"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM rls_policies WHERE organization_id = $1 AND id = $2 FOR UPDATE")).
		WithArgs("org-1", "p-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(policyDoc(t, current)))
	mock.ExpectExec("UPDATE rls_policies SET").
		WithArgs("org-1", "p-1", "invoices", "SELECT", true, 7, 4, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	next := current.Clone()
	next.Configuration.Priority = 7
	next.Metadata = types.Metadata{}

	updated, err := store.Update(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Metadata.Version)
	assert.Equal(t, "alice", updated.Metadata.CreatedBy)
	assert.Equal(t, current.CreatedAt, updated.CreatedAt)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateMissing(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT document FROM rls_policies").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	p := testPolicy("org-1", "invoices", "p", 5, types.OpSelect)
	p.ID = "ghost"
	_, err := store.Update(context.Background(), p)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Delete(t *testing.T) {
	store, mock := newMockStore(t)
	query := regexp.QuoteMeta("DELETE FROM rls_policies WHERE organization_id = $1 AND id = $2")

	mock.ExpectExec(query).WithArgs("org-1", "p-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs("org-1", "p-1").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.Delete(context.Background(), "org-1", "p-1"))
	assert.ErrorIs(t, store.Delete(context.Background(), "org-1", "p-1"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_All(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM rls_policies WHERE organization_id = $1 ORDER BY seq ASC")).
		WithArgs("org-1").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).
			AddRow(policyDoc(t, testPolicy("org-1", "a", "first", 1, types.OpSelect))).
			AddRow(policyDoc(t, testPolicy("org-1", "b", "second", 9, types.OpSelect))))

	got, err := store.All(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, names(got))
	assert.NoError(t, mock.ExpectationsWereMet())
}
