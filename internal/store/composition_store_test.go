package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/samhotchkiss/prompt-loom/internal/composition"
	"github.com/samhotchkiss/prompt-loom/internal/middleware"
)

const (
	testOrgID         = "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"
	testCompositionID = "b1ffcd88-8d1c-4ef8-bb6d-6bb9bd380a22"
)

func workspaceCtx() context.Context {
	return context.WithValue(context.Background(), middleware.WorkspaceIDKey, testOrgID)
}

func testComposition() *composition.Composition {
	return &composition.Composition{
		Name:             "chat-default",
		OutputReservePct: 0.1,
		Entries: []composition.Entry{
			{ContributorID: "system_instructions", Priority: 100, TargetPct: 0.2, MinPct: 0.1, MaxPct: 0.3, Active: true},
			{ContributorID: "workflow_history", Priority: 50, TargetPct: 0.8, MinPct: 0.1, MaxPct: 0.9, Condensable: true, Active: true},
		},
		CondensationOrder: []string{"workflow_history"},
	}
}

func expectWorkspace(mock sqlmock.Sqlmock) {
	mock.ExpectExec("SET LOCAL app.org_id").
		WithArgs(testOrgID).
		WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestCompositionStoreCreateRejectsInvalidBeforeTouchingDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	bad := testComposition()
	bad.Entries[0].MinPct = 0.9 // violates min <= target

	_, err = NewCompositionStore(db).Create(workspaceCtx(), bad)
	require.ErrorIs(t, err, composition.ErrInvalid)
	require.NoError(t, mock.ExpectationsWereMet(), "invalid composition must not reach the database")
}

func TestCompositionStoreCreateRequiresWorkspace(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewCompositionStore(db).Create(context.Background(), testComposition())
	require.ErrorIs(t, err, ErrNoWorkspace)
}

func TestCompositionStoreCreateInserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectWorkspace(mock)
	mock.ExpectQuery("INSERT INTO compositions").
		WillReturnRows(sqlmock.NewRows([]string{"id", "version", "created_at", "updated_at"}).
			AddRow(testCompositionID, 1, "2026-03-01", "2026-03-01"))

	stored, err := NewCompositionStore(db).Create(workspaceCtx(), testComposition())
	require.NoError(t, err)
	require.Equal(t, testCompositionID, stored.ID)
	require.Equal(t, 1, stored.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompositionStoreGetRoundTripsJSONFields(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	comp := testComposition()
	comp.Rules = []composition.Rule{{
		ID:        "shrink-tools",
		Condition: composition.Condition{Kind: composition.ConditionHighConfidenceRetrieval},
		Action:    composition.Action{Kind: composition.ActionReduceBy, Contributor: "workflow_history", Pct: 0.5},
	}}
	entries, err := json.Marshal(comp.Entries)
	require.NoError(t, err)
	order, err := json.Marshal(comp.CondensationOrder)
	require.NoError(t, err)
	rules, err := json.Marshal(comp.Rules)
	require.NoError(t, err)

	expectWorkspace(mock)
	mock.ExpectQuery("FROM compositions").
		WithArgs(testOrgID, testCompositionID).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "output_reserve_pct", "entries", "condensation_order", "rules",
			"version", "created_at", "updated_at",
		}).AddRow(testCompositionID, comp.Name, comp.OutputReservePct, entries, order, rules, 3, "2026-03-01", "2026-03-02"))

	stored, err := NewCompositionStore(db).Get(workspaceCtx(), testCompositionID)
	require.NoError(t, err)
	require.Equal(t, comp.Entries, stored.Entries)
	require.Equal(t, comp.CondensationOrder, stored.CondensationOrder)
	require.Equal(t, comp.Rules, stored.Rules)
	require.Equal(t, 3, stored.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompositionStoreGetRejectsMalformedID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewCompositionStore(db).Get(workspaceCtx(), "not-a-uuid")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompositionStoreDeleteNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	expectWorkspace(mock)
	mock.ExpectExec("DELETE FROM compositions").
		WithArgs(testOrgID, testCompositionID).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = NewCompositionStore(db).Delete(workspaceCtx(), testCompositionID)
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompositionStoreUpdateBumpsVersion(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	comp := testComposition()
	comp.ID = testCompositionID

	expectWorkspace(mock)
	mock.ExpectQuery("UPDATE compositions").
		WillReturnRows(sqlmock.NewRows([]string{"version", "created_at", "updated_at"}).
			AddRow(2, "2026-03-01", "2026-03-03"))

	stored, err := NewCompositionStore(db).Update(workspaceCtx(), comp)
	require.NoError(t, err)
	require.Equal(t, 2, stored.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}
