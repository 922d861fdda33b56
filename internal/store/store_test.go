package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestInTenantTxBindsScope(t *testing.T) {
	st, mock := newMockStore(t)
	tenantID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("set_config").
		WithArgs(tenantID.String()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec("UPDATE contacts").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := st.InTenantTx(context.Background(), tenantID, func(tx pgx.Tx) error {
		return st.SetOptOut(context.Background(), tx, uuid.New(), true, OptMethodManual, time.Now())
	})
	if err != nil {
		t.Fatalf("InTenantTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInTenantTxRollsBackOnError(t *testing.T) {
	st, mock := newMockStore(t)
	tenantID := uuid.New()
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("set_config").
		WithArgs(tenantID.String()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectRollback()

	err := st.InTenantTx(context.Background(), tenantID, func(tx pgx.Tx) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestInTenantTxRequiresTenant(t *testing.T) {
	st, _ := newMockStore(t)
	err := st.InTenantTx(context.Background(), uuid.Nil, func(tx pgx.Tx) error { return nil })
	if !errors.Is(err, ErrNoTenant) {
		t.Fatalf("error = %v, want ErrNoTenant", err)
	}
}

func TestUpdateMessageStatusApplied(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE messages").
		WithArgs(id, "delivered", "delivered", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	now := time.Now()
	applied, err := st.UpdateMessageStatus(context.Background(), mock, id, "delivered", "delivered", "", &now)
	if err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}
	if !applied {
		t.Fatal("expected update to apply")
	}
}

func TestUpdateMessageStatusTerminalGuard(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	// The WHERE clause refuses regressions out of terminal states, so the
	// driver reports zero rows and the caller sees applied=false.
	mock.ExpectExec("UPDATE messages").
		WithArgs(id, "sent", "sent", "", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	applied, err := st.UpdateMessageStatus(context.Background(), mock, id, "sent", "sent", "", nil)
	if err != nil {
		t.Fatalf("UpdateMessageStatus: %v", err)
	}
	if applied {
		t.Fatal("late callback must not count as applied")
	}
}

func TestIncrementCampaignCounterRejectsUnknownColumn(t *testing.T) {
	st, _ := newMockStore(t)
	err := st.IncrementCampaignCounter(context.Background(), nil, uuid.New(), "sent_count; DROP TABLE campaigns")
	if err == nil {
		t.Fatal("unknown counter name must be rejected")
	}
}

func TestDecrementCampaignCounterFloorsAtZero(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE campaigns SET sent_count = GREATEST").
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	if err := st.DecrementCampaignCounter(context.Background(), mock, id, CounterSent); err != nil {
		t.Fatalf("DecrementCampaignCounter: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestDecrementCampaignCounterRejectsUnknownColumn(t *testing.T) {
	st, _ := newMockStore(t)
	err := st.DecrementCampaignCounter(context.Background(), nil, uuid.New(), "total_recipients")
	if err == nil {
		t.Fatal("unknown counter name must be rejected")
	}
}

func TestIsTerminalStatus(t *testing.T) {
	for _, s := range []string{StatusDelivered, StatusFailed, StatusBounced, StatusComplained} {
		if !IsTerminalStatus(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []string{StatusQueued, StatusSending, StatusSent, ""} {
		if IsTerminalStatus(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestGetContactNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery("SELECT .* FROM contacts").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := st.GetContact(context.Background(), mock, id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestIsGloballyOptedOut(t *testing.T) {
	st, mock := newMockStore(t)

	mock.ExpectQuery("SELECT 1 FROM global_opt_outs").
		WithArgs("+15551234567").
		WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	opted, err := st.IsGloballyOptedOut(context.Background(), "+15551234567")
	if err != nil {
		t.Fatalf("IsGloballyOptedOut: %v", err)
	}
	if !opted {
		t.Fatal("expected opted out")
	}

	mock.ExpectQuery("SELECT 1 FROM global_opt_outs").
		WithArgs("+15559999999").
		WillReturnError(pgx.ErrNoRows)
	opted, err = st.IsGloballyOptedOut(context.Background(), "+15559999999")
	if err != nil {
		t.Fatalf("IsGloballyOptedOut: %v", err)
	}
	if opted {
		t.Fatal("expected not opted out")
	}
}
