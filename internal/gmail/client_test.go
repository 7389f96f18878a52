package gmail

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/store"
)

func setupFactory(t *testing.T) (*Factory, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewFactory(store.NewStore(db), "client-id", "client-secret", 5*time.Second), mock
}

func accountRows(userID uuid.UUID, expiry time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"user_id", "email", "access_token", "refresh_token", "expiry",
		"history_id", "watch_expiry", "updated_at",
	}).AddRow(userID, "owner@gmail.com", "old-access", "refresh-1", expiry,
		uint64(100), nil, time.Now())
}

func TestRefreshSkipsFreshToken(t *testing.T) {
	f, mock := setupFactory(t)
	userID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM oauth_accounts WHERE user_id`).
		WillReturnRows(accountRows(userID, time.Now().Add(time.Hour)))

	acct, err := f.Refresh(context.Background(), userID, false)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if acct.AccessToken != "old-access" {
		t.Errorf("fresh token replaced: %q", acct.AccessToken)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRefreshExpiredTokenPersists(t *testing.T) {
	f, mock := setupFactory(t)
	userID := uuid.New()

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if got := r.FormValue("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.FormValue("refresh_token"); got != "refresh-1" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-access","expires_in":3600}`))
	}))
	defer srv.Close()
	f.SetTokenURL(srv.URL)

	mock.ExpectQuery(`SELECT .* FROM oauth_accounts WHERE user_id`).
		WillReturnRows(accountRows(userID, time.Now().Add(-time.Minute)))
	mock.ExpectExec(`UPDATE oauth_accounts SET access_token`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	acct, err := f.Refresh(context.Background(), userID, false)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if acct.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q, want new-access", acct.AccessToken)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("token endpoint calls = %d", calls)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRefreshInvalidGrantSurfacesTokenExpired(t *testing.T) {
	f, mock := setupFactory(t)
	userID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	f.SetTokenURL(srv.URL)

	mock.ExpectQuery(`SELECT .* FROM oauth_accounts WHERE user_id`).
		WillReturnRows(accountRows(userID, time.Now().Add(-time.Minute)))

	_, err := f.Refresh(context.Background(), userID, false)
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestRefreshForceIgnoresFreshExpiry(t *testing.T) {
	f, mock := setupFactory(t)
	userID := uuid.New()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":"forced","expires_in":3600}`))
	}))
	defer srv.Close()
	f.SetTokenURL(srv.URL)

	mock.ExpectQuery(`SELECT .* FROM oauth_accounts WHERE user_id`).
		WillReturnRows(accountRows(userID, time.Now().Add(time.Hour)))
	mock.ExpectExec(`UPDATE oauth_accounts SET access_token`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	acct, err := f.Refresh(context.Background(), userID, true)
	if err != nil {
		t.Fatalf("Refresh() error: %v", err)
	}
	if acct.AccessToken != "forced" {
		t.Errorf("AccessToken = %q", acct.AccessToken)
	}
}

func TestRefreshMissingAccount(t *testing.T) {
	f, mock := setupFactory(t)

	mock.ExpectQuery(`SELECT .* FROM oauth_accounts WHERE user_id`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))

	if _, err := f.Refresh(context.Background(), uuid.New(), false); err == nil {
		t.Error("expected error for missing account")
	}
}
