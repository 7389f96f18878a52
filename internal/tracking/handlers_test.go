package tracking

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dropocol/coldjot/internal/store"
)

func setupHandler(t *testing.T) (*chi.Mux, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	r := chi.NewRouter()
	NewHandler(store.NewStore(db)).Routes(r)
	return r, mock
}

func trackingRows(hash string, seqID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "hash", "message_id", "thread_id", "status",
		"open_count", "sent_at", "opened_at", "clicked_at", "metadata",
	}).AddRow(uuid.New(), uuid.New(), hash, "<m1@mail.gmail.com>", "t-1", "sent",
		0, time.Now(), nil, nil,
		[]byte(`{"email":"a@ex.com","sequenceId":"`+seqID.String()+`"}`))
}

func TestPixelCountsOpenAndServesGIF(t *testing.T) {
	r, mock := setupHandler(t)
	seqID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM email_tracking WHERE hash`).
		WillReturnRows(trackingRows("abc123", seqID))
	mock.ExpectExec(`UPDATE email_tracking SET open_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_tracking SET opened_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE sequence_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123.png", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "image/gif" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); got != "max-age=60, private" {
		t.Errorf("Cache-Control = %q", got)
	}
	if w.Body.Len() != 43 {
		t.Errorf("gif length = %d, want 43", w.Body.Len())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPixelSelfRedirectsForSenderView(t *testing.T) {
	r, mock := setupHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123.png", nil)
	req.Header.Set("Referer", "https://mail.google.com/mail/u/0/#inbox?compose=new")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want 307", w.Code)
	}
	// Nothing recorded for a sender view.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestPixelUnknownHashStillServesGIF(t *testing.T) {
	r, mock := setupHandler(t)

	mock.ExpectQuery(`SELECT .* FROM email_tracking WHERE hash`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet, "/api/track/nope.png", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.Len() != 43 {
		t.Errorf("gif length = %d", w.Body.Len())
	}
}

func TestClickRedirectsToOriginalURL(t *testing.T) {
	r, mock := setupHandler(t)
	linkID := uuid.New()
	seqID := uuid.New()

	mock.ExpectQuery(`SELECT .* FROM tracked_links`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email_tracking_id", "original_url", "click_count"}).
			AddRow(linkID, uuid.New(), "https://acme.com/pricing", 0))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO link_clicks`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE tracked_links SET click_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE email_tracking SET clicked_at`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`INSERT INTO email_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT .* FROM email_tracking WHERE hash`).
		WillReturnRows(trackingRows("abc123", seqID))
	mock.ExpectExec(`UPDATE sequence_stats`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123/click?lid="+linkID.String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != "https://acme.com/pricing" {
		t.Errorf("Location = %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestClickMissingLid(t *testing.T) {
	r, _ := setupHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123/click", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestClickUnknownLink(t *testing.T) {
	r, mock := setupHandler(t)

	mock.ExpectQuery(`SELECT .* FROM tracked_links`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet, "/api/track/abc123/click?lid="+uuid.New().String(), nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}
