package rotation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/secretd/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.NewWithWriter(io.Discard, false)
}

func TestGenerate(t *testing.T) {
	t.Parallel()

	val, err := Generate(48, "")
	require.NoError(t, err)
	assert.Len(t, val, 48)
	for _, b := range val {
		assert.Contains(t, DefaultCharset, string(b))
	}

	hex, err := Generate(16, "0123456789abcdef")
	require.NoError(t, err)
	assert.Len(t, hex, 16)
	for _, b := range hex {
		assert.Contains(t, "0123456789abcdef", string(b))
	}

	// Zero length falls back to the default.
	val, err = Generate(0, "")
	require.NoError(t, err)
	assert.Len(t, val, 32)

	// Two draws are distinct (overwhelmingly).
	a, err := Generate(32, "")
	require.NoError(t, err)
	b, err := Generate(32, "")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNewActionByKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind Kind
		want Kind
	}{
		{KindNone, KindNone},
		{"", KindNone},
		{KindCredentialUpdate, KindCredentialUpdate},
		{KindKeyRegeneration, KindKeyRegeneration},
	}
	for _, tt := range tests {
		a, err := NewAction(tt.kind, testLogger())
		require.NoError(t, err)
		assert.Equal(t, tt.want, a.Kind())
	}

	_, err := NewAction("carrier-pigeon", testLogger())
	assert.Error(t, err)
}

func newMockedSQLAction(t *testing.T) (*SQLAction, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	a := NewSQLAction(testLogger())
	a.openDB = func(driver, dsn string) (*sql.DB, error) { return db, nil }
	return a, mock
}

func TestSQLActionAppliesDefaultStatement(t *testing.T) {
	t.Parallel()
	a, mock := newMockedSQLAction(t)

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectExec(`ALTER USER "app_rw" WITH PASSWORD 'n3w-pass'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?"}).AddRow(1))

	err := a.Apply(context.Background(), Request{
		SecretName: "db/app-password",
		Version:    3,
		NewValue:   []byte("n3w-pass"),
		Config:     json.RawMessage(`{"driver":"postgres","dsn":"ignored","username":"app_rw"}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLActionEscapesQuotes(t *testing.T) {
	t.Parallel()
	a, mock := newMockedSQLAction(t)

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectExec(`ALTER USER "app" WITH PASSWORD 'it''s'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?"}).AddRow(1))

	err := a.Apply(context.Background(), Request{
		SecretName: "db/app-password",
		NewValue:   []byte("it's"),
		Config:     json.RawMessage(`{"driver":"postgres","username":"app"}`),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLActionPropagatesExecFailure(t *testing.T) {
	t.Parallel()
	a, mock := newMockedSQLAction(t)

	mock.ExpectPing()
	mock.ExpectBegin()
	mock.ExpectExec("ALTER USER").WillReturnError(fmt.Errorf("permission denied"))
	mock.ExpectRollback()

	err := a.Apply(context.Background(), Request{
		SecretName: "db/app-password",
		NewValue:   []byte("x"),
		Config:     json.RawMessage(`{"driver":"postgres","username":"app"}`),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestSQLActionRejectsBadConfig(t *testing.T) {
	t.Parallel()
	a := NewSQLAction(testLogger())

	tests := []struct {
		name   string
		config string
	}{
		{"not json", `{driver}`},
		{"unknown driver", `{"driver":"oracle","username":"u"}`},
		{"missing username", `{"driver":"mysql"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := a.Apply(context.Background(), Request{
				SecretName: "s",
				Config:     json.RawMessage(tt.config),
			})
			assert.Error(t, err)
		})
	}
}

func TestWebhookActionSuccess(t *testing.T) {
	t.Parallel()

	var gotAuth string
	var gotPayload webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotPayload))
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	a := NewWebhookAction(testLogger())
	err := a.Apply(context.Background(), Request{
		SecretName: "api/signing-key",
		Version:    7,
		NewValue:   []byte("fresh-key-material"),
		Config:     json.RawMessage(fmt.Sprintf(`{"url":%q,"auth_token":"tok"}`, srv.URL)),
	})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "api/signing-key", gotPayload.Secret)
	assert.Equal(t, int64(7), gotPayload.Version)
	assert.Equal(t, "fresh-key-material", gotPayload.NewValue)
}

func TestWebhookActionFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantIn  string
	}{
		{
			name: "http error status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantIn: "status 500",
		},
		{
			name: "explicit rejection",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"success": false, "error": "target unavailable"}`))
			},
			wantIn: "target unavailable",
		},
		{
			name: "unparsable body",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`<html>`))
			},
			wantIn: "unparsable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			a := NewWebhookAction(testLogger())
			err := a.Apply(context.Background(), Request{
				SecretName: "api/key",
				Config:     json.RawMessage(fmt.Sprintf(`{"url":%q}`, srv.URL)),
			})
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.wantIn), "error %q should mention %q", err, tt.wantIn)
		})
	}
}

func TestWebhookActionHonorsContextDeadline(t *testing.T) {
	t.Parallel()

	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()
	defer close(blocked)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewWebhookAction(testLogger())
	err := a.Apply(ctx, Request{
		SecretName: "api/key",
		Config:     json.RawMessage(fmt.Sprintf(`{"url":%q}`, srv.URL)),
	})
	assert.Error(t, err)
}
