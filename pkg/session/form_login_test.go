package session

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookfetch/pkg/account"
	"bookfetch/pkg/creds"
	errs "bookfetch/pkg/errors"
	"bookfetch/pkg/logger"
)

func testCredsManager(t *testing.T, email, password string) *creds.Manager {
	t.Helper()
	mock := creds.NewMockStore()
	require.NoError(t, mock.Store(&creds.Credential{Email: email, Password: password, UpdatedAt: time.Now()}))
	return creds.NewManagerWithStores(mock)
}

func TestAcquireSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "/login", r.URL.Path)
		assert.Equal(t, "reader@example.com", r.PostForm.Get("email"))
		assert.Equal(t, "hunter2", r.PostForm.Get("password"))

		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc123"})
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewFormLoginProvider(srv.URL, "/login", "bookfetch-test", 5*time.Second,
		testCredsManager(t, "reader@example.com", "hunter2"), logger.Nop())

	sess, err := p.Acquire(context.Background(), account.Account{Email: "reader@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "reader@example.com", sess.AccountID)
	assert.NotNil(t, sess.Client.Jar)
}

func TestAcquireMissingCredential(t *testing.T) {
	p := NewFormLoginProvider("http://unused.example.com", "/login", "ua", time.Second,
		creds.NewManagerWithStores(creds.NewMockStore()), logger.Nop())

	_, err := p.Acquire(context.Background(), account.Account{Email: "ghost@example.com"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeAuth))
}

func TestAcquireRejectedCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Incorrect email or password"))
	}))
	defer srv.Close()

	p := NewFormLoginProvider(srv.URL, "/login", "ua", 5*time.Second,
		testCredsManager(t, "reader@example.com", "wrong"), logger.Nop())

	_, err := p.Acquire(context.Background(), account.Account{Email: "reader@example.com"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeAuth))
}

func TestAcquireLockedAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Your account has been blocked"))
	}))
	defer srv.Close()

	p := NewFormLoginProvider(srv.URL, "/login", "ua", 5*time.Second,
		testCredsManager(t, "reader@example.com", "hunter2"), logger.Nop())

	_, err := p.Acquire(context.Background(), account.Account{Email: "reader@example.com"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrorTypeAccountLocked))
}

func TestClassifyLoginResponse(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   errs.ErrorType
		ok     bool
	}{
		{"ok", http.StatusOK, "welcome", "", true},
		{"redirect", http.StatusFound, "", "", true},
		{"rate limited", http.StatusTooManyRequests, "", errs.ErrorTypeTransient, false},
		{"unauthorized", http.StatusUnauthorized, "", errs.ErrorTypeAuth, false},
		{"forbidden", http.StatusForbidden, "", errs.ErrorTypeAuth, false},
		{"server error", http.StatusBadGateway, "", errs.ErrorTypeTransient, false},
		{"banned body", http.StatusOK, "account banned for abuse", errs.ErrorTypeAccountLocked, false},
		{"suspended body", http.StatusOK, "Account suspended", errs.ErrorTypeAccountLocked, false},
		{"wrong password body", http.StatusOK, "invalid password", errs.ErrorTypeAuth, false},
		{"odd status", http.StatusTeapot, "", errs.ErrorTypeTransient, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyLoginResponse(tt.status, tt.body)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errs.Is(err, tt.want))
		})
	}
}
