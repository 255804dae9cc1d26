package handler

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/require"

	"tessra/internal/domain"
	"tessra/internal/jobs"
	"tessra/internal/security"
	"tessra/internal/service"
	"tessra/internal/storage"
	"tessra/internal/testutil"
)

const testAdminKey = "handler-test-admin-key-0123456789"

type fixture struct {
	auth     *AuthHandler
	settings *SettingsHandler
	uploads  *UploadHandler

	sessions    *testutil.MockSessionRepository
	settingRepo *testutil.MockSettingRepository
	uploadRepo  *testutil.MockUploadRepository
	jobRepo     *testutil.MockJobRepository
	cache       *testutil.MockCacheStore
	local       *storage.LocalProvider
}

func testFallbacks() map[string]string {
	return map[string]string{
		domain.SettingStorageDriver:     storage.DriverLocal,
		domain.SettingDefaultVisibility: string(domain.VisibilityPublic),
		domain.SettingOCREnabled:        "true",
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := testutil.NewMockCacheStore(nil)
	sessions := testutil.NewMockSessionRepository()
	settingRepo := testutil.NewMockSettingRepository()
	uploadRepo := testutil.NewMockUploadRepository()
	jobRepo := testutil.NewMockJobRepository()

	local, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	registry := storage.NewRegistry()
	registry.Register(storage.DriverLocal, local)

	authSvc := service.NewAuthService(
		service.NewSessionManager(sessions),
		security.NewRateLimiter(store),
		service.NewAdminCredential(testAdminKey, ""),
	)
	settings := service.NewSettingsCache(settingRepo, store)
	uploadSvc := service.NewUploadService(uploadRepo, registry, settings, jobs.NewQueue(jobRepo, ""), service.UploadDefaults{
		StorageDriver: storage.DriverLocal,
		Visibility:    domain.VisibilityPublic,
		OCREnabled:    true,
	})

	return &fixture{
		auth:        NewAuthHandler(authSvc, security.NewCSRFStore(store), false),
		settings:    NewSettingsHandler(settings, testFallbacks(), storage.S3Config{}),
		uploads:     NewUploadHandler(uploadSvc, 1<<20),
		sessions:    sessions,
		settingRepo: settingRepo,
		uploadRepo:  uploadRepo,
		jobRepo:     jobRepo,
		cache:       store,
		local:       local,
	}
}

// login performs a successful login and returns the session cookie.
func (f *fixture) login(t *testing.T) *http.Cookie {
	t.Helper()
	w := httptest.NewRecorder()
	f.auth.Login(w, testutil.NewJSONRequest(t, http.MethodPost, "/api/auth/login", LoginRequest{AdminKey: testAdminKey}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	c := testutil.FindCookie(w, "session_token")
	require.NotNil(t, c)
	return c
}

func multipartRequest(t *testing.T, field, filename, mime string, data []byte) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="`+field+`"; filename="`+filename+`"`)
	if mime != "" {
		h.Set("Content-Type", mime)
	}
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}
