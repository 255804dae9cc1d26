//go:build integration

package server_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"tessra/internal/cache"
	"tessra/internal/database/migrate"
	"tessra/internal/domain"
	"tessra/internal/handler"
	"tessra/internal/jobs"
	"tessra/internal/middleware"
	"tessra/internal/ocr"
	"tessra/internal/repository/postgres"
	"tessra/internal/security"
	"tessra/internal/server"
	"tessra/internal/service"
	"tessra/internal/storage"
)

const e2eAdminKey = "e2e-admin-key-0123456789abcdefghij"

type stubExtractor struct{ text string }

func (s stubExtractor) ExtractText(ctx context.Context, data []byte, mime string) (string, error) {
	return s.text, nil
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port string) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start %s", req.Image)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

type e2eEnv struct {
	baseURL string
	db      *sql.DB
	client  *http.Client
}

func setupEnv(t *testing.T) *e2eEnv {
	t.Helper()

	pgAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		).WithDeadline(60 * time.Second),
	}, "5432")

	redisAddr := startContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379")

	db, err := sql.Open("postgres", "postgres://test:test@"+pgAddr+"/testdb?sslmode=disable")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.Eventually(t, func() bool { return db.Ping() == nil }, 10*time.Second, 200*time.Millisecond)
	require.NoError(t, migrate.Run(db))

	store, err := cache.NewRedisStore("redis://" + redisAddr + "/0")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sessionRepo, err := postgres.NewSessionRepository(db)
	require.NoError(t, err)
	settingRepo, err := postgres.NewSettingRepository(db)
	require.NoError(t, err)
	uploadRepo, err := postgres.NewUploadRepository(db)
	require.NoError(t, err)
	jobRepo, err := postgres.NewJobRepository(db)
	require.NoError(t, err)

	providers, err := storage.NewDefaultRegistry(context.Background(), t.TempDir(), storage.S3Config{})
	require.NoError(t, err)

	credential := service.NewAdminCredential(e2eAdminKey, "")
	authSvc := service.NewAuthService(service.NewSessionManager(sessionRepo), security.NewRateLimiter(store), credential)
	csrf := security.NewCSRFStore(store)
	settings := service.NewSettingsCache(settingRepo, store)
	queue := jobs.NewQueue(jobRepo, jobs.DefaultQueue)
	uploads := service.NewUploadService(uploadRepo, providers, settings, queue, service.UploadDefaults{
		StorageDriver: storage.DriverLocal,
		Visibility:    domain.VisibilityPublic,
	})

	pool := jobs.NewPool(queue, jobs.PoolConfig{Concurrency: 2, PollInterval: 100 * time.Millisecond}, jobs.LogObserver{})
	processor := ocr.NewProcessor(providers, storage.DriverLocal, stubExtractor{text: "Invoice 42"}, uploadRepo)
	require.NoError(t, pool.Register(ocr.JobName, processor.Process))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		assert.NoError(t, pool.Shutdown(shutdownCtx))
		cancel()
	})

	router := server.NewRouter(server.Routes{
		AllowedOrigins: []string{"*"},
		Gate:           middleware.NewAuthGate(middleware.NewSessionStrategy(authSvc), middleware.NewBearerStrategy(credential)),
		CSRF:           csrf,
		Auth:           handler.NewAuthHandler(authSvc, csrf, false),
		Settings: handler.NewSettingsHandler(settings, map[string]string{
			domain.SettingStorageDriver:     storage.DriverLocal,
			domain.SettingDefaultVisibility: string(domain.VisibilityPublic),
			domain.SettingOCREnabled:        "false",
		}, storage.S3Config{}),
		Uploads: handler.NewUploadHandler(uploads, 0),
		Ready:   handler.Ready(db, store, nil),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &e2eEnv{baseURL: srv.URL, db: db, client: &http.Client{Timeout: 10 * time.Second}}
}

func (e *e2eEnv) do(t *testing.T, method, path string, body []byte, headers map[string]string, cookie *http.Cookie) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.baseURL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	resp, err := e.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *e2eEnv) login(t *testing.T) *http.Cookie {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/auth/login", []byte(`{"adminKey":"`+e2eAdminKey+`"}`),
		map[string]string{"Content-Type": "application/json"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, c := range resp.Cookies() {
		if c.Name == middleware.SessionCookieName {
			return c
		}
	}
	t.Fatal("login did not set a session cookie")
	return nil
}

func (e *e2eEnv) csrf(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodGet, "/api/auth/csrf", nil, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["token"]
}

func TestE2E_AdminFlow(t *testing.T) {
	env := setupEnv(t)

	resp := env.do(t, http.MethodGet, "/health/ready", nil, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	cookie := env.login(t)

	t.Run("second_login_revokes_first", func(t *testing.T) {
		second := env.login(t)

		resp := env.do(t, http.MethodGet, "/api/admin/ping", nil, nil, cookie)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp = env.do(t, http.MethodGet, "/api/admin/ping", nil, nil, second)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		cookie = second
	})

	t.Run("enable_ocr", func(t *testing.T) {
		body := []byte(`{"key":"ocr_enabled","value":"true"}`)
		resp := env.do(t, http.MethodPatch, "/api/admin/settings", body,
			map[string]string{"Content-Type": "application/json", middleware.CSRFHeader: env.csrf(t)}, cookie)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = env.do(t, http.MethodGet, "/api/admin/settings", nil, nil, cookie)
		var settings map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&settings))
		assert.Equal(t, "true", settings["ocr_enabled"])
	})

	t.Run("upload_is_served_and_ocr_runs", func(t *testing.T) {
		data := []byte("\x89PNG\r\n\x1a\n e2e image")

		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="file"; filename="scan.png"`)
		h.Set("Content-Type", "image/png")
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
		require.NoError(t, mw.Close())

		resp := env.do(t, http.MethodPost, "/api/upload", buf.Bytes(),
			map[string]string{"Content-Type": mw.FormDataContentType(), middleware.CSRFHeader: env.csrf(t)}, cookie)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var up handler.UploadResponse
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&up))
		require.True(t, strings.HasSuffix(up.PublicURL, "/uploads/"+up.ID))

		resp = env.do(t, http.MethodGet, "/uploads/"+up.ID, nil, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

		require.Eventually(t, func() bool {
			var text sql.NullString
			err := env.db.QueryRow(`SELECT ocr_text FROM uploads WHERE id = $1`, up.ID).Scan(&text)
			return err == nil && text.Valid && text.String == "Invoice 42"
		}, 15*time.Second, 200*time.Millisecond)

		var status string
		require.NoError(t, env.db.QueryRow(`SELECT status FROM jobs WHERE name = $1`, ocr.JobName).Scan(&status))
		assert.Equal(t, string(domain.JobCompleted), status)
	})

	t.Run("logout", func(t *testing.T) {
		resp := env.do(t, http.MethodPost, "/api/auth/logout", nil, nil, cookie)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		resp = env.do(t, http.MethodGet, "/api/admin/ping", nil, nil, cookie)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}
