package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeS3(t *testing.T, handler http.HandlerFunc) S3Config {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return S3Config{
		Endpoint:        srv.URL,
		Region:          "us-east-1",
		Bucket:          "tessra-test",
		AccessKeyID:     "test-key",
		SecretAccessKey: "test-secret",
	}
}

func TestS3Config_Configured(t *testing.T) {
	assert.False(t, S3Config{}.Configured())
	assert.False(t, S3Config{Bucket: "b", Region: "r", AccessKeyID: "k"}.Configured())
	assert.True(t, S3Config{Bucket: "b", Region: "r", AccessKeyID: "k", SecretAccessKey: "s"}.Configured())
}

func TestCheckS3(t *testing.T) {
	t.Run("not_configured", func(t *testing.T) {
		status := CheckS3(context.Background(), S3Config{})
		assert.False(t, status.Configured)
		assert.False(t, status.Connected)
		assert.Contains(t, status.Message, "not configured")
	})

	t.Run("connected", func(t *testing.T) {
		cfg := fakeS3(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodHead, r.Method)
			assert.Equal(t, "/tessra-test", r.URL.Path)
			w.WriteHeader(http.StatusOK)
		})

		status := CheckS3(context.Background(), cfg)
		assert.True(t, status.Configured)
		assert.True(t, status.Connected)
	})

	tests := []struct {
		name string
		code int
		want string
	}{
		{"missing_bucket", http.StatusNotFound, "does not exist"},
		{"forbidden", http.StatusForbidden, "Access denied"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fakeS3(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.code)
			})

			status := CheckS3(context.Background(), cfg)
			assert.True(t, status.Configured)
			assert.False(t, status.Connected)
			assert.Contains(t, status.Message, tt.want)
		})
	}
}

func TestS3Provider_GetMissingObject(t *testing.T) {
	cfg := fakeS3(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`))
	})

	p, err := NewS3Provider(context.Background(), cfg)
	require.NoError(t, err)

	_, err = p.Get(context.Background(), "uploads/ab/missing.png")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestS3Provider_GetObject(t *testing.T) {
	cfg := fakeS3(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tessra-test/uploads/ab/abc.png", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	})

	p, err := NewS3Provider(context.Background(), cfg)
	require.NoError(t, err)

	data, err := p.Get(context.Background(), "uploads/ab/abc.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)
}

func TestNewS3Provider_RequiresConfig(t *testing.T) {
	_, err := NewS3Provider(context.Background(), S3Config{Bucket: "b"})
	assert.Error(t, err)
}
