package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tigawanna/sqlite-sync/internal/csync"
)

func TestDeriveEndpoints(t *testing.T) {
	eps, err := DeriveEndpoints("https://abc123.g5.sqlite.cloud:443/chinook.sqlite?apikey=secret", "deadbeefdeadbeef")
	require.NoError(t, err)
	require.Equal(t, "https://abc123.g5.sqlite.cloud:443/v1/cloudsync/chinook.sqlite/deadbeefdeadbeef", eps.Check)
	require.Equal(t, eps.Check+"/upload", eps.UploadBase)
	require.Equal(t, "Bearer secret", eps.Authorization)
}

func TestDeriveEndpointsRejectsMissingDatabase(t *testing.T) {
	_, err := DeriveEndpoints("https://host", "site")
	require.ErrorIs(t, err, csync.ErrMisuse)
}

type stubServer struct {
	mu       sync.Mutex
	checkHit bool
	uploaded []byte
}

func (s *stubServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/cloudsync/db/site/1/2/check", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.checkHit = true
		s.mu.Unlock()
		_, _ = w.Write([]byte(""))
	})
	mux.HandleFunc("/v1/cloudsync/db/site/upload", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_, _ = w.Write([]byte("http://" + r.Host + "/blob"))
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/blob", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.uploaded = body
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func TestClientCheckReturnsEmptyWhenNothingNew(t *testing.T) {
	srv := &stubServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	eps := Endpoints{Check: ts.URL + "/v1/cloudsync/db/site", UploadBase: ts.URL + "/v1/cloudsync/db/site/upload"}
	c := New(eps)

	blobURL, err := c.Check(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Empty(t, blobURL)
	require.True(t, srv.checkHit)
}

func TestClientUploadRoundTrip(t *testing.T) {
	srv := &stubServer{}
	ts := httptest.NewServer(srv.handler())
	defer ts.Close()

	eps := Endpoints{Check: ts.URL + "/v1/cloudsync/db/site", UploadBase: ts.URL + "/v1/cloudsync/db/site/upload"}
	c := New(eps)

	err := c.Upload(context.Background(), []byte("payload-bytes"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload-bytes"), srv.uploaded)
}

func TestFormatParseInt64RoundTrip(t *testing.T) {
	n, err := ParseInt64(FormatInt64(42))
	require.NoError(t, err)
	require.EqualValues(t, 42, n)

	n, err = ParseInt64("")
	require.NoError(t, err)
	require.Zero(t, n)
}
