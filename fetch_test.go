package dlchat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDownloadCorpus(t *testing.T) {
	body := strings.Repeat("L1 +++$+++ u0 +++$+++ m0 +++$+++ BIANCA +++$+++ They do not!\n", 200000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/movie_lines.txt":
			w.Write([]byte(body))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		path    string
		wantErr string
	}{
		{name: "ok", path: "/movie_lines.txt"},
		{name: "missing", path: "/nope.txt", wantErr: "unexpected status code 404"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			err := downloadCorpus(context.Background(), srv.Client(), fs, "corpus.txt", srv.URL+tt.path, nil)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				exists, _ := afero.Exists(fs, "corpus.txt")
				assert.False(t, exists)
				return
			}
			require.NoError(t, err)
			got, err := afero.ReadFile(fs, "corpus.txt")
			require.NoError(t, err)
			assert.Equal(t, body, string(got))
		})
	}
}

func TestDownloadCorpus_Cancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello\n"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := downloadCorpus(ctx, srv.Client(), afero.NewMemMapFs(), "corpus.txt", srv.URL, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
