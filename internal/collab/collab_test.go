package collab

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

var item = types.WorkItem{Identifier: "AAPL", AsOfDate: "2026-03-02"}

func TestHTTPGenerator_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var in types.WorkItem
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, item, in)
		_, _ = w.Write([]byte(`{"content":{"summary":"up"}}`))
	}))
	defer srv.Close()

	g, err := NewHTTPGenerator(srv.URL, time.Second)
	require.NoError(t, err)
	content, err := g.Generate(context.Background(), item)
	require.NoError(t, err)
	assert.JSONEq(t, `{"summary":"up"}`, string(content))
}

func TestHTTPGenerator_NullContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"content":null}`))
	}))
	defer srv.Close()

	g, err := NewHTTPGenerator(srv.URL, time.Second)
	require.NoError(t, err)
	content, err := g.Generate(context.Background(), item)
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestHTTPGenerator_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("unknown identifier"))
	}))
	defer srv.Close()

	g, err := NewHTTPGenerator(srv.URL, time.Second)
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), item)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.True(t, se.Permanent())
}

func TestHTTPGenerator_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g, err := NewHTTPGenerator(srv.URL, 50*time.Millisecond)
	require.NoError(t, err)
	_, err = g.Generate(context.Background(), item)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHTTPRenderer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.URL.Query().Get("identifier"))
		assert.Equal(t, "2026-03-02", r.URL.Query().Get("as_of_date"))
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("%PDF-"), body...))
	}))
	defer srv.Close()

	r, err := NewHTTPRenderer(srv.URL+"/", time.Second)
	require.NoError(t, err)
	doc, err := r.Render(context.Background(), item, []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `%PDF-{"a":1}`, string(doc))
}

func TestNewClient_RejectsNonURL(t *testing.T) {
	_, err := NewHTTPRenderer("renderer.local", time.Second)
	assert.Error(t, err)
}
