package store

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restsaga/restsaga/config"
)

func newTestRestStore(handler http.Handler) (*RestStore, *httptest.Server) {
	srv := httptest.NewServer(handler)
	conf := config.NewTestConfig()
	conf.StoreBaseURL = srv.URL
	conf.StoreRequestRate = 0
	return NewRestStore(conf), srv
}

func TestRestStoreInsert(t *testing.T) {
	var gotBody Row
	s, srv := newTestRestStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/invoices", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]string{"id": "inv-42"})
	}))
	defer srv.Close()

	res, err := s.Apply(context.Background(), "invoices", KindInsert, Row{"number": "INV-1"})
	require.NoError(t, err)
	assert.Equal(t, "inv-42", res.AssignedID)
	assert.Equal(t, "INV-1", gotBody["number"])
}

func TestRestStoreUpdateCapturesPreImageFirst(t *testing.T) {
	var calls []string
	s, srv := newTestRestStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		switch r.Method {
		case "GET":
			json.NewEncoder(w).Encode(Row{FieldID: "inv-1", "status": "draft"})
		case "PUT":
			var body Row
			json.NewDecoder(r.Body).Decode(&body)
			assert.Equal(t, "posted", body["status"])
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	res, err := s.Apply(context.Background(), "invoices", KindUpdate, Row{FieldID: "inv-1", "status": "posted"})
	require.NoError(t, err)
	// The pre-image read happens before the write.
	assert.Equal(t, []string{"GET /invoices/inv-1", "PUT /invoices/inv-1"}, calls)
	assert.Equal(t, "draft", res.PreImage["status"])
}

func TestRestStoreReplaceWritesVerbatim(t *testing.T) {
	var calls []string
	var gotBody Row
	s, srv := newTestRestStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	pre := Row{FieldID: "inv-1", "status": "draft"}
	require.NoError(t, s.Replace(context.Background(), "invoices", "inv-1", pre))
	// A single full-row PUT, no read-modify-write.
	assert.Equal(t, []string{"PUT /invoices/inv-1"}, calls)
	assert.Equal(t, pre, gotBody)
}

func TestRestStoreDelete(t *testing.T) {
	var calls []string
	s, srv := newTestRestStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method)
		if r.Method == "GET" {
			json.NewEncoder(w).Encode(Row{FieldID: "inv-1", "status": "draft"})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := s.Apply(context.Background(), "invoices", KindDelete, Row{FieldID: "inv-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"GET", "DELETE"}, calls)
	assert.Equal(t, "draft", res.PreImage["status"])
}

func TestRestStoreNotFound(t *testing.T) {
	s, srv := newTestRestStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	err := s.DeleteByID(context.Background(), "invoices", "nope")
	assert.Equal(t, ErrRowNotFound, errors.Cause(err))
}

func TestRestStoreServerError(t *testing.T) {
	s, srv := newTestRestStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := s.Apply(context.Background(), "invoices", KindInsert, Row{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "boom")
}

func TestRestStoreReadFilter(t *testing.T) {
	s, srv := newTestRestStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "draft", r.URL.Query().Get("status"))
		json.NewEncoder(w).Encode(map[string][]Row{"rows": {{FieldID: "a"}, {FieldID: "b"}}})
	}))
	defer srv.Close()

	rows, err := s.Read(context.Background(), "invoices", Row{"status": "draft"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRestStoreHonorsContextDeadline(t *testing.T) {
	block := make(chan struct{})
	s, srv := newTestRestStore(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Apply(ctx, "invoices", KindInsert, Row{})
	require.Error(t, err)
}
