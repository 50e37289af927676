package httprm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/rm"
)

func testBranch() *dtx.BranchTransaction {
	return &dtx.BranchTransaction{
		BranchID:   77,
		Xid:        "orders:100:1",
		ResourceID: "payment-svc",
		BranchType: dtx.BranchTypeHTTP,
	}
}

func TestCommitPostsConfirm(t *testing.T) {
	var gotPath string
	var gotBody CallBody
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resolver := NewStaticResolver()
	resolver.Add("payment-svc", srv.URL)
	h := NewHandler(resolver, nil, "payments", nil)

	res := h.Commit(context.Background(), testBranch())
	require.True(t, res.Success())

	assert.Equal(t, "/transaction/confirm", gotPath)
	assert.Equal(t, "orders:100:1", gotBody.Xid)
	assert.Equal(t, int64(77), gotBody.BranchID)
	assert.Equal(t, "confirm", gotBody.Operation)
	assert.Equal(t, "payments", gotBody.ServiceGroup)
	assert.NotZero(t, gotBody.Timestamp)

	assert.Equal(t, "orders:100:1", gotHeaders.Get(HeaderTransactionID))
	assert.Equal(t, "77", gotHeaders.Get(HeaderBranchID))
	assert.Equal(t, "payments", gotHeaders.Get(HeaderServiceGroup))
}

func TestRollbackPostsCancel(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	resolver := NewStaticResolver()
	resolver.Add("payment-svc", srv.URL)
	h := NewHandler(resolver, nil, "", nil)

	res := h.Rollback(context.Background(), testBranch())
	require.True(t, res.Success())
	assert.Equal(t, "/transaction/cancel", gotPath)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		code int
		want rm.CommStatus
	}{
		{200, rm.StatusSuccess},
		{204, rm.StatusSuccess},
		{401, rm.StatusAuthError},
		{403, rm.StatusAuthError},
		{404, rm.StatusResourceError},
		{408, rm.StatusTimeout},
		{504, rm.StatusTimeout},
		{409, rm.StatusFailure},
		{422, rm.StatusNonRetryableError},
		{500, rm.StatusRetryableError},
		{503, rm.StatusRetryableError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, classifyHTTPStatus(c.code), "http %d", c.code)
	}
}

func TestStatusMappingEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	resolver := NewStaticResolver()
	resolver.Add("payment-svc", srv.URL)
	h := NewHandler(resolver, nil, "", nil)

	res := h.Commit(context.Background(), testBranch())
	require.False(t, res.Success())
	assert.Equal(t, rm.StatusRetryableError, res.Status)
	assert.True(t, res.Status.Retryable())
}

func TestAuthHeaders(t *testing.T) {
	var auth, apiKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		apiKey = r.Header.Get("X-API-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	resolver := NewStaticResolver()
	resolver.Add("payment-svc", srv.URL)

	h := NewHandler(resolver, &Auth{BearerToken: "tok123"}, "", nil)
	require.True(t, h.Commit(context.Background(), testBranch()).Success())
	assert.Equal(t, "Bearer tok123", auth)

	h = NewHandler(resolver, &Auth{APIKey: "k1"}, "", nil)
	require.True(t, h.Commit(context.Background(), testBranch()).Success())
	assert.Equal(t, "k1", apiKey)

	h = NewHandler(resolver, &Auth{BasicUser: "svc", BasicPassword: "pw"}, "", nil)
	require.True(t, h.Commit(context.Background(), testBranch()).Success())
	assert.Contains(t, auth, "Basic ")
}

func TestResolverFallsBackToURLResource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	h := NewHandler(NewStaticResolver(), nil, "", nil)
	b := testBranch()
	b.ResourceID = srv.URL
	assert.True(t, h.Commit(context.Background(), b).Success())
}

func TestUnknownResource(t *testing.T) {
	h := NewHandler(NewStaticResolver(), nil, "", nil)
	res := h.Commit(context.Background(), testBranch())
	require.False(t, res.Success())
	assert.Equal(t, rm.StatusResourceError, res.Status)
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	resolver := NewStaticResolver()
	resolver.Add("payment-svc", "http://127.0.0.1:1")
	h := NewHandler(resolver, nil, "", nil)
	res := h.Commit(context.Background(), testBranch())
	require.False(t, res.Success())
	assert.Equal(t, rm.StatusNetworkError, res.Status)
	assert.True(t, res.Status.Retryable())
}
