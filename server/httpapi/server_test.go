package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/migadu/eaf/config"
	"github.com/migadu/eaf/filter"
	"github.com/migadu/eaf/helpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "test-key"

var exeMessage = strings.ReplaceAll(`From: alice@example.com
To: bob@example.com
Subject: invoice
MIME-Version: 1.0
Content-Type: multipart/mixed; boundary="b1"

--b1
Content-Type: text/plain

Please run the attached tool.
--b1
Content-Type: application/octet-stream; name="tool.exe"
Content-Disposition: attachment; filename="tool.exe"
Content-Transfer-Encoding: base64

TVqQAAMAAAAEAAAA
--b1
Content-Type: text/plain; name="notes.txt"
Content-Disposition: attachment; filename="notes.txt"

notes
--b1--
`, "\n", "\r\n")

type fakeQuarantine struct {
	objects map[string][]byte
}

func (f *fakeQuarantine) Get(_ context.Context, key string) ([]byte, error) {
	if data, ok := f.objects[key]; ok {
		return data, nil
	}
	return nil, errors.New("NoSuchKey")
}

func newTestServer(t *testing.T, mutate func(*config.HTTPAPIConfig), opts ServerOptions) http.Handler {
	t.Helper()

	fcfg := config.NewDefaultConfig().Filter
	fcfg.Rules.Remove = []string{"*.exe"}
	fcfg.Rules.SenderWhitelist = []string{"trusted@example.com"}
	pol, err := filter.NewPolicy(fcfg)
	require.NoError(t, err)
	store := filter.NewPolicyStore(pol)
	opts.Policies = store
	opts.Processor = filter.NewProcessor(store, nil)

	cfg := config.NewDefaultConfig().HTTPAPI
	cfg.APIKey = testAPIKey
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, opts)
	require.NoError(t, err)
	return s.Handler()
}

func scanRequest(query, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/scan"+query, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	return req
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(config.HTTPAPIConfig{}, ServerOptions{})
	assert.Error(t, err)
}

func TestHealthIsPublic(t *testing.T) {
	h := newTestServer(t, nil, ServerOptions{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotZero(t, resp.PolicyGeneration)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil, ServerOptions{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "eaf_")
}

func TestScanRequiresBearerToken(t *testing.T) {
	h := newTestServer(t, nil, ServerOptions{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/scan", strings.NewReader(exeMessage)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := scanRequest("", exeMessage)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestScanReportsVerdicts(t *testing.T) {
	h := newTestServer(t, nil, ServerOptions{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("?sender=alice@example.com&recipient=bob@example.com", exeMessage))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "modify", resp.Action)
	assert.Equal(t, "invoice", resp.Subject)
	require.Len(t, resp.Attachments, 2)

	byName := map[string]AttachmentVerdict{}
	for _, a := range resp.Attachments {
		byName[a.FileName] = a
	}
	assert.Equal(t, filter.RemoveAttachment.String(), byName["tool.exe"].Status)
	assert.Equal(t, filter.Accept.String(), byName["notes.txt"].Status)
}

func TestScanHonorsSenderWhitelist(t *testing.T) {
	h := newTestServer(t, nil, ServerOptions{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("?sender=trusted@example.com", exeMessage))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ScanResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "deliver", resp.Action)
	assert.Equal(t, string(filter.BypassSenderWhitelist), resp.Bypass)
}

func TestScanRejectsBadDeliveryMethod(t *testing.T) {
	h := newTestServer(t, nil, ServerOptions{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("?delivery_method=pigeon", exeMessage))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScanEnforcesUploadLimit(t *testing.T) {
	h := newTestServer(t, func(c *config.HTTPAPIConfig) { c.MaxUploadSize = "1kb" }, ServerOptions{})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, scanRequest("", exeMessage+strings.Repeat("x", 2048)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	h := newTestServer(t, func(c *config.HTTPAPIConfig) { c.AllowedHosts = []string{"10.0.0.0/8"} }, ServerOptions{})

	req := scanRequest("", exeMessage)
	req.RemoteAddr = "192.0.2.1:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = scanRequest("", exeMessage)
	req.RemoteAddr = "10.1.2.3:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQuarantineGet(t *testing.T) {
	hash := helpers.HashContent([]byte("payload"))
	q := &fakeQuarantine{objects: map[string][]byte{
		helpers.NewQuarantineKey("attachments", hash): []byte("payload"),
	}}
	h := newTestServer(t, nil, ServerOptions{Quarantine: q})

	get := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	rec := get("/api/v1/quarantine/attachments/" + hash)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payload", rec.Body.String())

	assert.Equal(t, http.StatusNotFound, get("/api/v1/quarantine/messages/"+hash).Code)
	assert.Equal(t, http.StatusBadRequest, get("/api/v1/quarantine/other/"+hash).Code)
	assert.Equal(t, http.StatusBadRequest, get("/api/v1/quarantine/attachments/xyz").Code)
}
