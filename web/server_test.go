package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/owenmpls/ma-toolkit-sandbox-sub002/admin"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/db/repository"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/model"
	"github.com/owenmpls/ma-toolkit-sandbox-sub002/queue"
)

const webDoc = `
name: crm-cutover
data_source: {type: sql, query: "select * from cutovers", primary_key: tenant_id, batch_time_column: cutover_at}
phases:
  - name: switch
    offset: T-0
    steps: [{name: dns, worker_id: infra, function: switch_dns}]
`

func newTestServer(t *testing.T, checks map[string]ReadinessCheck) *Server {
	t.Helper()
	store := repository.NewMemoryStore()
	svc := admin.New(store, &queue.MockPublisher{})
	return New(svc, checks)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echoContentType, "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

const echoContentType = "Content-Type"

func publishDoc(t *testing.T, s *Server) {
	t.Helper()
	body, err := json.Marshal(map[string]string{"document": webDoc})
	require.NoError(t, err)
	rec := do(t, s, http.MethodPost, "/v1/api/runbooks", string(body))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) bool { return true }
	bad := func(context.Context) bool { return false }

	s := newTestServer(t, map[string]ReadinessCheck{"database": ok, "queue": ok})
	rec := do(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	s = newTestServer(t, map[string]ReadinessCheck{"database": ok, "queue": bad})
	rec = do(t, s, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "unavailable")
}

func TestPublishRunbook(t *testing.T) {
	s := newTestServer(t, nil)
	publishDoc(t, s)

	rec := do(t, s, http.MethodGet, "/v1/api/runbooks/crm-cutover", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	var rb model.Runbook
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rb))
	assert.Equal(t, 1, rb.Version)
}

func TestPublishRunbookValidationError(t *testing.T) {
	s := newTestServer(t, nil)
	body, _ := json.Marshal(map[string]string{"document": "name: broken\n"})
	rec := do(t, s, http.MethodPost, "/v1/api/runbooks", string(body))

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "data_source.type", resp["field"])
	assert.NotEmpty(t, resp["message"])
}

func TestGetRunbookNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	rec := do(t, s, http.MethodGet, "/v1/api/runbooks/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestManualBatchLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	publishDoc(t, s)

	rec := do(t, s, http.MethodPost, "/v1/api/batches",
		`{"runbook_name":"crm-cutover","created_by":"ops"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var batch model.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))

	// advancing needs a start time
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/v1/api/batches/%d/advance", batch.ID), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	start := time.Date(2026, 9, 1, 22, 0, 0, 0, time.UTC)
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/v1/api/batches/%d/advance", batch.ID),
		fmt.Sprintf(`{"start_time":%q}`, start.Format(time.RFC3339)))
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/v1/api/batches/%d", batch.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	require.NotNil(t, batch.BatchStartTime)
	assert.True(t, start.Equal(*batch.BatchStartTime))

	rec = do(t, s, http.MethodPost, fmt.Sprintf("/v1/api/batches/%d/cancel", batch.ID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// cancelling again conflicts: the batch is already terminal
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/v1/api/batches/%d/cancel", batch.ID), "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateBatchWithMembers(t *testing.T) {
	s := newTestServer(t, nil)
	publishDoc(t, s)

	rec := do(t, s, http.MethodPost, "/v1/api/batches",
		`{"runbook_name":"crm-cutover","created_by":"ops","members":[
			{"member_key":"t-1","data":{"tenant_id":"t-1"}},
			{"member_key":"t-2","data":{"tenant_id":"t-2"}}
		]}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var batch model.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/v1/api/batches/%d/members", batch.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var members []model.BatchMember
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &members))
	assert.Len(t, members, 2)

	// a member without a key rejects the whole request
	rec = do(t, s, http.MethodPost, "/v1/api/batches",
		`{"runbook_name":"crm-cutover","created_by":"ops","members":[{"data":{}}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMemberEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	publishDoc(t, s)

	rec := do(t, s, http.MethodPost, "/v1/api/batches",
		`{"runbook_name":"crm-cutover","created_by":"ops"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var batch model.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))

	rec = do(t, s, http.MethodPost, fmt.Sprintf("/v1/api/batches/%d/members", batch.ID),
		`{"member_key":"t-1","data":{"tenant_id":"t-1"}}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var member model.BatchMember
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &member))
	assert.Equal(t, "t-1", member.MemberKey)

	// duplicate key conflicts
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/v1/api/batches/%d/members", batch.ID),
		`{"member_key":"t-1"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// missing key is a bad request
	rec = do(t, s, http.MethodPost, fmt.Sprintf("/v1/api/batches/%d/members", batch.ID), `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, fmt.Sprintf("/v1/api/batches/%d/members", batch.ID), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var members []model.BatchMember
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &members))
	assert.Len(t, members, 1)

	rec = do(t, s, http.MethodDelete, fmt.Sprintf("/v1/api/members/%d", member.ID), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestAutomationEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/v1/api/runbooks/crm-cutover/automation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":true}`, rec.Body.String())

	rec = do(t, s, http.MethodPut, "/v1/api/runbooks/crm-cutover/automation",
		`{"enabled":false,"actor":"ops"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/api/runbooks/crm-cutover/automation", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"enabled":false}`, rec.Body.String())
}

func TestBadIDs(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/v1/api/batches/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/v1/api/batches/999", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodDelete, "/v1/api/members/abc", "").Code)
}
