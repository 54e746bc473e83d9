package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonauth "media_shuttle/server/common/auth"
	"media_shuttle/server/authd/service"
	"media_shuttle/server/transfer/domain"
)

type fakeStore struct {
	records map[string]domain.TransferRecord
}

func (s *fakeStore) Create(_ context.Context, item domain.TransferRecord) (domain.TransferRecord, error) {
	item.Status = domain.StatusPending
	item.CreatedAt = time.Now()
	s.records[item.OwnerID+"/"+item.TransferID] = item
	return item, nil
}

func (s *fakeStore) Get(_ context.Context, ownerID, transferID string) (domain.TransferRecord, error) {
	rec, ok := s.records[ownerID+"/"+transferID]
	if !ok {
		return domain.TransferRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) ListRecentByOwner(_ context.Context, ownerID string, _ int) ([]domain.TransferRecord, error) {
	var items []domain.TransferRecord
	for _, rec := range s.records {
		if rec.OwnerID == ownerID {
			items = append(items, rec)
		}
	}
	return items, nil
}

type fakeIssuer struct{}

func (fakeIssuer) PresignPut(_ context.Context, key string, _ time.Duration) (*url.URL, error) {
	return url.Parse("https://blob.local/shuttle-media/" + key + "?signed=1")
}

func newTestRouter(t *testing.T) (*gin.Engine, *fakeStore, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &fakeStore{records: map[string]domain.TransferRecord{}}
	transfers := service.NewAuthorizeService(store, fakeIssuer{}, time.Hour)
	auth := commonauth.NewService("test-secret", 30)

	token, err := auth.GenerateToken("owner-1", "phone-7", "device")
	require.NoError(t, err)

	r := gin.New()
	NewHandler(transfers, auth).RegisterRoutes(r)
	return r, store, token
}

func doRequest(r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthorizeTransfer_RequiresToken(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/api/v1/transfers", "", `{"display_name":"a.jpg","content_type":"image/jpeg"}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuthorizeTransfer_IssuesGrant(t *testing.T) {
	r, store, token := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/api/v1/transfers", token, `{"display_name":"a.jpg","content_type":"image/jpeg"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var grant service.UploadGrant
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &grant))
	assert.NotEmpty(t, grant.TransferID)
	assert.Equal(t, "owner-1/"+grant.TransferID+"/a.jpg", grant.StorageKey)
	assert.Contains(t, grant.UploadURL, "signed=1")
	assert.True(t, grant.ExpiresAt.After(time.Now()))

	rec, ok := store.records["owner-1/"+grant.TransferID]
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, rec.Status)
}

func TestAuthorizeTransfer_RejectsMissingFields(t *testing.T) {
	r, _, token := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/api/v1/transfers", token, `{"display_name":"a.jpg"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAuthorizeTransfer_RejectsUnsafeName(t *testing.T) {
	r, _, token := newTestRouter(t)

	w := doRequest(r, http.MethodPost, "/api/v1/transfers", token, `{"display_name":"../../etc/passwd","content_type":"image/jpeg"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTransfer_NotFound(t *testing.T) {
	r, _, token := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/api/v1/transfers/unknown", token, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTransfer_ScopedToOwner(t *testing.T) {
	r, store, token := newTestRouter(t)
	store.records["someone-else/t1"] = domain.TransferRecord{
		OwnerID: "someone-else", TransferID: "t1", Status: domain.StatusUploaded,
	}

	// Another owner's transfer id is invisible, not forbidden.
	w := doRequest(r, http.MethodGet, "/api/v1/transfers/t1", token, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTransfers(t *testing.T) {
	r, _, token := newTestRouter(t)

	for i := 0; i < 3; i++ {
		w := doRequest(r, http.MethodPost, "/api/v1/transfers", token, `{"display_name":"a.jpg","content_type":"image/jpeg"}`)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := doRequest(r, http.MethodGet, "/api/v1/transfers", token, "")
	require.Equal(t, http.StatusOK, w.Code)
	var items []domain.TransferRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	assert.Len(t, items, 3)
}

func TestHealth_Open(t *testing.T) {
	r, _, _ := newTestRouter(t)

	w := doRequest(r, http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}
