package andrzej

import (
	"context"
	"encoding/json"
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

const testGiftCodeAPIKey = "giftcode-test-key"

type giftCodeServer struct {
	status   int
	body     string
	requests atomic.Int64

	lastMethod string
	lastBody   map[string]string
	lastAPIKey string
}

func newTestGiftCodeClient(
	t testing.TB,
	db *gorm.DB,
	srv *giftCodeServer,
) *GiftCodeClient {
	t.Helper()
	ts := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				srv.requests.Add(1)
				srv.lastMethod = r.Method
				srv.lastAPIKey = r.Header.Get(xAPIKeyHeader)
				srv.lastBody = nil
				if data, _ := io.ReadAll(r.Body); len(data) > 0 {
					_ = json.Unmarshal(data, &srv.lastBody)
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(srv.status)
				_, _ = w.Write([]byte(srv.body))
			},
		),
	)
	t.Cleanup(ts.Close)

	cfg := DefaultTestConfig(t).GiftCodes
	cfg.APIURL = ts.URL + "/giftcode_api.php"
	cfg.APIKey = testGiftCodeAPIKey
	return newGiftCodeClient(cfg, NewDatabase(db, nil, false), ts.Client())
}

func seedGiftCodes(t testing.TB, db *gorm.DB) {
	t.Helper()
	require.NoError(
		t,
		db.Create(
			&[]GiftCode{
				{Code: "WOS2024", Date: "2024-10-01"},
				{Code: "HAPPYDAY", Date: "2024-10-02"},
			},
		).Error,
	)
	require.NoError(
		t,
		db.Create(
			&[]UserGiftCode{
				{FID: 1001, Code: "WOS2024", Status: "SUCCESS"},
				{FID: 1002, Code: "WOS2024", Status: "RECEIVED"},
				{FID: 1001, Code: "HAPPYDAY", Status: "SUCCESS"},
			},
		).Error,
	)
}

func TestRemoteGiftCode_UnmarshalJSON(t *testing.T) {
	var codes []RemoteGiftCode
	err := json.Unmarshal(
		[]byte(`["PLAIN", {"code": "OBJ", "date": "2024-10-01"}, {"giftcode": "ALT"}]`),
		&codes,
	)
	require.NoError(t, err)
	assert.Equal(
		t,
		[]RemoteGiftCode{
			{Code: "PLAIN"},
			{Code: "OBJ", Date: "2024-10-01"},
			{Code: "ALT"},
		},
		codes,
	)

	assert.Error(t, json.Unmarshal([]byte(`[{"date": "2024-10-01"}]`), &codes))
	assert.Error(t, json.Unmarshal([]byte(`[123]`), &codes))
	assert.Error(t, json.Unmarshal([]byte(`["A", null, {"code": "B"}]`), &codes))
}

func TestGiftCodeClient_ListCodes(t *testing.T) {
	db := setupTestDB(t)
	srv := &giftCodeServer{
		status: http.StatusOK,
		body:   `{"codes": ["WOS2024", {"code": "HAPPYDAY", "date": "2024-10-02"}]}`,
	}
	client := newTestGiftCodeClient(t, db, srv)
	require.True(t, client.Enabled())

	codes, err := client.ListCodes(context.Background())
	require.NoError(t, err)
	assert.Equal(
		t,
		[]RemoteGiftCode{{Code: "WOS2024"}, {Code: "HAPPYDAY", Date: "2024-10-02"}},
		codes,
	)
	assert.Equal(t, http.MethodGet, srv.lastMethod)
	assert.Equal(t, testGiftCodeAPIKey, srv.lastAPIKey)
}

func TestGiftCodeClient_ListCodesEmpty(t *testing.T) {
	for _, body := range []string{`{}`, `{"codes": null}`, `{"codes": []}`} {
		t.Run(
			body, func(t *testing.T) {
				client := newTestGiftCodeClient(
					t,
					setupTestDB(t),
					&giftCodeServer{status: http.StatusOK, body: body},
				)
				codes, err := client.ListCodes(context.Background())
				require.NoError(t, err)
				assert.NotNil(t, codes)
				assert.Empty(t, codes)
			},
		)
	}
}

func TestGiftCodeClient_ListCodesErrors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantRemote    bool
		wantStatus    int
		wantMessage   string
		wantMalformed bool
	}{
		{
			name:        "error key",
			status:      http.StatusOK,
			body:        `{"error": "Invalid API key"}`,
			wantRemote:  true,
			wantStatus:  http.StatusOK,
			wantMessage: "Invalid API key",
		},
		{
			name:        "error status",
			status:      http.StatusUnauthorized,
			body:        `{"error": "Invalid API key"}`,
			wantRemote:  true,
			wantStatus:  http.StatusUnauthorized,
			wantMessage: `{"error": "Invalid API key"}`,
		},
		{
			name:        "server error",
			status:      http.StatusInternalServerError,
			body:        ``,
			wantRemote:  true,
			wantStatus:  http.StatusInternalServerError,
			wantMessage: "",
		},
		{
			name:          "not json",
			status:        http.StatusOK,
			body:          `<b>Fatal error</b>`,
			wantMalformed: true,
		},
		{
			name:          "empty body",
			status:        http.StatusOK,
			body:          ` `,
			wantMalformed: true,
		},
		{
			name:          "array",
			status:        http.StatusOK,
			body:          `["WOS2024"]`,
			wantMalformed: true,
		},
		{
			name:          "null",
			status:        http.StatusOK,
			body:          `null`,
			wantMalformed: true,
		},
		{
			name:          "null entry",
			status:        http.StatusOK,
			body:          `{"codes": ["WOS2024", null]}`,
			wantMalformed: true,
		},
		{
			name:          "codes not a list",
			status:        http.StatusOK,
			body:          `{"codes": "WOS2024"}`,
			wantMalformed: true,
		},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				client := newTestGiftCodeClient(
					t,
					setupTestDB(t),
					&giftCodeServer{status: tt.status, body: tt.body},
				)
				codes, err := client.ListCodes(context.Background())
				require.Error(t, err)
				assert.Nil(t, codes)

				if tt.wantRemote {
					var remoteErr *RemoteError
					require.True(t, errors.As(err, &remoteErr))
					assert.ErrorIs(t, err, ErrRemote)
					assert.Equal(t, tt.wantStatus, remoteErr.StatusCode)
					assert.Equal(t, tt.wantMessage, remoteErr.Message)
				}
				if tt.wantMalformed {
					assert.ErrorIs(t, err, ErrMalformedResponse)
					assert.NotErrorIs(t, err, ErrRemote)
				}
			},
		)
	}
}

func TestGiftCodeClient_Disabled(t *testing.T) {
	cfg := DefaultTestConfig(t).GiftCodes
	client := newGiftCodeClient(cfg, NewDatabase(setupTestDB(t), nil, false), nil)
	assert.False(t, client.Enabled())

	_, err := client.ListCodes(context.Background())
	assert.ErrorIs(t, err, ErrGiftCodesDisabled)

	_, err = client.RemoveCode(context.Background(), "WOS2024", true)
	assert.ErrorIs(t, err, ErrGiftCodesDisabled)
}

func TestGiftCodeClient_RemoveCode(t *testing.T) {
	db := setupTestDB(t)
	seedGiftCodes(t, db)
	srv := &giftCodeServer{status: http.StatusOK, body: `{"success": "Gift code removed"}`}
	client := newTestGiftCodeClient(t, db, srv)
	ctx := context.Background()

	removed, err := client.RemoveCode(ctx, "WOS2024", true)
	require.NoError(t, err)
	assert.True(t, removed)

	assert.Equal(t, http.MethodDelete, srv.lastMethod)
	assert.Equal(t, testGiftCodeAPIKey, srv.lastAPIKey)
	assert.Equal(t, map[string]string{"code": "WOS2024"}, srv.lastBody)

	local, err := client.LocalCodes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []GiftCode{{Code: "HAPPYDAY", Date: "2024-10-02"}}, local)

	var users []UserGiftCode
	require.NoError(t, db.Order("fid").Find(&users).Error)
	assert.Equal(t, []UserGiftCode{{FID: 1001, Code: "HAPPYDAY", Status: "SUCCESS"}}, users)
}

func TestGiftCodeClient_RemoveCodeNotFromValidation(t *testing.T) {
	db := setupTestDB(t)
	seedGiftCodes(t, db)
	srv := &giftCodeServer{status: http.StatusOK, body: `{"success": true}`}
	client := newTestGiftCodeClient(t, db, srv)

	removed, err := client.RemoveCode(context.Background(), "WOS2024", false)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Zero(t, srv.requests.Load())

	local, err := client.LocalCodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, local, 2)
}

func TestGiftCodeClient_RemoveCodeNotConfirmed(t *testing.T) {
	db := setupTestDB(t)
	seedGiftCodes(t, db)
	srv := &giftCodeServer{status: http.StatusOK, body: `{"message": "nothing happened"}`}
	client := newTestGiftCodeClient(t, db, srv)

	removed, err := client.RemoveCode(context.Background(), "WOS2024", true)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Equal(t, int64(1), srv.requests.Load())

	local, err := client.LocalCodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, local, 2)
}

func TestGiftCodeClient_RemoveCodeRemoteError(t *testing.T) {
	db := setupTestDB(t)
	seedGiftCodes(t, db)
	srv := &giftCodeServer{status: http.StatusForbidden, body: `{"error": "forbidden"}`}
	client := newTestGiftCodeClient(t, db, srv)

	removed, err := client.RemoveCode(context.Background(), "WOS2024", true)
	require.ErrorIs(t, err, ErrRemote)
	assert.False(t, removed)

	local, err := client.LocalCodes(context.Background())
	require.NoError(t, err)
	assert.Len(t, local, 2)
}

func TestGiftCodeClient_RemoveCodeStorageFault(t *testing.T) {
	db := setupTestDB(t)
	srv := &giftCodeServer{status: http.StatusOK, body: `{"success": true}`}
	client := newTestGiftCodeClient(t, db, srv)
	client.db = failingDBI{client.db}

	removed, err := client.RemoveCode(context.Background(), "WOS2024", true)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.True(t, removed)
}

func TestGiftCodeClient_LocalCodesStorageFault(t *testing.T) {
	db := setupTestDB(t)
	client := newTestGiftCodeClient(t, db, &giftCodeServer{status: http.StatusOK, body: `{}`})
	closeTestDB(t, db)

	codes, err := client.LocalCodes(context.Background())
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Empty(t, codes)
}
