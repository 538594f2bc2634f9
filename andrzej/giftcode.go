package andrzej

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const giftCodeMaxResponseBytes = 1 << 20

// ErrGiftCodesDisabled is returned by GiftCodeClient when no API URL is
// configured
var ErrGiftCodesDisabled = errors.New("gift code API not configured")

// GiftCode is a row of the local gift_codes mirror
type GiftCode struct {
	Code string `gorm:"column:giftcode;primaryKey" json:"giftcode"`
	Date string `gorm:"column:date" json:"date"`
}

func (GiftCode) TableName() string {
	return "gift_codes"
}

// UserGiftCode records a code redeemed (or attempted) by a player
type UserGiftCode struct {
	FID    int64  `gorm:"column:fid;primaryKey;autoIncrement:false" json:"fid"`
	Code   string `gorm:"column:giftcode;primaryKey;index" json:"giftcode"`
	Status string `gorm:"column:status" json:"status"`
}

func (UserGiftCode) TableName() string {
	return "user_giftcodes"
}

// RemoteGiftCode is an entry of the remote API's code list. The API
// returns either bare strings or objects with a code and a date.
type RemoteGiftCode struct {
	Code string `json:"code"`
	Date string `json:"date,omitempty"`
}

func (r *RemoteGiftCode) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return errors.New("gift code entry is null")
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		r.Code = s
		r.Date = ""
		return nil
	}

	var obj struct {
		Code     string `json:"code"`
		GiftCode string `json:"giftcode"`
		Date     string `json:"date"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	r.Code = obj.Code
	if r.Code == "" {
		r.Code = obj.GiftCode
	}
	if r.Code == "" {
		return errors.New("gift code entry has no code")
	}
	r.Date = obj.Date
	return nil
}

// GiftCodeClient talks to the remote gift code API, and keeps the local
// gift_codes and user_giftcodes tables in step with deletions.
//
// Listing doesn't touch the local tables. Deciding which remote codes
// belong in the mirror is left to the caller.
type GiftCodeClient struct {
	config     *GiftCodeConfig
	httpClient *http.Client
	db         DBI
	logger     *slog.Logger
}

func newGiftCodeClient(config *GiftCodeConfig, db DBI, httpClient *http.Client) *GiftCodeClient {
	client := &http.Client{}
	if httpClient != nil {
		c := *httpClient
		client = &c
	}
	if config.RequestTimeout > 0 {
		client.Timeout = config.RequestTimeout
	}
	return &GiftCodeClient{
		config:     config,
		httpClient: client,
		db:         db,
		logger:     newComponentLogger("giftcodes", config.LogLevel),
	}
}

func (g *GiftCodeClient) Enabled() bool {
	return g.config.APIURL != ""
}

// do sends a request with a JSON body (if body isn't nil), returning the
// decoded top-level JSON object of a 2xx response.
func (g *GiftCodeClient) do(
	ctx context.Context,
	method string,
	body any,
) (map[string]json.RawMessage, error) {
	if !g.Enabled() {
		return nil, ErrGiftCodesDisabled
	}
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.config.APIURL, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set(xAPIKeyHeader, g.config.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	logger := contextLoggerOr(ctx, g.logger).With("method", method)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gift code request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, giftCodeMaxResponseBytes))
	if err != nil {
		return nil, malformedError("reading response body", err)
	}
	logger.DebugContext(
		ctx,
		"gift code API response",
		"status", resp.StatusCode,
		"body", truncate(string(data), 500),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &RemoteError{
			StatusCode: resp.StatusCode,
			Message:    truncate(strings.TrimSpace(string(data)), 200),
		}
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, malformedError("empty response body", nil)
	}

	var result map[string]json.RawMessage
	if err = json.Unmarshal(data, &result); err != nil {
		return nil, malformedError("response is not a JSON object", err)
	}
	if result == nil {
		return nil, malformedError("response is not a JSON object", nil)
	}
	return result, nil
}

// remoteErrorMessage returns the "error" value of a response as text.
// Strings are returned as-is, anything else as raw JSON.
func remoteErrorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// ListCodes fetches the codes currently offered by the remote API.
//
// A response carrying an "error" key is a RemoteError, even with a 2xx
// status. A response without "codes" is an empty list.
func (g *GiftCodeClient) ListCodes(ctx context.Context) ([]RemoteGiftCode, error) {
	result, err := g.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	if errMsg, ok := result["error"]; ok {
		return nil, &RemoteError{StatusCode: http.StatusOK, Message: remoteErrorMessage(errMsg)}
	}

	codes := []RemoteGiftCode{}
	raw, ok := result["codes"]
	if !ok || string(raw) == "null" {
		return codes, nil
	}
	if err = json.Unmarshal(raw, &codes); err != nil {
		return nil, malformedError("decoding codes", err)
	}
	return codes, nil
}

// RemoveCode deletes code from the remote API, then from the local
// gift_codes and user_giftcodes tables.
//
// Only removals coming from code validation are sent: when
// fromValidation is false, nothing happens and false is returned. The
// code counts as removed when the response has a "success" key. If the
// remote removal succeeded but the local one failed, RemoveCode returns
// true along with an error wrapping ErrStorageUnavailable.
func (g *GiftCodeClient) RemoveCode(
	ctx context.Context,
	code string,
	fromValidation bool,
) (bool, error) {
	logger := contextLoggerOr(ctx, g.logger).With("giftcode", code)
	if !fromValidation {
		logger.DebugContext(ctx, "not removing gift code outside of validation")
		return false, nil
	}

	result, err := g.do(ctx, http.MethodDelete, map[string]string{"code": code})
	if err != nil {
		logger.ErrorContext(ctx, "error removing gift code", tint.Err(err))
		return false, err
	}
	if _, ok := result["success"]; !ok {
		logger.WarnContext(ctx, "gift code API did not confirm removal")
		return false, nil
	}

	err = g.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			if e := tx.Where("giftcode = ?", code).Delete(&GiftCode{}).Error; e != nil {
				return e
			}
			return tx.Where("giftcode = ?", code).Delete(&UserGiftCode{}).Error
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "removed gift code remotely, but not locally", tint.Err(err))
		return true, storageError("remove gift code", err)
	}
	logger.InfoContext(ctx, "removed gift code")
	return true, nil
}

// LocalCodes returns the local gift_codes mirror, ordered by code
func (g *GiftCodeClient) LocalCodes(ctx context.Context) ([]GiftCode, error) {
	codes := []GiftCode{}
	if err := g.db.DB().WithContext(ctx).Order("giftcode").Find(&codes).Error; err != nil {
		return []GiftCode{}, storageError("list gift codes", err)
	}
	return codes, nil
}
