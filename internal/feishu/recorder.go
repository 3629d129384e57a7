// Package feishu mirrors fleet status into a Feishu bitable so operators can watch devices
// without shell access to the keeper host.
package feishu

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	devicekeeper "github.com/httprunner/DeviceKeeper"
	"github.com/httprunner/DeviceKeeper/internal/env"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkbitable "github.com/larksuite/oapi-sdk-go/v3/service/bitable/v1"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultBaseURL = "https://open.feishu.cn"

// recordAPI is the record-level seam over the bitable service. Request builders
// stay inside sdkRecordAPI so the recorder only deals in tokens and fields.
type recordAPI interface {
	Search(ctx context.Context, appToken, tableID string, body *larkbitable.SearchAppTableRecordReqBody, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, appToken, tableID string, fields map[string]interface{}, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, appToken, tableID, recordID string, fields map[string]interface{}, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type larkRecordService interface {
	Search(ctx context.Context, req *larkbitable.SearchAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error)
	Create(ctx context.Context, req *larkbitable.CreateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error)
	Update(ctx context.Context, req *larkbitable.UpdateAppTableRecordReq, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error)
}

type sdkRecordAPI struct {
	svc larkRecordService
}

func (a sdkRecordAPI) Search(ctx context.Context, appToken, tableID string, body *larkbitable.SearchAppTableRecordReqBody, options ...larkcore.RequestOptionFunc) (*larkbitable.SearchAppTableRecordResp, error) {
	builder := larkbitable.NewSearchAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		PageSize(1)
	if body != nil {
		builder.Body(body)
	}
	return a.svc.Search(ctx, builder.Build(), options...)
}

func (a sdkRecordAPI) Create(ctx context.Context, appToken, tableID string, fields map[string]interface{}, options ...larkcore.RequestOptionFunc) (*larkbitable.CreateAppTableRecordResp, error) {
	req := larkbitable.NewCreateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		AppTableRecord(larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()).
		Build()
	return a.svc.Create(ctx, req, options...)
}

func (a sdkRecordAPI) Update(ctx context.Context, appToken, tableID, recordID string, fields map[string]interface{}, options ...larkcore.RequestOptionFunc) (*larkbitable.UpdateAppTableRecordResp, error) {
	req := larkbitable.NewUpdateAppTableRecordReqBuilder().
		AppToken(appToken).
		TableId(tableID).
		RecordId(recordID).
		AppTableRecord(larkbitable.NewAppTableRecordBuilder().Fields(fields).Build()).
		Build()
	return a.svc.Update(ctx, req, options...)
}

// BitableRef identifies one table inside a bitable app.
type BitableRef struct {
	AppToken string
	TableID  string
}

// ParseBitableURL extracts the app token and table id from a /base/ share link.
func ParseBitableURL(raw string) (BitableRef, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return BitableRef{}, errors.New("feishu: empty bitable url")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return BitableRef{}, errors.Wrap(err, "feishu: parse bitable url")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return BitableRef{}, errors.Errorf("feishu: unsupported url scheme %q", u.Scheme)
	}
	ref := BitableRef{TableID: strings.TrimSpace(u.Query().Get("table"))}
	segments := strings.FieldsFunc(u.Path, func(r rune) bool { return r == '/' })
	for i := 0; i < len(segments)-1; i++ {
		if segments[i] == "base" {
			ref.AppToken = segments[i+1]
			break
		}
	}
	if ref.AppToken == "" {
		return BitableRef{}, errors.Errorf("feishu: no /base/<app_token> in %q", raw)
	}
	if ref.TableID == "" {
		return BitableRef{}, errors.Errorf("feishu: missing table query parameter in %q", raw)
	}
	return ref, nil
}

// Fields names the status table columns.
type Fields struct {
	DeviceID    string
	State       string
	Cycles      string
	Successes   string
	Exhaustions string
	LastResult  string
	LastError   string
	UpdatedAt   string
	HostUUID    string
}

// DefaultFields are the column names used when no override is configured.
func DefaultFields() Fields {
	return Fields{
		DeviceID:    "DeviceID",
		State:       "State",
		Cycles:      "Cycles",
		Successes:   "Successes",
		Exhaustions: "Exhaustions",
		LastResult:  "LastResult",
		LastError:   "LastError",
		UpdatedAt:   "UpdatedAt",
		HostUUID:    "HostUUID",
	}
}

// FieldsFromEnv lets DEVICE_FIELD_<NAME> override single column names.
func FieldsFromEnv() Fields {
	f := DefaultFields()
	f.DeviceID = env.String("DEVICE_FIELD_DEVICE_ID", f.DeviceID)
	f.State = env.String("DEVICE_FIELD_STATE", f.State)
	f.Cycles = env.String("DEVICE_FIELD_CYCLES", f.Cycles)
	f.Successes = env.String("DEVICE_FIELD_SUCCESSES", f.Successes)
	f.Exhaustions = env.String("DEVICE_FIELD_EXHAUSTIONS", f.Exhaustions)
	f.LastResult = env.String("DEVICE_FIELD_LAST_RESULT", f.LastResult)
	f.LastError = env.String("DEVICE_FIELD_LAST_ERROR", f.LastError)
	f.UpdatedAt = env.String("DEVICE_FIELD_UPDATED_AT", f.UpdatedAt)
	f.HostUUID = env.String("DEVICE_FIELD_HOST_UUID", f.HostUUID)
	return f
}

// DeviceRecorder implements devicekeeper.DeviceRecorder on a bitable table, one row per device.
type DeviceRecorder struct {
	api    recordAPI
	ref    BitableRef
	fields Fields

	mu        sync.Mutex
	recordIDs map[string]string
}

// NewDeviceRecorderFromEnv returns nil when tableURL is empty so callers can opt out.
//
// Required variables when enabled:
//   - FEISHU_APP_ID
//   - FEISHU_APP_SECRET
//
// Optional: FEISHU_BASE_URL (defaults to https://open.feishu.cn).
func NewDeviceRecorderFromEnv(tableURL string) (*DeviceRecorder, error) {
	if strings.TrimSpace(tableURL) == "" {
		return nil, nil
	}
	ref, err := ParseBitableURL(tableURL)
	if err != nil {
		return nil, err
	}
	appID := env.String("FEISHU_APP_ID", "")
	appSecret := env.String("FEISHU_APP_SECRET", "")
	if appID == "" || appSecret == "" {
		return nil, errors.New("feishu: FEISHU_APP_ID and FEISHU_APP_SECRET must be set in environment")
	}
	opts := []lark.ClientOptionFunc{lark.WithLogLevel(larkcore.LogLevelError)}
	baseURL := strings.TrimRight(env.String("FEISHU_BASE_URL", defaultBaseURL), "/")
	if baseURL != lark.FeishuBaseUrl {
		opts = append(opts, lark.WithOpenBaseUrl(baseURL))
	}
	client := lark.NewClient(appID, appSecret, opts...)
	return newDeviceRecorder(sdkRecordAPI{svc: client.Bitable.V1.AppTableRecord}, ref, FieldsFromEnv()), nil
}

func newDeviceRecorder(api recordAPI, ref BitableRef, fields Fields) *DeviceRecorder {
	return &DeviceRecorder{
		api:       api,
		ref:       ref,
		fields:    fields,
		recordIDs: make(map[string]string),
	}
}

// UpsertDevices writes each status to its row, creating rows on first sight.
// Failures are logged per device; the first one is returned.
func (r *DeviceRecorder) UpsertDevices(ctx context.Context, devices []devicekeeper.DeviceStatus) error {
	if r == nil || r.api == nil || len(devices) == 0 {
		return nil
	}
	var firstErr error
	for _, d := range devices {
		if strings.TrimSpace(d.DeviceID) == "" {
			log.Warn().Str("state", d.State).Msg("feishu recorder: skip device without id")
			continue
		}
		if err := r.upsert(ctx, d); err != nil {
			log.Error().Err(err).
				Str("device", d.DeviceID).
				Str("state", d.State).
				Str("table_id", r.ref.TableID).
				Msg("feishu recorder: upsert device failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *DeviceRecorder) upsert(ctx context.Context, d devicekeeper.DeviceStatus) error {
	fields := r.rowFields(d)
	recordID, err := r.lookupRecordID(ctx, d.DeviceID)
	if err != nil {
		return err
	}
	if recordID != "" {
		resp, err := r.api.Update(ctx, r.ref.AppToken, r.ref.TableID, recordID, fields)
		if err != nil {
			return errors.Wrap(err, "feishu: update record request failed")
		}
		if resp == nil || resp.ApiResp == nil {
			return errors.New("feishu: empty response when updating record")
		}
		return ensureSuccess("update record", resp.Success(), resp.Code, resp.Msg, resp.RequestId())
	}

	resp, err := r.api.Create(ctx, r.ref.AppToken, r.ref.TableID, fields)
	if err != nil {
		return errors.Wrap(err, "feishu: create record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return errors.New("feishu: empty response when creating record")
	}
	if err := ensureSuccess("create record", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return err
	}
	if resp.Data != nil && resp.Data.Record != nil {
		if id := strings.TrimSpace(larkcore.StringValue(resp.Data.Record.RecordId)); id != "" {
			r.mu.Lock()
			r.recordIDs[d.DeviceID] = id
			r.mu.Unlock()
		}
	}
	return nil
}

func (r *DeviceRecorder) lookupRecordID(ctx context.Context, deviceID string) (string, error) {
	r.mu.Lock()
	id, ok := r.recordIDs[deviceID]
	r.mu.Unlock()
	if ok {
		return id, nil
	}

	conj, field, op := "and", r.fields.DeviceID, "is"
	body := &larkbitable.SearchAppTableRecordReqBody{
		Filter: &larkbitable.FilterInfo{
			Conjunction: &conj,
			Conditions: []*larkbitable.Condition{{
				FieldName: &field,
				Operator:  &op,
				Value:     []string{deviceID},
			}},
		},
	}
	resp, err := r.api.Search(ctx, r.ref.AppToken, r.ref.TableID, body)
	if err != nil {
		return "", errors.Wrap(err, "feishu: search record request failed")
	}
	if resp == nil || resp.ApiResp == nil {
		return "", errors.New("feishu: empty response when searching records")
	}
	if err := ensureSuccess("search records", resp.Success(), resp.Code, resp.Msg, resp.RequestId()); err != nil {
		return "", err
	}
	if resp.Data == nil || len(resp.Data.Items) == 0 || resp.Data.Items[0] == nil {
		return "", nil
	}
	id = strings.TrimSpace(larkcore.StringValue(resp.Data.Items[0].RecordId))
	if id != "" {
		r.mu.Lock()
		r.recordIDs[deviceID] = id
		r.mu.Unlock()
	}
	return id, nil
}

func (r *DeviceRecorder) rowFields(d devicekeeper.DeviceStatus) map[string]interface{} {
	updated := d.LastChangeAt
	if updated.IsZero() {
		updated = time.Now()
	}
	fields := map[string]interface{}{
		r.fields.DeviceID:    d.DeviceID,
		r.fields.State:       d.State,
		r.fields.Cycles:      d.Cycles,
		r.fields.Successes:   d.Successes,
		r.fields.Exhaustions: d.Exhaustions,
		r.fields.LastResult:  d.LastResult,
		r.fields.LastError:   truncate(d.LastError, 1000),
		r.fields.UpdatedAt:   updated.UnixMilli(),
	}
	if r.fields.HostUUID != "" && d.HostUUID != "" {
		fields[r.fields.HostUUID] = d.HostUUID
	}
	return fields
}

func ensureSuccess(action string, ok bool, code int, msg, logID string) error {
	if ok {
		return nil
	}
	if strings.TrimSpace(logID) == "" {
		return fmt.Errorf("feishu: %s failed code=%d msg=%s", action, code, msg)
	}
	return fmt.Errorf("feishu: %s failed code=%d msg=%s log_id=%s", action, code, msg, logID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
