package librus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	logx "librusbot/pkg/logx"
)

// Soft-error codes returned by PushChanges with a 2xx status.
const (
	CodeUnableToGetPushDevice = "UnableToGetPushDevice"
	CodeFilterInvalidValue    = "FilterInvalidValue"
)

const registerAppVersion = "6.1.5"

func (c *Client) pushQuery() url.Values {
	return url.Values{"pushDevice": {strconv.Itoa(c.PushDevice())}}
}

// PushChanges returns all pending change events for the configured push device,
// in the order the API reports them.
func (c *Client) PushChanges(ctx context.Context) ([]Change, error) {
	req := &Request{Method: http.MethodGet, Path: "PushChanges", Query: c.pushQuery()}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError(KindUpstream, req.op(), "unexpected status", resp.Status, resp.Body)
	}

	var body struct {
		Changes          *[]Change `json:"Changes"`
		ChangesTimestamp int64     `json:"ChangesTimestamp"`
	}
	if err := decode(req.op(), resp, &body); err != nil {
		var e *Error
		if errors.As(err, &e) {
			switch e.Code {
			case CodeUnableToGetPushDevice:
				e.Msg = "push device is invalid or does not belong to this account"
			case CodeFilterInvalidValue:
				e.Msg = "invalid push device id"
			}
		}
		return nil, err
	}
	if body.Changes == nil {
		return nil, statusError(KindIntegrity, req.op(), `response has no "Changes" array`, resp.Status, resp.Body)
	}
	return *body.Changes, nil
}

// DeletePushChanges acknowledges change events, DeleteBatchSize ids per request.
// Groups are deleted sequentially; the first failure stops the loop.
func (c *Client) DeletePushChanges(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, group := range chunk(ids, DeleteBatchSize) {
		req := &Request{
			Method: http.MethodDelete,
			Path:   "PushChanges/" + strings.Join(group, ","),
			Query:  c.pushQuery(),
		}
		resp, err := c.Do(ctx, req)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return statusError(KindUpstream, req.op(), "delete failed", resp.Status, resp.Body)
		}
		if err := decode(req.op(), resp, nil); err != nil {
			return err
		}
	}
	c.log.Debug("push changes acknowledged", logx.Int("count", len(ids)))
	return nil
}

// NewPushDevice registers a new change-feed device and starts using it.
func (c *Client) NewPushDevice(ctx context.Context) (int, error) {
	payload, _ := json.Marshal(map[string]any{"sendPush": 0, "appVersion": registerAppVersion})
	req := &Request{Method: http.MethodPost, Path: "ChangeRegister", Body: payload}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return 0, err
	}
	if !resp.OK() {
		return 0, statusError(KindUpstream, req.op(), "unexpected status", resp.Status, resp.Body)
	}
	var reg Ref
	if err := unwrapKey(req.op(), resp, "ChangeRegister", &reg); err != nil {
		return 0, err
	}
	if reg.ID == 0 {
		return 0, statusError(KindIntegrity, req.op(), "ChangeRegister has no Id", resp.Status, resp.Body)
	}
	c.SetPushDevice(reg.ID)
	c.log.Info("push device registered", logx.Int("push_device", reg.ID))
	return reg.ID, nil
}
