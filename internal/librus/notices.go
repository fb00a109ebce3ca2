package librus

import (
	"context"
	"net/http"
	"net/url"
)

// SchoolNotice fetches one notice and checks that the API returned the one asked for.
func (c *Client) SchoolNotice(ctx context.Context, id string) (*SchoolNotice, error) {
	if id == "" {
		return nil, newError(KindValidation, "school notice", "empty id")
	}
	path := "SchoolNotices/" + url.PathEscape(id)
	n, err := fetchOne[SchoolNotice](ctx, c, path, "SchoolNotice")
	if err != nil {
		return nil, err
	}
	if string(n.ID) != id {
		return nil, newError(KindIntegrity, "GET "+path, "returned notice id "+string(n.ID))
	}
	return &n, nil
}

// SchoolNotices lists every notice visible to the account.
func (c *Client) SchoolNotices(ctx context.Context) ([]SchoolNotice, error) {
	req := &Request{Method: http.MethodGet, Path: "SchoolNotices"}
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError(KindUpstream, req.op(), "unexpected status", resp.Status, resp.Body)
	}
	var out []SchoolNotice
	if err := unwrapKey(req.op(), resp, "SchoolNotices", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SchoolNoticesByID batch-fetches notices.
func (c *Client) SchoolNoticesByID(ctx context.Context, ids []string) ([]SchoolNotice, error) {
	return fetchMany[SchoolNotice](ctx, c, "SchoolNotices", "SchoolNotices", ids)
}
