package librus

import (
	"context"
	"net/http"
	"strings"
)

// Undocumented upstream limits on ids per request.
const (
	FetchBatchSize  = 29
	DeleteBatchSize = 30
)

// chunk splits ids into consecutive groups of at most size elements.
func chunk[T any](ids []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	out := make([][]T, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

// fetchMany GETs resource/<id,id,...,> for each group of ids, sequentially, and
// concatenates the decoded key members in request order. Any failing group
// aborts the batch; partial results are discarded.
//
// The trailing comma makes the API answer with the list form even for a single id.
func fetchMany[T any](ctx context.Context, c *Client, resource, key string, ids []string) ([]T, error) {
	out := make([]T, 0, len(ids))
	for _, group := range chunk(ids, FetchBatchSize) {
		req := &Request{Method: http.MethodGet, Path: resource + "/" + strings.Join(group, ",") + ","}
		resp, err := c.Do(ctx, req)
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, statusError(KindUpstream, req.op(), "batch fetch failed", resp.Status, resp.Body)
		}
		var items []T
		if err := unwrapKey(req.op(), resp, key, &items); err != nil {
			return nil, err
		}
		out = append(out, items...)
	}
	return out, nil
}
