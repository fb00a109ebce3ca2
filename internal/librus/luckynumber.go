package librus

import "context"

// LuckyNumber returns today's lucky number. Accounts without access get KindForbidden.
func (c *Client) LuckyNumber(ctx context.Context) (*LuckyNumber, error) {
	n, err := fetchOne[LuckyNumber](ctx, c, "LuckyNumbers", "LuckyNumber")
	if err != nil {
		return nil, err
	}
	return &n, nil
}
