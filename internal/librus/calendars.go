package librus

import (
	"context"
	"strconv"
)

func (c *Client) TeacherFreeDay(ctx context.Context, id int) (*TeacherFreeDay, error) {
	path := ResourceTeacherFreeDays + "/" + strconv.Itoa(id)
	d, err := fetchOne[TeacherFreeDay](ctx, c, path, "TeacherFreeDay")
	if err != nil {
		return nil, err
	}
	if d.ID != id {
		return nil, newError(KindIntegrity, "GET "+path, "returned free day id "+strconv.Itoa(d.ID))
	}
	return &d, nil
}

func (c *Client) TeacherFreeDays(ctx context.Context, ids []int) ([]TeacherFreeDay, error) {
	return fetchMany[TeacherFreeDay](ctx, c, ResourceTeacherFreeDays, "TeacherFreeDays", itoaAll(ids))
}
