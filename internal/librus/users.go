package librus

import (
	"context"
	"strconv"
	"sync"
)

// UserCache memoizes User records by id. Entries never expire.
type UserCache struct {
	c *Client

	mu    sync.Mutex
	items map[int]*User
}

func newUserCache(c *Client) *UserCache {
	return &UserCache{c: c, items: map[int]*User{}}
}

// Fetch returns the cached user unless force is set or the id is unknown.
// A nil entry is treated as corrupt and refetched.
func (u *UserCache) Fetch(ctx context.Context, id int, force bool) (*User, error) {
	if !force {
		u.mu.Lock()
		cached, ok := u.items[id]
		if ok && cached == nil {
			delete(u.items, id)
		}
		u.mu.Unlock()
		if cached != nil {
			return cached, nil
		}
	}

	path := "Users/" + strconv.Itoa(id)
	user, err := fetchOne[User](ctx, u.c, path, "User")
	if err != nil {
		return nil, err
	}
	if user.ID != id {
		return nil, newError(KindIntegrity, "GET "+path, "returned user id "+strconv.Itoa(user.ID))
	}

	u.mu.Lock()
	u.items[id] = &user
	u.mu.Unlock()
	return &user, nil
}

// FetchMany always goes to the network and leaves the cache untouched.
func (u *UserCache) FetchMany(ctx context.Context, ids []int) ([]User, error) {
	return fetchMany[User](ctx, u.c, "Users", "Users", itoaAll(ids))
}

// Len reports the number of cached users.
func (u *UserCache) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.items)
}

// User is shorthand for Users.Fetch without forcing.
func (c *Client) User(ctx context.Context, id int) (*User, error) {
	return c.Users.Fetch(ctx, id, false)
}

func itoaAll(ids []int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.Itoa(id)
	}
	return out
}
