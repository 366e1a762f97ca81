// termination.go
// Table 2: termination requests

package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	terminatePrefix = "terminate:"
)

// SetTerminationFlag requests (or withdraws the request) that session id
// be closed.
func (c *Client) SetTerminationFlag(ctx context.Context, id string, terminate bool) error {
	flag := 0
	if terminate {
		flag = 1
	}
	return c.rdb.Set(ctx, terminatePrefix+id, flag, time.Hour).Err()
}

// Terminated reports whether termination of session id was requested. A
// missing flag means false.
func (c *Client) Terminated(ctx context.Context, id string) (bool, error) {
	val, err := c.rdb.Get(ctx, terminatePrefix+id).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val != 0, nil
}
