// snapshot.go
// Table 1: session snapshots

package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/m-lab/adaptive-proxy/telemetry"
)

const (
	snapshotPrefix = "snapshot:"
	snapshotTTL    = time.Hour
)

// Publish stores the latest snapshot of session id, replacing the previous
// one.
func (c *Client) Publish(ctx context.Context, id string, s telemetry.Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, snapshotPrefix+id, data, snapshotTTL).Err()
}

// Snapshot returns the last snapshot published for session id.
func (c *Client) Snapshot(ctx context.Context, id string) (*telemetry.Snapshot, error) {
	data, err := c.rdb.Get(ctx, snapshotPrefix+id).Bytes()
	if err != nil {
		return nil, err
	}
	var s telemetry.Snapshot
	err = json.Unmarshal(data, &s)
	return &s, err
}
