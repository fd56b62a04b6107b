package influxx

import (
	"context"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"

	"imaging-edge-proxy/shared/config"
)

// Client records transfer throughput points. A zero Client is a no-op so
// callers never need to branch on whether Influx is configured.
type Client struct {
	c      influxdb2.Client
	writer api.WriteAPIBlocking
}

func New(cfg config.Config) *Client {
	if cfg.InfluxURL == "" || cfg.InfluxToken == "" {
		return &Client{}
	}
	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(cfg.InfluxTimeoutMS / 1000))
	c := influxdb2.NewClientWithOptions(cfg.InfluxURL, cfg.InfluxToken, opts)
	return &Client{
		c:      c,
		writer: c.WriteAPIBlocking(cfg.InfluxOrg, cfg.InfluxBucket),
	}
}

func (c *Client) Enabled() bool {
	return c != nil && c.writer != nil
}

// WriteDispatchPoint records one finished transfer leg for a node.
func (c *Client) WriteDispatchPoint(ctx context.Context, workspaceID, nodeID, entityType, state string, filesSent int, elapsed time.Duration) error {
	if !c.Enabled() {
		return nil
	}
	p := influxdb2.NewPointWithMeasurement("dispatch_transfer").
		AddTag("workspace_id", workspaceID).
		AddTag("node_id", nodeID).
		AddTag("entity_type", entityType).
		AddTag("state", state).
		AddField("files_sent", filesSent).
		AddField("elapsed_ms", elapsed.Milliseconds()).
		SetTime(time.Now().UTC())
	return c.writer.WritePoint(ctx, p)
}

func (c *Client) Close() {
	if c != nil && c.c != nil {
		c.c.Close()
	}
}
