package influxdb

import (
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WritePoint queues p for the next batch. The write is non-blocking;
// failures are delivered to the SetOnError callback.
func (c *Client) WritePoint(p *write.Point) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(p)
}
