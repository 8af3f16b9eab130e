package influxdb

import (
	"fmt"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// WriteTelemetry writes one device status poll to InfluxDB.
//
// Telemetry maps are device-specific (flow_rate, position, density...);
// only numeric and boolean readings are recorded, and booleans are stored
// as 0/1 so they can be graphed alongside the rest.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Example:
//
//	client.WriteTelemetry("pump1", "vici_m50",
//	    map[string]any{"flow_rate": 512.5, "moving": true})
func (c *Client) WriteTelemetry(device string, kind string, telemetry map[string]any) {
	if !c.IsConnected() {
		return
	}

	fields := make(map[string]interface{}, len(telemetry))
	for name, value := range telemetry {
		switch v := value.(type) {
		case float64:
			fields[name] = v
		case float32:
			fields[name] = float64(v)
		case int:
			fields[name] = v
		case int64:
			fields[name] = v
		case uint32:
			fields[name] = int64(v)
		case bool:
			if v {
				fields[name] = 1
			} else {
				fields[name] = 0
			}
		}
	}
	if len(fields) == 0 {
		return
	}

	point := write.NewPoint(
		"device_status",
		map[string]string{
			"device": device,
			"kind":   kind,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteCommandOutcome records a completed device command for throughput and
// failure-rate dashboards.
func (c *Client) WriteCommandOutcome(device string, commandKind string, ok bool, duration time.Duration) {
	if !c.IsConnected() {
		return
	}

	okField := 0
	if ok {
		okField = 1
	}

	point := write.NewPoint(
		"command_outcomes",
		map[string]string{
			"device": device,
			"kind":   commandKind,
		},
		map[string]interface{}{
			"ok":          okField,
			"duration_ms": float64(duration.Microseconds()) / 1000.0,
		},
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WriteScanPoint records one measured scan point. Channel counts are stored
// as ch0..chN fields plus a total, so dashboards can plot either a single
// channel or the summed signal against position.
func (c *Client) WriteScanPoint(runID string, index int, x float64, y *float64, counts []uint32) {
	if !c.IsConnected() {
		return
	}

	fields := map[string]interface{}{
		"index": index,
		"x":     x,
	}
	if y != nil {
		fields["y"] = *y
	}
	var total int64
	for i, count := range counts {
		fields[fmt.Sprintf("ch%d", i)] = int64(count)
		total += int64(count)
	}
	fields["total"] = total

	point := write.NewPoint(
		"scan_points",
		map[string]string{
			"run_id": runID,
		},
		fields,
		time.Now(),
	)

	c.writeAPI.WritePoint(point)
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
//
// Example:
//
//	client.WritePoint("system_stats",
//	    map[string]string{"host": "bl-control-01"},
//	    map[string]interface{}{"cpu_percent": 45.2, "memory_mb": 512})
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, time.Now())
	c.writeAPI.WritePoint(point)
}

// WritePointWithTime writes a custom point with a specific timestamp.
//
// Use this when the timestamp is not "now" (e.g., delayed data).
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	if !c.IsConnected() {
		return
	}

	point := write.NewPoint(measurement, tags, fields, timestamp)
	c.writeAPI.WritePoint(point)
}
