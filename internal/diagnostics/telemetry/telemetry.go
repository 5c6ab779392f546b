// Package telemetry optionally pushes fleet-monitoring metrics to an
// InfluxDB instance: GcdState transition counters and command-completion
// latency. It is disabled unless configured and is never required for
// correctness of any core subsystem.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// ErrDisabled is returned by Connect when telemetry is not enabled.
var ErrDisabled = errors.New("telemetry: disabled")

const (
	defaultConnectTimeout = 10 * time.Second
	millisecondsPerSecond = 1000
)

// Config configures the optional InfluxDB sink.
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval int // seconds
}

// Client wraps the InfluxDB v2 client for fleet telemetry.
type Client struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	deviceID string
}

// Connect establishes a connection and configures a non-blocking write API.
// Returns ErrDisabled if cfg.Enabled is false.
func Connect(cfg Config, deviceID string) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 20
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 10
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval)*millisecondsPerSecond),
	)

	ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil || !healthy {
		client.Close()
		return nil, fmt.Errorf("telemetry: connecting to influxdb: %w", err)
	}

	return &Client{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		deviceID: deviceID,
	}, nil
}

// Close flushes pending writes and closes the underlying client.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

// RecordGcdStateTransition records a GcdState change.
func (c *Client) RecordGcdStateTransition(state string) {
	if c == nil {
		return
	}
	point := write.NewPoint(
		"gcd_state_transitions",
		map[string]string{"device_id": c.deviceID, "state": state},
		map[string]interface{}{"count": 1},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}

// RecordCommandCompletion records the latency and outcome of one command.
func (c *Client) RecordCommandCompletion(name, status string, latency time.Duration) {
	if c == nil {
		return
	}
	point := write.NewPoint(
		"command_completions",
		map[string]string{"device_id": c.deviceID, "name": name, "status": status},
		map[string]interface{}{"latency_ms": latency.Milliseconds()},
		time.Now(),
	)
	c.writeAPI.WritePoint(point)
}
