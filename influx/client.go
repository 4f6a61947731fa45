// Package influx wraps the InfluxDB 1.x HTTP API with the typed operations
// the backup engine needs. Queries and admin statements go through the
// upstream influxdb1-client; the write path issues POST /write itself so
// the HTTP status code can drive the error classification.
package influx

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	client "github.com/influxdata/influxdb1-client/v2"
	"github.com/influxdata/line-protocol/v2/lineprotocol"
	"github.com/sirupsen/logrus"
)

// Field kinds as the filter configuration spells them. Influx reports
// integer and float columns separately, both collapse into numeric here.
const (
	KindNumeric = "numeric"
	KindString  = "string"
	KindBoolean = "boolean"
)

// Field is one field key of a measurement.
type Field struct {
	Name string
	Kind string
}

// Point is one row to be written to the destination.
type Point struct {
	Measurement string
	Tags        map[string]string
	Fields      map[string]interface{}
	Time        time.Time
}

// Config configures one endpoint client.
type Config struct {
	Addr               string
	Username           string
	Password           string
	Timeout            time.Duration
	InsecureSkipVerify bool
	UserAgent          string
	Logger             logrus.FieldLogger
}

// Client talks to a single InfluxDB 1.x endpoint. It holds the upstream
// query client and a separate HTTP client for writes, and switches database
// context per call.
type Client struct {
	api        client.Client
	httpClient *http.Client
	writeURL   *url.URL
	cfg        Config
	logger     logrus.FieldLogger
}

// New builds a Client for the endpoint. It does not contact the server;
// use Ping for that.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 20 * time.Second
	}

	api, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:               cfg.Addr,
		Username:           cfg.Username,
		Password:           cfg.Password,
		UserAgent:          cfg.UserAgent,
		Timeout:            cfg.Timeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	})
	if err != nil {
		return nil, fmt.Errorf("invalid influx endpoint %q: %w", cfg.Addr, err)
	}

	writeURL, err := url.Parse(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid influx endpoint %q: %w", cfg.Addr, err)
	}
	writeURL.Path = "/write"

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}, //nolint:gosec
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Client{
		api:        api,
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		writeURL:   writeURL,
		cfg:        cfg,
		logger:     logger.WithField("endpoint", cfg.Addr),
	}, nil
}

// Close releases the underlying connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return c.api.Close()
}

// Addr returns the endpoint URL the client talks to.
func (c *Client) Addr() string {
	return c.cfg.Addr
}

// Ping verifies the endpoint is reachable.
func (c *Client) Ping() error {
	if _, _, err := c.api.Ping(c.cfg.Timeout); err != nil {
		return newError(KindConnection, "ping", err)
	}
	return nil
}

// query runs one InfluxQL statement and returns its first result.
func (c *Client) query(ctx context.Context, op, db, command string) (*client.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, newError(KindTransient, op, err)
	}

	resp, err := c.api.Query(client.NewQuery(command, db, ""))
	if err != nil {
		return nil, newError(KindTransient, op, err)
	}
	if err := resp.Error(); err != nil {
		// The server answered, so the statement itself was rejected.
		return nil, newError(KindPermanent, op, err)
	}
	if len(resp.Results) == 0 {
		return &client.Result{}, nil
	}
	result := resp.Results[0]
	if result.Err != "" {
		return nil, errorf(KindPermanent, op, "%s", result.Err)
	}
	return &result, nil
}

// Databases returns the database names known to the server.
func (c *Client) Databases(ctx context.Context) ([]string, error) {
	result, err := c.query(ctx, "show databases", "", "SHOW DATABASES")
	if err != nil {
		return nil, err
	}
	return singleColumn(result), nil
}

// Measurements returns the measurement names in db.
func (c *Client) Measurements(ctx context.Context, db string) ([]string, error) {
	result, err := c.query(ctx, "show measurements", db, "SHOW MEASUREMENTS")
	if err != nil {
		return nil, err
	}
	return singleColumn(result), nil
}

// FieldKeys returns the fields of a measurement with their kinds.
func (c *Client) FieldKeys(ctx context.Context, db, measurement string) ([]Field, error) {
	command := fmt.Sprintf("SHOW FIELD KEYS FROM %q", measurement)
	result, err := c.query(ctx, "show field keys", db, command)
	if err != nil {
		return nil, err
	}

	var fields []Field
	for _, row := range result.Series {
		for _, values := range row.Values {
			if len(values) < 2 {
				continue
			}
			name, nok := values[0].(string)
			ftype, tok := values[1].(string)
			if !nok || !tok {
				return nil, errorf(KindData, "show field keys", "unexpected row %v", values)
			}
			fields = append(fields, Field{Name: name, Kind: fieldKind(ftype)})
		}
	}
	return fields, nil
}

func fieldKind(influxType string) string {
	switch influxType {
	case "integer", "float":
		return KindNumeric
	case "boolean":
		return KindBoolean
	default:
		return KindString
	}
}

// FirstTimestamp returns the oldest timestamp in the measurement, nil when
// it holds no data.
func (c *Client) FirstTimestamp(ctx context.Context, db, measurement string) (*time.Time, error) {
	command := fmt.Sprintf("SELECT * FROM %q ORDER BY time ASC LIMIT 1", measurement)
	return c.singleTimestamp(ctx, "first timestamp", db, command)
}

// LastTimestamp returns the newest timestamp in the measurement, nil when
// it holds no data.
func (c *Client) LastTimestamp(ctx context.Context, db, measurement string) (*time.Time, error) {
	command := fmt.Sprintf("SELECT * FROM %q ORDER BY time DESC LIMIT 1", measurement)
	return c.singleTimestamp(ctx, "last timestamp", db, command)
}

// LastFieldTimestamp returns the timestamp of the newest value of one
// field, nil when the field holds no data.
func (c *Client) LastFieldTimestamp(ctx context.Context, db, measurement, field string) (*time.Time, error) {
	command := fmt.Sprintf("SELECT last(%q) FROM %q", field, measurement)
	return c.singleTimestamp(ctx, "last field timestamp", db, command)
}

func (c *Client) singleTimestamp(ctx context.Context, op, db, command string) (*time.Time, error) {
	result, err := c.query(ctx, op, db, command)
	if err != nil {
		return nil, err
	}
	for _, row := range result.Series {
		for _, values := range row.Values {
			if len(values) == 0 {
				continue
			}
			ts, ok := values[0].(string)
			if !ok {
				return nil, errorf(KindData, op, "unexpected time value %v", values[0])
			}
			t, err := time.Parse(time.RFC3339Nano, ts)
			if err != nil {
				return nil, newError(KindData, op, err)
			}
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, nil
}

// Series is one tagset's worth of rows from a chunk query. Timestamps stay
// in their RFC 3339 wire form; cell values are json.Number, string, bool
// or nil.
type Series struct {
	Tags    map[string]string
	Columns []string
	Values  [][]interface{}
}

// QueryChunk executes one read query and returns its series.
func (c *Client) QueryChunk(ctx context.Context, db, command string) ([]Series, error) {
	result, err := c.query(ctx, "query chunk", db, command)
	if err != nil {
		return nil, err
	}

	series := make([]Series, 0, len(result.Series))
	for _, row := range result.Series {
		series = append(series, Series{
			Tags:    row.Tags,
			Columns: row.Columns,
			Values:  row.Values,
		})
	}
	return series, nil
}

// EnsureDatabase creates the database if it does not exist yet. The
// statement is idempotent on the server side.
func (c *Client) EnsureDatabase(ctx context.Context, db string) error {
	_, err := c.query(ctx, "create database", "", fmt.Sprintf("CREATE DATABASE %q", db))
	return err
}

// WritePoints writes the points to db in line-protocol batches of at most
// batchSize points each. It returns the number of points written; on error
// the count covers the batches that made it.
func (c *Client) WritePoints(ctx context.Context, db string, points []Point, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 5000
	}

	written := 0
	for len(points) > 0 {
		batch := points
		if len(batch) > batchSize {
			batch = batch[:batchSize]
		}
		if err := c.writeBatch(ctx, db, batch); err != nil {
			return written, err
		}
		written += len(batch)
		points = points[len(batch):]
	}
	return written, nil
}

// WriteBatch writes one batch of points in a single request.
func (c *Client) WriteBatch(ctx context.Context, db string, points []Point) error {
	return c.writeBatch(ctx, db, points)
}

func (c *Client) writeBatch(ctx context.Context, db string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	body, err := encodePoints(points)
	if err != nil {
		return newError(KindData, "write", err)
	}

	u := *c.writeURL
	params := url.Values{}
	params.Set("db", db)
	params.Set("precision", "ns")
	if c.cfg.Username != "" {
		params.Set("u", c.cfg.Username)
		params.Set("p", c.cfg.Password)
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return newError(KindData, "write", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return newError(KindTransient, "write", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	kind := KindPermanent
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusNotFound {
		kind = KindTransient
	}
	return errorf(kind, "write", "server returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
}

func encodePoints(points []Point) ([]byte, error) {
	var enc lineprotocol.Encoder
	enc.SetPrecision(lineprotocol.Nanosecond)

	for _, p := range points {
		enc.StartLine(p.Measurement)

		tagKeys := make([]string, 0, len(p.Tags))
		for k := range p.Tags {
			tagKeys = append(tagKeys, k)
		}
		sort.Strings(tagKeys)
		for _, k := range tagKeys {
			enc.AddTag(k, p.Tags[k])
		}

		fieldKeys := make([]string, 0, len(p.Fields))
		for k := range p.Fields {
			fieldKeys = append(fieldKeys, k)
		}
		sort.Strings(fieldKeys)
		for _, k := range fieldKeys {
			v, ok := lineprotocol.NewValue(p.Fields[k])
			if !ok {
				return nil, fmt.Errorf("field %q has unencodable value %v", k, p.Fields[k])
			}
			enc.AddField(k, v)
		}

		enc.EndLine(p.Time)
	}

	if err := enc.Err(); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

func singleColumn(result *client.Result) []string {
	var names []string
	for _, row := range result.Series {
		for _, values := range row.Values {
			if len(values) == 0 {
				continue
			}
			if name, ok := values[0].(string); ok {
				names = append(names, name)
			}
		}
	}
	return names
}
