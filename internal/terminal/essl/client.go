// Package essl speaks the ESSL web-service dialect: JSON over HTTP with a
// device access token. Unlike family zkt, the protocol supports incremental
// fetch, so the watermark is pushed down to the device.
package essl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	attendance "attendance-cloud/internal/attendance/domain"
	masterdata "attendance-cloud/internal/masterdata/domain"
	"attendance-cloud/internal/terminal"
)

const naiveTimeLayout = "2006-01-02 15:04:05"

// Adapter connects to family-essl terminals.
type Adapter struct {
	token   string
	timeout time.Duration
	loc     *time.Location
}

// NewAdapter constructs an adapter.
func NewAdapter(token string, timeout time.Duration, loc *time.Location) *Adapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Adapter{token: token, timeout: timeout, loc: loc}
}

// Connect verifies the device answers the handshake endpoint.
func (a *Adapter) Connect(ctx context.Context, device masterdata.Device) (terminal.Conn, error) {
	conn := &Conn{
		device:  device,
		baseURL: "http://" + device.Addr(),
		token:   a.token,
		client:  &http.Client{Timeout: a.timeout},
		loc:     a.loc,
	}
	var resp handshakeResponse
	if err := conn.doJSON(ctx, http.MethodGet, "/iclock/api/handshake", &resp); err != nil {
		return nil, err
	}
	if resp.Status != "ok" {
		return nil, terminal.Terminal(fmt.Errorf("essl: handshake status %q", resp.Status))
	}
	return conn, nil
}

// Conn is an open session with one essl terminal.
type Conn struct {
	device  masterdata.Device
	baseURL string
	token   string
	client  *http.Client
	loc     *time.Location
}

// FetchPunchesSince asks the device for records after the watermark.
func (c *Conn) FetchPunchesSince(ctx context.Context, watermark time.Time) ([]attendance.RawPunch, error) {
	path := "/iclock/api/records"
	if !watermark.IsZero() {
		query := url.Values{}
		query.Set("since", watermark.In(c.loc).Format(naiveTimeLayout))
		path += "?" + query.Encode()
	}

	var resp recordsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, &resp); err != nil {
		return nil, err
	}

	punches := make([]attendance.RawPunch, 0, len(resp.Records))
	for _, record := range resp.Records {
		punch, err := c.decodeRecord(record)
		if err != nil {
			return nil, err
		}
		// The device is trusted to honor the since filter, but a stale
		// firmware that replays the full buffer must not leak old events.
		if !watermark.IsZero() && !punch.Timestamp.After(watermark) {
			continue
		}
		punches = append(punches, punch)
	}
	return punches, nil
}

// Close is a no-op; essl sessions are stateless HTTP.
func (c *Conn) Close() error { return nil }

type handshakeResponse struct {
	Status string `json:"status"`
	Serial string `json:"serial"`
}

type recordsResponse struct {
	Records []recordPayload `json:"records"`
}

type recordPayload struct {
	Pin   string `json:"pin"`
	Time  string `json:"time"`
	State int    `json:"state"`
}

func (c *Conn) decodeRecord(record recordPayload) (attendance.RawPunch, error) {
	if record.Pin == "" {
		return attendance.RawPunch{}, terminal.Terminal(errors.New("essl: record with empty pin"))
	}
	// Record times are naive device-local wall clock.
	ts, err := time.ParseInLocation(naiveTimeLayout, record.Time, c.loc)
	if err != nil {
		return attendance.RawPunch{}, terminal.Terminal(fmt.Errorf("essl: bad record time %q: %w", record.Time, err))
	}
	return attendance.RawPunch{
		DeviceID:     c.device.ID,
		DeviceUserID: record.Pin,
		Timestamp:    ts.UTC(),
		StatusCode:   decodeState(record.State),
	}, nil
}

func decodeState(state int) attendance.PunchStatus {
	switch state {
	case 0:
		return attendance.PunchStatusCheckIn
	case 1:
		return attendance.PunchStatusCheckOut
	default:
		return attendance.PunchStatusUnknown
	}
}

func (c *Conn) doJSON(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return terminal.Terminal(err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return terminal.ClassifyNetErr(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return terminal.Terminal(fmt.Errorf("essl: device rejected credentials with http %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return terminal.Transient(fmt.Errorf("essl: http %d", resp.StatusCode))
	case resp.StatusCode >= 300:
		return terminal.Terminal(fmt.Errorf("essl: http %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return terminal.Terminal(fmt.Errorf("essl: decode response: %w", err))
	}
	return nil
}
