package nodeapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestDashboard_DecodesPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sno" {
			t.Errorf("path = %q, want /api/sno", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"nodeID": "1a2b3c",
			"startedAt": "2026-08-01T10:00:00Z",
			"diskSpace": {"used": 750, "available": 250, "trash": 10, "overused": 0},
			"satellites": [
				{"id": "sat-1", "url": "us1.example:7777", "disqualified": null, "suspended": null},
				{"id": "sat-2", "url": "eu1.example:7777", "disqualified": "2026-07-01T00:00:00Z", "suspended": null}
			]
		}`))
	}))
	defer srv.Close()

	c := New("node1", srv.URL, time.Second)
	d, err := c.Dashboard(context.Background())
	if err != nil {
		t.Fatalf("Dashboard: %v", err)
	}
	if d.NodeID != "1a2b3c" {
		t.Fatalf("NodeID = %q, want 1a2b3c", d.NodeID)
	}
	if d.DiskSpace.Used != 750 || d.DiskSpace.Available != 250 {
		t.Fatalf("diskSpace = %+v, want used 750 available 250", d.DiskSpace)
	}
	if len(d.Satellites) != 2 {
		t.Fatalf("satellites = %d, want 2", len(d.Satellites))
	}
	if d.Satellites[0].Disqualified != nil {
		t.Fatal("sat-1 should not be disqualified")
	}
	if d.Satellites[1].Disqualified == nil {
		t.Fatal("sat-2 should be disqualified")
	}
}

func TestSatellites_ScoresArriveUnnormalized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"audits": [
				{"auditScore": 0.995, "suspensionScore": 1.0, "onlineScore": 0.889, "satelliteName": "us1.example:7777"}
			]
		}`))
	}))
	defer srv.Close()

	c := New("node1", srv.URL, time.Second)
	s, err := c.Satellites(context.Background())
	if err != nil {
		t.Fatalf("Satellites: %v", err)
	}
	if len(s.Audits) != 1 {
		t.Fatalf("audits = %d, want 1", len(s.Audits))
	}
	// The client hands scores through as 0..1; normalization happens at
	// the poller boundary.
	if s.Audits[0].OnlineScore != 0.889 {
		t.Fatalf("onlineScore = %v, want 0.889", s.Audits[0].OnlineScore)
	}
}

func TestSatellite_BuildsPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"id": "sat-1", "joinDate": "2025-01-15T00:00:00Z"}`))
	}))
	defer srv.Close()

	c := New("node1", srv.URL, time.Second)
	d, err := c.Satellite(context.Background(), "sat-1")
	if err != nil {
		t.Fatalf("Satellite: %v", err)
	}
	if gotPath != "/api/sno/satellite/sat-1" {
		t.Fatalf("path = %q, want /api/sno/satellite/sat-1", gotPath)
	}
	if d.JoinDate.IsZero() {
		t.Fatal("joinDate not decoded")
	}
}

func TestEstimatedPayout_DecodesBothMonths(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"currentMonth": {"egressBandwidth": 1000, "egressBandwidthPayout": 2.5, "diskSpacePayout": 1.25, "held": 0.95, "payout": 3.75},
			"previousMonth": {"payout": 7.10},
			"currentMonthExpectations": 8.2
		}`))
	}))
	defer srv.Close()

	c := New("node1", srv.URL, time.Second)
	p, err := c.EstimatedPayout(context.Background())
	if err != nil {
		t.Fatalf("EstimatedPayout: %v", err)
	}
	if p.CurrentMonth.Payout != 3.75 {
		t.Fatalf("currentMonth.payout = %v, want 3.75", p.CurrentMonth.Payout)
	}
	if p.PreviousMonth.Payout != 7.10 {
		t.Fatalf("previousMonth.payout = %v, want 7.10", p.PreviousMonth.Payout)
	}
}

func TestServerError_IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New("node1", srv.URL, time.Second)
	_, err := c.Dashboard(context.Background())
	if !IsTransient(err) {
		t.Fatalf("500 should be transient, got %v", err)
	}
	if IsPermanent(err) {
		t.Fatal("500 must not be permanent")
	}
}

func TestTooManyRequests_IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New("node1", srv.URL, time.Second)
	for i := 0; i < 5; i++ {
		if _, err := c.Dashboard(context.Background()); !IsTransient(err) {
			t.Fatalf("429 should be transient, got %v", err)
		}
	}
	// 429s never disable the endpoint.
	if _, err := c.Dashboard(context.Background()); errors.Is(err, ErrEndpointDisabled) {
		t.Fatal("429 responses must not disable the endpoint")
	}
}

func TestConnectionFailure_IsTransient(t *testing.T) {
	// Port 1 refuses connections.
	c := New("node1", "http://127.0.0.1:1", 200*time.Millisecond)
	_, err := c.Dashboard(context.Background())
	if !IsTransient(err) {
		t.Fatalf("connection refusal should be transient, got %v", err)
	}
}

func TestMalformedBody_IsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"nodeID": `)) // cut off mid-object
	}))
	defer srv.Close()

	c := New("node1", srv.URL, time.Second)
	_, err := c.Dashboard(context.Background())
	if !IsTransient(err) {
		t.Fatalf("undecodable body should be transient, got %v", err)
	}
}

func TestPermanentFailures_DisableEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/sno" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"audits": []}`))
	}))
	defer srv.Close()

	c := New("node1", srv.URL, time.Second)

	for i := 0; i < maxPermanentFailures; i++ {
		_, err := c.Dashboard(context.Background())
		if !IsPermanent(err) {
			t.Fatalf("call %d: want permanent error, got %v", i+1, err)
		}
	}

	// Fourth call is short-circuited without a request.
	_, err := c.Dashboard(context.Background())
	if !errors.Is(err, ErrEndpointDisabled) {
		t.Fatalf("want ErrEndpointDisabled after %d permanent failures, got %v", maxPermanentFailures, err)
	}

	// Other endpoints on the same client stay live.
	if _, err := c.Satellites(context.Background()); err != nil {
		t.Fatalf("satellites endpoint should still work: %v", err)
	}
}

func TestPermanentError_Fields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusGone)
	}))
	defer srv.Close()

	c := New("node1", srv.URL, time.Second)
	_, err := c.Satellite(context.Background(), "sat-9")

	var pe *PermanentError
	if !errors.As(err, &pe) {
		t.Fatalf("want PermanentError, got %v", err)
	}
	if pe.StatusCode != http.StatusGone {
		t.Fatalf("StatusCode = %d, want %d", pe.StatusCode, http.StatusGone)
	}
	// Disable bookkeeping is keyed on the route template, not the id.
	if pe.Endpoint != "/api/sno/satellite" {
		t.Fatalf("Endpoint = %q, want /api/sno/satellite", pe.Endpoint)
	}
}
