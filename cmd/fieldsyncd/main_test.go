package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relieflabs/fieldsync/internal/connectivity"
)

// TestCredentialCallback_probeFollowsGateway verifies that with no
// explicit probe URL configured, saving a credential both configures
// the gateway client and re-points the connectivity probe at the new
// endpoint. Before any credential exists the probe must report
// offline, keeping the queue held rather than burning retry attempts.
func TestCredentialCallback_probeFollowsGateway(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	gateway := &gatewayProxy{callTimeout: time.Second}
	probe := connectivity.NewHTTPProbe("", time.Second)
	if probe.Check(context.Background()) {
		t.Fatal("probe should be offline before a credential exists")
	}

	save := credentialCallback(gateway, probe, true)
	save(srv.URL, "field-token")

	if got := gateway.endpoint(); got != srv.URL {
		t.Errorf("gateway endpoint = %q, want %q", got, srv.URL)
	}
	if !probe.Check(context.Background()) {
		t.Error("probe should reach the saved gateway endpoint")
	}
}

// With an explicit probe URL the credential save must leave it alone.
func TestCredentialCallback_explicitProbeURL(t *testing.T) {
	gateway := &gatewayProxy{callTimeout: time.Second}
	probe := connectivity.NewHTTPProbe("http://127.0.0.1:1/healthz", time.Second)

	save := credentialCallback(gateway, probe, false)
	save("http://gateway.example", "field-token")

	if probe.Check(context.Background()) {
		t.Error("explicit probe URL should not be replaced by the credential endpoint")
	}
	if got := gateway.endpoint(); got != "http://gateway.example" {
		t.Errorf("gateway endpoint = %q, want the saved endpoint", got)
	}
}
