package supervisor

import (
	"bytes"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"aa-relay/go-backend/internal/userop"
	"aa-relay/go-backend/pkg/models"
)

func testHTTPServer(t *testing.T, oracle *fakeOracle) *httptest.Server {
	t.Helper()
	metrics := NewMetrics()
	svc := testService(t, testConfig(t, baseConfigYAML()), oracle)
	svc.metrics = metrics
	srv := NewServer("", svc, metrics, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func postSponsor(t *testing.T, ts *httptest.Server, op *userop.UserOperation, sctx map[string]string) *http.Response {
	t.Helper()
	body, err := json.Marshal(sponsorRequest{UserOperation: op, SponsorContext: sctx})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(ts.URL+"/v1/sponsor", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestServerSponsorHappyPath(t *testing.T) {
	ts := testHTTPServer(t, &fakeOracle{balance: big.NewInt(2_000_000)})

	resp := postSponsor(t, ts, sampleOp(), sampleCtx())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var dec models.SponsorshipDecision
	if err := json.NewDecoder(resp.Body).Decode(&dec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.PaymasterAndData == "" || dec.PaymasterAndData == "0x" {
		t.Fatalf("empty paymasterAndData in %+v", dec)
	}
}

func TestServerSponsorRejectionIs422WithReason(t *testing.T) {
	ts := testHTTPServer(t, &fakeOracle{balance: big.NewInt(2_000_000)})

	sctx := sampleCtx()
	delete(sctx, "estimated_cost_wei")
	resp := postSponsor(t, ts, sampleOp(), sctx)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["detail"] != models.ReasonMissingCost {
		t.Fatalf("detail = %q", body["detail"])
	}
}

func TestServerSponsorBackendFaultIs502(t *testing.T) {
	ts := testHTTPServer(t, &fakeOracle{err: errTest})

	resp := postSponsor(t, ts, sampleOp(), sampleCtx())
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
}

func TestServerSponsorMalformedBodyIs400(t *testing.T) {
	ts := testHTTPServer(t, &fakeOracle{balance: big.NewInt(2_000_000)})

	resp, err := http.Post(ts.URL+"/v1/sponsor", "application/json", bytes.NewReader([]byte("{not json")))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}

	resp2, err := http.Post(ts.URL+"/v1/sponsor", "application/json", bytes.NewReader([]byte(`{"sponsorContext":{}}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing userOperation: status = %d, want 400", resp2.StatusCode)
	}
}

func TestServerSponsorRequiresBearerToken(t *testing.T) {
	t.Setenv("AA_SUPERVISOR_TOKEN", "sekrit")
	ts := testHTTPServer(t, &fakeOracle{balance: big.NewInt(2_000_000)})

	resp := postSponsor(t, ts, sampleOp(), sampleCtx())
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("without token: status = %d, want 401", resp.StatusCode)
	}

	body, _ := json.Marshal(sponsorRequest{UserOperation: sampleOp(), SponsorContext: sampleCtx()})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/sponsor", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer sekrit")
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("with token: status = %d, want 200", resp2.StatusCode)
	}
}

func TestServerSponsorRateLimitPerOrg(t *testing.T) {
	t.Setenv("AA_SPONSOR_RPS", "0.001")
	t.Setenv("AA_SPONSOR_BURST", "1")
	ts := testHTTPServer(t, &fakeOracle{balance: big.NewInt(2_000_000)})

	if resp := postSponsor(t, ts, sampleOp(), sampleCtx()); resp.StatusCode != http.StatusOK {
		t.Fatalf("first: status = %d", resp.StatusCode)
	}
	if resp := postSponsor(t, ts, sampleOp(), sampleCtx()); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second: status = %d, want 429", resp.StatusCode)
	}

	// A different org has its own bucket.
	other := sampleCtx()
	other["org_id"] = "globex"
	if resp := postSponsor(t, ts, sampleOp(), other); resp.StatusCode != http.StatusOK {
		t.Fatalf("other org: status = %d", resp.StatusCode)
	}
}

func TestServerHealthAndReadiness(t *testing.T) {
	oracle := &fakeOracle{balance: big.NewInt(2_000_000)}
	ts := testHTTPServer(t, oracle)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var liveness Health
	if err := json.NewDecoder(resp.Body).Decode(&liveness); err != nil {
		t.Fatalf("decode healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if liveness.Status != "ok" || liveness.Balance != "2000000" || liveness.Threshold != 1000000 {
		t.Fatalf("healthz body = %+v", liveness)
	}
	if liveness.ChainID != 80002 || liveness.Paymaster == "" {
		t.Fatalf("healthz body missing chain/paymaster: %+v", liveness)
	}

	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || h.Status != "ok" {
		t.Fatalf("readyz = %d %+v", resp.StatusCode, h)
	}

	oracle.mu.Lock()
	oracle.balance = big.NewInt(50)
	oracle.mu.Unlock()
	resp, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("degraded readyz status = %d, want 503", resp.StatusCode)
	}

	// Liveness keeps answering 200 but the body must say degraded.
	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var degraded Health
	if err := json.NewDecoder(resp.Body).Decode(&degraded); err != nil {
		t.Fatalf("decode degraded healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("degraded healthz status = %d, want 200", resp.StatusCode)
	}
	if degraded.Status != "degraded" || degraded.Balance != "50" {
		t.Fatalf("degraded healthz body = %+v", degraded)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	ts := testHTTPServer(t, &fakeOracle{balance: big.NewInt(2_000_000)})

	postSponsor(t, ts, sampleOp(), sampleCtx())
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
