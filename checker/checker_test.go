package checker

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pulse/model"
)

func httpService(target string, cfg model.CheckConfig) *model.Service {
	return &model.Service{
		ID:      "svc-http",
		Name:    "test",
		Type:    model.TypeHTTP,
		Target:  target,
		Config:  cfg,
		Timeout: 2 * time.Second,
	}
}

func TestHTTPCheckDefault2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := NewExecutor()
	r, err := e.Check(context.Background(), httpService(srv.URL, model.CheckConfig{}))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !r.Success {
		t.Fatalf("expected success, got error=%q message=%q", r.Error, r.Message)
	}
	if r.StatusCode != http.StatusNoContent {
		t.Errorf("status code: got %d, want 204", r.StatusCode)
	}
	if r.LatencyMs <= 0 {
		t.Errorf("latency not captured: %v", r.LatencyMs)
	}
}

func TestHTTPCheckExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewExecutor()

	// 401 against the default 2xx expectation fails.
	r, err := e.Check(context.Background(), httpService(srv.URL, model.CheckConfig{}))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Success {
		t.Fatal("expected failure for 401 with default expectation")
	}

	// 401 passes when it is the expected status.
	r, err = e.Check(context.Background(), httpService(srv.URL, model.CheckConfig{ExpectedStatus: 401}))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !r.Success {
		t.Fatalf("expected success for explicit 401, got message=%q", r.Message)
	}
}

func TestHTTPCheckExpectedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	e := NewExecutor()

	r, _ := e.Check(context.Background(), httpService(srv.URL, model.CheckConfig{ExpectedBody: `"status":"ok"`}))
	if !r.Success {
		t.Fatalf("expected success, got message=%q", r.Message)
	}

	r, _ = e.Check(context.Background(), httpService(srv.URL, model.CheckConfig{ExpectedBody: "nope"}))
	if r.Success {
		t.Fatal("expected failure when body does not match")
	}
}

func TestHTTPCheckTimeoutIsFailureNotError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	svc := httpService(srv.URL, model.CheckConfig{})
	svc.Timeout = 50 * time.Millisecond

	e := NewExecutor()
	r, err := e.Check(context.Background(), svc)
	if err != nil {
		t.Fatalf("timeout must not surface as an error: %v", err)
	}
	if r.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(r.Error, "timeout") {
		t.Errorf("error should mention timeout, got %q", r.Error)
	}
}

func TestHTTPCheckMethodAndHeaders(t *testing.T) {
	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Probe")
	}))
	defer srv.Close()

	e := NewExecutor()
	cfg := model.CheckConfig{Method: "head", Headers: []string{"X-Probe: pulse"}}
	if _, err := e.Check(context.Background(), httpService(srv.URL, cfg)); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if gotMethod != http.MethodHead {
		t.Errorf("method: got %s, want HEAD", gotMethod)
	}
	if gotHeader != "pulse" {
		t.Errorf("header: got %q, want pulse", gotHeader)
	}
}

func TestTCPCheck(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	e := NewExecutor()
	svc := &model.Service{
		ID:      "svc-tcp",
		Name:    "tcp",
		Type:    model.TypeTCP,
		Target:  ln.Addr().String(),
		Timeout: time.Second,
	}

	r, err := e.Check(context.Background(), svc)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !r.Success {
		t.Fatalf("expected success, got %q", r.Error)
	}

	// Unreachable port is a failed result, not an error.
	ln.Close()
	r, err = e.Check(context.Background(), svc)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Success {
		t.Fatal("expected failure against closed port")
	}
	if r.Error == "" {
		t.Fatal("failed result should carry a diagnostic message")
	}
}

// sslTestServer listens with a self-signed certificate expiring at the
// given time. Probes must set skipVerify since there is no chain.
func sslTestServer(t *testing.T, notAfter time.Time) net.Listener {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				if tc, ok := c.(*tls.Conn); ok {
					tc.Handshake()
				}
				c.Close()
			}(conn)
		}
	}()
	return ln
}

func sslService(target string) *model.Service {
	return &model.Service{
		ID:      "svc-ssl",
		Name:    "ssl",
		Type:    model.TypeSSL,
		Target:  target,
		Config:  model.CheckConfig{SkipVerify: true},
		Timeout: 2 * time.Second,
	}
}

func TestSSLCheckNearExpiryStillPasses(t *testing.T) {
	// Valid for 12 more hours: inside the warn window but not expired.
	ln := sslTestServer(t, time.Now().Add(12*time.Hour))

	e := NewExecutor()
	r, err := e.Check(context.Background(), sslService(ln.Addr().String()))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !r.Success {
		t.Fatalf("certificate still valid for 12h must pass, got %q", r.Error)
	}
	if r.Metadata["expiring_soon"] != "true" {
		t.Errorf("expected expiring_soon metadata, got %v", r.Metadata)
	}
}

func TestSSLCheckExpiredFails(t *testing.T) {
	ln := sslTestServer(t, time.Now().Add(-time.Hour))

	e := NewExecutor()
	r, err := e.Check(context.Background(), sslService(ln.Addr().String()))
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if r.Success {
		t.Fatal("expired certificate must fail the check")
	}
	if !strings.Contains(r.Error, "expired") {
		t.Errorf("error should mention expiry, got %q", r.Error)
	}
}

func TestUnsupportedTypeIsError(t *testing.T) {
	e := NewExecutor()
	_, err := e.Check(context.Background(), &model.Service{
		ID:     "svc-bad",
		Name:   "bad",
		Type:   "gopher",
		Target: "example.com",
	})
	if err == nil {
		t.Fatal("expected configuration error for unsupported type")
	}
}

func TestResolveRecordsUnsupportedType(t *testing.T) {
	var resolver net.Resolver
	if _, err := resolveRecords(context.Background(), &resolver, "SRV", "example.com"); err == nil {
		t.Fatal("expected error for unsupported record type")
	}
}

func TestParsePingAvg(t *testing.T) {
	out := `4 packets transmitted, 4 received, 0% packet loss, time 3004ms
rtt min/avg/max/mdev = 0.045/0.051/0.062/0.007 ms`
	avg, ok := parsePingAvg(out)
	if !ok {
		t.Fatal("expected to parse avg")
	}
	if avg != 0.051 {
		t.Errorf("avg: got %v, want 0.051", avg)
	}

	if _, ok := parsePingAvg("no summary here"); ok {
		t.Error("expected parse failure without summary line")
	}
}
