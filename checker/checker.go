package checker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"pulse/model"
)

// Checker executes a single probe against a service target. Unreachable
// targets are reported as failed results, never as errors; an error return
// means the definition itself is unusable.
type Checker interface {
	Check(ctx context.Context, svc *model.Service) (*model.CheckResult, error)
}

// Executor dispatches probes by check type.
type Executor struct {
	client *http.Client
}

// NewExecutor creates a probe executor. The shared HTTP client never
// follows per-request timeouts itself; each check is bounded by its
// context deadline.
func NewExecutor() *Executor {
	return &Executor{
		client: &http.Client{
			// Redirects are followed; the context deadline still applies.
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				DisableKeepAlives:   true,
			},
		},
	}
}

// Check runs exactly one probe within the service's configured timeout.
func (e *Executor) Check(ctx context.Context, svc *model.Service) (*model.CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, svc.TimeoutOrDefault())
	defer cancel()

	switch svc.Type {
	case model.TypeHTTP, model.TypeHTTPS:
		return e.checkHTTP(ctx, svc), nil
	case model.TypeTCP:
		return checkTCP(ctx, svc), nil
	case model.TypeSSL:
		return checkSSL(ctx, svc), nil
	case model.TypeDNS:
		return checkDNS(ctx, svc), nil
	case model.TypePing:
		return checkPing(ctx, svc), nil
	default:
		return nil, fmt.Errorf("unsupported check type %q", svc.Type)
	}
}

func newResult(svc *model.Service, start time.Time) *model.CheckResult {
	return &model.CheckResult{
		ID:        uuid.NewString(),
		ServiceID: svc.ID,
		CheckedAt: time.Now().UTC(),
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000,
	}
}

func failResult(svc *model.Service, start time.Time, format string, args ...any) *model.CheckResult {
	r := newResult(svc, start)
	r.Success = false
	r.Error = fmt.Sprintf(format, args...)
	return r
}

func (e *Executor) checkHTTP(ctx context.Context, svc *model.Service) *model.CheckResult {
	start := time.Now()

	method := strings.ToUpper(svc.Config.Method)
	if method == "" {
		method = http.MethodGet
	}

	req, err := http.NewRequestWithContext(ctx, method, svc.Target, nil)
	if err != nil {
		return failResult(svc, start, "build request: %v", err)
	}
	for _, h := range svc.Config.Headers {
		name, value, ok := strings.Cut(h, ":")
		if ok {
			req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
		}
	}

	client := e.client
	if svc.Config.SkipVerify {
		client = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:   &tls.Config{InsecureSkipVerify: true},
				DisableKeepAlives: true,
			},
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failResult(svc, start, "request timeout after %s", svc.TimeoutOrDefault())
		}
		return failResult(svc, start, "request failed: %v", err)
	}
	defer resp.Body.Close()

	r := newResult(svc, start)
	r.StatusCode = resp.StatusCode

	statusOK := resp.StatusCode >= 200 && resp.StatusCode < 300
	if want := svc.Config.ExpectedStatus; want != 0 {
		statusOK = resp.StatusCode == want
	}
	if !statusOK {
		r.Success = false
		if want := svc.Config.ExpectedStatus; want != 0 {
			r.Message = fmt.Sprintf("expected status %d, got %d", want, resp.StatusCode)
		} else {
			r.Message = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		}
		return r
	}

	if svc.Config.ExpectedBody != "" {
		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return failResult(svc, start, "read body: %v", err)
		}
		if !strings.Contains(string(body), svc.Config.ExpectedBody) {
			r.Success = false
			r.Message = "response body does not contain expected content"
			return r
		}
	}

	r.Success = true
	return r
}

func checkTCP(ctx context.Context, svc *model.Service) *model.CheckResult {
	start := time.Now()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", svc.Target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return failResult(svc, start, "connection timeout after %s", svc.TimeoutOrDefault())
		}
		return failResult(svc, start, "connect %s: %v", svc.Target, err)
	}
	conn.Close()

	r := newResult(svc, start)
	r.Success = true
	r.Message = "connected to " + svc.Target
	return r
}

func checkSSL(ctx context.Context, svc *model.Service) *model.CheckResult {
	start := time.Now()

	addr := svc.Target
	if !strings.Contains(addr, ":") {
		addr = net.JoinHostPort(addr, "443")
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return failResult(svc, start, "bad target %q: %v", svc.Target, err)
	}

	d := &tls.Dialer{Config: &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: svc.Config.SkipVerify,
	}}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return failResult(svc, start, "handshake timeout after %s", svc.TimeoutOrDefault())
		}
		return failResult(svc, start, "tls handshake: %v", err)
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return failResult(svc, start, "no peer certificate presented")
	}
	leaf := certs[0]

	warnDays := svc.Config.WarnDays
	if warnDays == 0 {
		warnDays = 30
	}
	daysLeft := int(time.Until(leaf.NotAfter).Hours() / 24)

	r := newResult(svc, start)
	r.Metadata = map[string]string{
		"subject":           leaf.Subject.String(),
		"issuer":            leaf.Issuer.String(),
		"expires_at":        leaf.NotAfter.UTC().Format(time.RFC3339),
		"days_until_expiry": strconv.Itoa(daysLeft),
	}

	if time.Now().After(leaf.NotAfter) {
		r.Success = false
		r.Error = "certificate has expired"
		return r
	}

	r.Success = true
	if daysLeft <= warnDays {
		// Still a pass, but surfaces a degrading signal.
		r.Message = fmt.Sprintf("certificate expires in %d days", daysLeft)
		r.Metadata["expiring_soon"] = "true"
	}
	return r
}

func checkDNS(ctx context.Context, svc *model.Service) *model.CheckResult {
	start := time.Now()

	recordType := strings.ToUpper(svc.Config.RecordType)
	if recordType == "" {
		recordType = "A"
	}

	var resolver net.Resolver
	answers, err := resolveRecords(ctx, &resolver, recordType, svc.Target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return failResult(svc, start, "resolution timeout after %s", svc.TimeoutOrDefault())
		}
		return failResult(svc, start, "dns resolution failed: %v", err)
	}
	if len(answers) == 0 {
		return failResult(svc, start, "no %s records for %s", recordType, svc.Target)
	}

	r := newResult(svc, start)
	r.Metadata = map[string]string{"answers": strings.Join(answers, ",")}

	if want := svc.Config.ExpectedValue; want != "" {
		for _, a := range answers {
			if a == want {
				r.Success = true
				r.Message = "resolved to " + want
				return r
			}
		}
		r.Success = false
		r.Message = fmt.Sprintf("expected %s, got %s", want, strings.Join(answers, ","))
		return r
	}

	r.Success = true
	r.Message = "resolved to " + answers[0]
	return r
}

func resolveRecords(ctx context.Context, resolver *net.Resolver, recordType, target string) ([]string, error) {
	switch recordType {
	case "A", "AAAA":
		ips, err := resolver.LookupIP(ctx, map[string]string{"A": "ip4", "AAAA": "ip6"}[recordType], target)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(ips))
		for i, ip := range ips {
			out[i] = ip.String()
		}
		return out, nil
	case "CNAME":
		cname, err := resolver.LookupCNAME(ctx, target)
		if err != nil {
			return nil, err
		}
		return []string{strings.TrimSuffix(cname, ".")}, nil
	case "TXT":
		return resolver.LookupTXT(ctx, target)
	case "MX":
		mxs, err := resolver.LookupMX(ctx, target)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(mxs))
		for i, mx := range mxs {
			out[i] = strings.TrimSuffix(mx.Host, ".")
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported record type %q", recordType)
	}
}

func checkPing(ctx context.Context, svc *model.Service) *model.CheckResult {
	start := time.Now()

	count := svc.Config.PingCount
	if count <= 0 {
		count = 3
	}
	timeoutSec := int(svc.TimeoutOrDefault().Seconds())
	if timeoutSec < 1 {
		timeoutSec = 1
	}

	cmd := exec.CommandContext(ctx, "ping", "-c", strconv.Itoa(count), "-W", strconv.Itoa(timeoutSec), svc.Target)
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return failResult(svc, start, "ping timeout after %s", svc.TimeoutOrDefault())
	}
	if err != nil {
		r := failResult(svc, start, "host unreachable")
		r.Metadata = map[string]string{"output": truncate(string(out), 500)}
		return r
	}

	r := newResult(svc, start)
	r.Success = true
	r.Message = "host is reachable"
	if avg, ok := parsePingAvg(string(out)); ok {
		r.LatencyMs = avg
	}
	return r
}

// parsePingAvg extracts the average round trip from ping's summary line,
// e.g. "rtt min/avg/max/mdev = 0.045/0.051/0.062/0.007 ms".
func parsePingAvg(out string) (float64, bool) {
	for _, line := range strings.Split(out, "\n") {
		if !strings.Contains(line, "min/avg/max") {
			continue
		}
		_, stats, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields := strings.Split(strings.TrimSpace(stats), "/")
		if len(fields) < 2 {
			continue
		}
		avg, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
		if err == nil {
			return avg, true
		}
	}
	return 0, false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
