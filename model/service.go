package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// CheckType identifies the probe protocol for a service.
type CheckType string

const (
	TypeHTTP  CheckType = "http"
	TypeHTTPS CheckType = "https"
	TypeTCP   CheckType = "tcp"
	TypeSSL   CheckType = "ssl"
	TypeDNS   CheckType = "dns"
	TypePing  CheckType = "ping"
)

// Status is the derived health of a monitored service. Paused is entered
// and left only by operator action and overrides the others while set.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusPaused    Status = "paused"
)

// CheckConfig holds protocol-specific probe options. Zero values mean the
// checker's defaults apply.
type CheckConfig struct {
	Method         string   `yaml:"method,omitempty" json:"method,omitempty"`                 // http: request method, default GET
	ExpectedStatus int      `yaml:"expectedStatus,omitempty" json:"expectedStatus,omitempty"` // http: 0 means any 2xx
	ExpectedBody   string   `yaml:"expectedBody,omitempty" json:"expectedBody,omitempty"`     // http: substring the body must contain
	SkipVerify     bool     `yaml:"skipVerify,omitempty" json:"skipVerify,omitempty"`         // http, ssl: skip TLS verification
	Headers        []string `yaml:"headers,omitempty" json:"headers,omitempty"`               // http: "Name: value" pairs
	WarnDays       int      `yaml:"warnDays,omitempty" json:"warnDays,omitempty"`             // ssl: default 30
	RecordType     string   `yaml:"recordType,omitempty" json:"recordType,omitempty"`         // dns: A, AAAA, CNAME, TXT, MX; default A
	ExpectedValue  string   `yaml:"expectedValue,omitempty" json:"expectedValue,omitempty"`   // dns: expected answer
	PingCount      int      `yaml:"pingCount,omitempty" json:"pingCount,omitempty"`           // ping: echo requests, default 3
}

// Service is a monitored service definition. Owned by the store; mutated
// only through explicit update operations.
type Service struct {
	ID       string        `yaml:"-" json:"id"`
	Name     string        `yaml:"name" json:"name"`
	Type     CheckType     `yaml:"type" json:"type"`
	Target   string        `yaml:"target" json:"target"`
	Config   CheckConfig   `yaml:"config,omitempty" json:"config"`
	Interval time.Duration `yaml:"interval,omitempty" json:"interval"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout"`
	Active   bool          `yaml:"active" json:"active"`
	Tags     []string      `yaml:"tags,omitempty" json:"tags,omitempty"`
}

const (
	DefaultInterval = 60 * time.Second
	DefaultTimeout  = 30 * time.Second
)

var dnsRecordTypes = map[string]bool{
	"A": true, "AAAA": true, "CNAME": true, "TXT": true, "MX": true,
}

// Validate rejects malformed definitions so configuration faults never
// reach the check executor.
func (s *Service) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service name is required")
	}
	if s.Target == "" {
		return fmt.Errorf("service target is required")
	}
	if s.Interval < 0 || s.Timeout < 0 {
		return fmt.Errorf("interval and timeout must be positive")
	}

	switch s.Type {
	case TypeHTTP, TypeHTTPS:
		u, err := url.Parse(s.Target)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("invalid %s target %q: expected http(s) URL", s.Type, s.Target)
		}
	case TypeTCP:
		if _, _, err := net.SplitHostPort(s.Target); err != nil {
			return fmt.Errorf("invalid tcp target %q: expected host:port", s.Target)
		}
	case TypeSSL:
		host := s.Target
		if strings.Contains(host, ":") {
			var err error
			if host, _, err = net.SplitHostPort(s.Target); err != nil {
				return fmt.Errorf("invalid ssl target %q: expected host or host:port", s.Target)
			}
		}
		if host == "" {
			return fmt.Errorf("invalid ssl target %q", s.Target)
		}
	case TypeDNS:
		rt := strings.ToUpper(s.Config.RecordType)
		if rt != "" && !dnsRecordTypes[rt] {
			return fmt.Errorf("unsupported dns record type %q", s.Config.RecordType)
		}
	case TypePing:
		// any hostname or IP is acceptable
	default:
		return fmt.Errorf("unsupported check type %q", s.Type)
	}
	return nil
}

// IntervalOrDefault returns the configured check interval or the default.
func (s *Service) IntervalOrDefault() time.Duration {
	if s.Interval > 0 {
		return s.Interval
	}
	return DefaultInterval
}

// TimeoutOrDefault returns the configured probe timeout or the default.
func (s *Service) TimeoutOrDefault() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// CheckResult is one probe outcome. Append-only history per service.
type CheckResult struct {
	ID         string            `json:"id"`
	ServiceID  string            `json:"serviceId"`
	CheckedAt  time.Time         `json:"checkedAt"`
	Success    bool              `json:"success"`
	LatencyMs  float64           `json:"latencyMs"`
	StatusCode int               `json:"statusCode,omitempty"`
	Message    string            `json:"message,omitempty"`
	Error      string            `json:"error,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ServiceState is the derived per-service aggregate.
type ServiceState struct {
	ServiceID           string    `json:"serviceId"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastCheckAt         time.Time `json:"lastCheckAt,omitempty"`
	LastLatencyMs       float64   `json:"lastLatencyMs"`
	UptimePercent       float64   `json:"uptimePercent"`
}
