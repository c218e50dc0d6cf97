package netwatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/opticourier/opticourier/agent/internal/config"
)

// Prober performs one reachability check. A nil error means reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe calls f(ctx).
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// NewProber returns the Prober selected by cfg.Probe.Mode. When no target is
// configured it is derived from the collector endpoint.
func NewProber(cfg config.ConnectivityConfig, collector config.CollectorConfig) (Prober, error) {
	target := cfg.Probe.Target
	switch cfg.Probe.Mode {
	case "tcp", "":
		if target == "" {
			hp, err := hostPort(collector.Endpoint)
			if err != nil {
				return nil, err
			}
			target = hp
		}
		return &tcpProber{addr: target}, nil

	case "http":
		if target == "" {
			u, err := url.Parse(collector.Endpoint)
			if err != nil {
				return nil, fmt.Errorf("netwatch: parse endpoint: %w", err)
			}
			target = u.Scheme + "://" + u.Host + "/health"
		}
		return &httpProber{
			url: target,
			client: &http.Client{Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: collector.TLS.InsecureSkipVerify}, //nolint:gosec // user-configured
			}},
		}, nil

	case "tls":
		if target == "" {
			hp, err := hostPort(collector.Endpoint)
			if err != nil {
				return nil, err
			}
			target = hp
		}
		return &tlsProber{addr: target, insecureTLS: collector.TLS.InsecureSkipVerify, now: time.Now}, nil

	case "grpc":
		if target == "" {
			return nil, fmt.Errorf("netwatch: grpc probe requires connectivity.probe.target")
		}
		p := &grpcProber{addr: target, tls: strings.HasPrefix(collector.Endpoint, "https://"), insecureTLS: collector.TLS.InsecureSkipVerify}
		if collector.Auth.Mode == "apikey" {
			p.header = strings.ToLower(collector.Auth.EffectiveHeader())
			p.key = collector.Auth.Key()
		}
		return p, nil

	default:
		return nil, fmt.Errorf("netwatch: unsupported probe mode %q", cfg.Probe.Mode)
	}
}

// hostPort extracts host:port from an http(s) URL, filling in the scheme's
// default port when none is given.
func hostPort(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("netwatch: parse endpoint: %w", err)
	}
	host := u.Host
	if host == "" {
		return "", fmt.Errorf("netwatch: endpoint %q has no host", endpoint)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(host, port)
	}
	return host, nil
}

type tcpProber struct {
	addr string
}

func (p *tcpProber) Probe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// tlsProber completes a TLS handshake and treats an expired leaf certificate
// as unreachable, since every upload would fail verification anyway.
type tlsProber struct {
	addr        string
	insecureTLS bool
	now         func() time.Time
}

func (p *tlsProber) Probe(ctx context.Context) error {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{},
		Config:    &tls.Config{InsecureSkipVerify: p.insecureTLS}, //nolint:gosec // user-configured
	}
	conn, err := dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	certs := conn.(*tls.Conn).ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return fmt.Errorf("no peer certificate")
	}
	if leaf := certs[0]; !p.now().Before(leaf.NotAfter) {
		return fmt.Errorf("certificate expired at %s", leaf.NotAfter.UTC().Format(time.RFC3339))
	}
	return nil
}

type httpProber struct {
	url    string
	client *http.Client
}

func (p *httpProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

type grpcProber struct {
	addr        string
	tls         bool
	insecureTLS bool
	header      string
	key         string
}

func (p *grpcProber) Probe(ctx context.Context) error {
	creds := insecure.NewCredentials()
	if p.tls {
		creds = credentials.NewTLS(&tls.Config{InsecureSkipVerify: p.insecureTLS}) //nolint:gosec // user-configured
	}
	conn, err := grpc.DialContext(ctx, p.addr, grpc.WithTransportCredentials(creds)) //nolint:staticcheck
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if p.key != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, p.header, p.key)
	}
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("health status %s", resp.GetStatus())
	}
	return nil
}
