package security

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/shellbox/broker/internal/logger"
)

// DomainProxy is an HTTP CONNECT proxy that only allows connections to an
// allowlisted set of domains. Adapted from the teacher's
// internal/sandbox/proxy.go (same exact-match/wildcard allowlist and
// hijack-and-splice design), generalized to log through the structured
// logger instead of the standard log package and to be owned by a
// Posture's lifecycle rather than a one-shot CLI run.
type DomainProxy struct {
	listener  net.Listener
	server    *http.Server
	domains   map[string]bool
	wildcards []string

	mu     sync.Mutex
	closed bool
}

// StartProxy starts an HTTP CONNECT proxy on a loopback-only ephemeral
// port, restricted to the given domains. Supports exact domains
// ("api.example.com") and wildcards ("*.example.com").
func StartProxy(domains []string) (*DomainProxy, error) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("security: egress proxy listen: %w", err)
	}

	p := &DomainProxy{
		listener: lis,
		domains:  make(map[string]bool),
	}
	for _, d := range domains {
		if strings.HasPrefix(d, "*.") {
			p.wildcards = append(p.wildcards, d[1:])
		} else {
			p.domains[d] = true
		}
	}

	p.server = &http.Server{Handler: p}
	go func() {
		if err := p.server.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Warn("security: egress proxy serve error", "error", err)
		}
	}()

	logger.Info("security: egress proxy listening", "addr", lis.Addr().String(), "domains", len(p.domains), "wildcards", len(p.wildcards))
	return p, nil
}

// Port returns the loopback port the proxy is listening on.
func (p *DomainProxy) Port() int {
	return p.listener.Addr().(*net.TCPAddr).Port
}

func (p *DomainProxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.server.Close()
}

func (p *DomainProxy) allowed(host string) bool {
	domain := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		domain = h
	}
	if p.domains[domain] {
		return true
	}
	for _, w := range p.wildcards {
		if strings.HasSuffix(domain, w) {
			return true
		}
	}
	return false
}

func (p *DomainProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		http.Error(w, "only CONNECT supported", http.StatusMethodNotAllowed)
		return
	}

	if !p.allowed(r.Host) {
		logger.Warn("security: egress blocked", "host", r.Host)
		http.Error(w, "domain not allowed", http.StatusForbidden)
		return
	}

	target, err := net.Dial("tcp", r.Host)
	if err != nil {
		http.Error(w, fmt.Sprintf("dial: %v", err), http.StatusBadGateway)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		target.Close()
		http.Error(w, "hijack not supported", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	client, _, err := hj.Hijack()
	if err != nil {
		target.Close()
		return
	}

	go func() {
		io.Copy(target, client)
		target.Close()
	}()
	go func() {
		io.Copy(client, target)
		client.Close()
	}()
}
