// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package egress decides which hosts outbound requests may reach.
//
// The default policy targets SSRF: cloud metadata endpoints are always
// denied, private and loopback ranges are denied unless the allow list
// names them, and public hosts are allowed. Operator-configured allow and
// block pattern lists narrow the policy further; a non-empty allow list
// turns it into an allowlist. A Policy plugs into the shared HTTP client
// as its HostChecker, so HTTPRequest nodes, integration calls, OAuth
// refreshes and gateway traffic all pass the same gate.
package egress

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/quiverops/quiver/pkg/errors"
)

// metadataHosts are denied unconditionally. No allow pattern can open
// them; a request here is an SSRF attempt or a severe misconfiguration
// either way.
var metadataHosts = []string{
	"169.254.169.254/32", // AWS, Azure, GCP metadata
	"metadata.google.internal",
	"169.254.169.253/32", // AWS IMDSv2 fallback
}

// privateRanges are denied by default but can be opened for a specific
// address: an allow pattern that names the address itself (exact IP or
// CIDR) waives the denial, a wildcard does not.
var privateRanges = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"127.0.0.0/8",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

const resolveTimeout = 5 * time.Second

// Policy is an outbound host filter. The zero value enforces only the
// built-in metadata and private-range denials; New layers configured
// pattern lists on top.
type Policy struct {
	allow []string
	block []string

	// resolve additionally vets hostnames by resolving them and applying
	// the built-in denials to every returned address.
	resolve  bool
	lookupIP func(ctx context.Context, host string) ([]net.IP, error)
}

// New builds a Policy from configured pattern lists. Patterns match the
// request hostname after any port is stripped:
//
//   - "api.example.com" matches exactly
//   - "*.example.com" matches subdomains at any depth
//   - "203.0.113.0/24" matches literal IP addresses in the range
//
// An empty allow list admits every host the block rules do not deny; a
// non-empty one denies everything it does not match.
func New(allow, block []string) *Policy {
	return &Policy{allow: allow, block: block}
}

// WithResolution makes the policy resolve hostnames and apply the metadata
// and private-range denials to every address DNS returns. Hosts the allow
// list names explicitly keep their private-range waiver; nothing waives
// the metadata denial.
func (p *Policy) WithResolution() *Policy {
	p.resolve = true
	return p
}

// CheckHost implements the shared HTTP client's HostChecker. It returns
// nil when requests to host are allowed and an EgressError naming the
// denying rule otherwise. host may carry a port.
func (p *Policy) CheckHost(host string) error {
	hostname := stripPort(host)
	if hostname == "" {
		return &errors.EgressError{Host: host, Reason: "empty host"}
	}

	if err := p.checkPatterns(hostname); err != nil {
		return err
	}
	if p.resolve && net.ParseIP(hostname) == nil {
		return p.checkResolved(hostname)
	}
	return nil
}

// checkPatterns applies the rules to the hostname as written. Order
// matters: the metadata denial is absolute, configured blocks beat
// configured allows, and the private-range denial consults the allow list
// for an explicit waiver before the allowlist itself is enforced.
func (p *Policy) checkPatterns(hostname string) error {
	for _, pattern := range metadataHosts {
		if matchesHostPattern(hostname, pattern) {
			return &errors.EgressError{Host: hostname, Reason: "cloud metadata endpoint"}
		}
	}

	for _, pattern := range p.block {
		if matchesHostPattern(hostname, pattern) {
			return &errors.EgressError{Host: hostname, Reason: fmt.Sprintf("matches blocked pattern %q", pattern)}
		}
	}

	if ip := net.ParseIP(hostname); ip != nil && !p.namedInAllow(hostname) {
		for _, cidr := range privateRanges {
			if matchesCIDR(hostname, cidr) {
				return &errors.EgressError{Host: hostname, Reason: "private or loopback address"}
			}
		}
	}

	if len(p.allow) == 0 {
		return nil
	}
	for _, pattern := range p.allow {
		if matchesHostPattern(hostname, pattern) {
			return nil
		}
	}
	return &errors.EgressError{Host: hostname, Reason: "matches no allowed pattern"}
}

// namedInAllow reports whether an allow pattern names the host itself,
// exactly or through a CIDR range. Wildcards are too broad to waive the
// private-range denials.
func (p *Policy) namedInAllow(hostname string) bool {
	for _, pattern := range p.allow {
		if strings.Contains(pattern, "*") {
			continue
		}
		if strings.Contains(pattern, "/") {
			if matchesCIDR(hostname, pattern) {
				return true
			}
			continue
		}
		if pattern == hostname {
			return true
		}
	}
	return false
}

// checkResolved resolves the hostname and vets every returned address.
// Pattern checks alone cannot catch a public name that resolves into the
// deployment's own network; this closes that gap for deployments that
// opt in.
func (p *Policy) checkResolved(hostname string) error {
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()

	ips, err := p.resolveIPs(ctx, hostname)
	if err != nil {
		return &errors.EgressError{Host: hostname, Reason: fmt.Sprintf("DNS resolution failed: %v", err)}
	}
	if len(ips) == 0 {
		return &errors.EgressError{Host: hostname, Reason: "DNS resolution returned no addresses"}
	}

	named := p.namedInAllow(hostname)
	for _, ip := range ips {
		addr := ip.String()
		for _, pattern := range metadataHosts {
			if matchesCIDR(addr, pattern) {
				return &errors.EgressError{Host: hostname, Reason: fmt.Sprintf("resolves to metadata endpoint %s", addr)}
			}
		}
		if named {
			continue
		}
		for _, cidr := range privateRanges {
			if matchesCIDR(addr, cidr) {
				return &errors.EgressError{Host: hostname, Reason: fmt.Sprintf("resolves to private address %s", addr)}
			}
		}
	}
	return nil
}

func (p *Policy) resolveIPs(ctx context.Context, hostname string) ([]net.IP, error) {
	if p.lookupIP != nil {
		return p.lookupIP(ctx, hostname)
	}
	return net.DefaultResolver.LookupIP(ctx, "ip", hostname)
}

// matchesHostPattern checks hostname against one pattern: CIDR when the
// pattern contains "/", wildcard glob when it contains "*", exact match
// otherwise.
func matchesHostPattern(hostname, pattern string) bool {
	if strings.Contains(pattern, "/") {
		return matchesCIDR(hostname, pattern)
	}
	if strings.Contains(pattern, "*") {
		// "*.example.com" should match subdomains at any depth, so each
		// "*" widens to doublestar's "**".
		matched, err := doublestar.Match(strings.ReplaceAll(pattern, "*", "**"), hostname)
		return err == nil && matched
	}
	return hostname == pattern
}

// matchesCIDR reports whether hostname is a literal IP inside the range.
// Names are never resolved here; they only hit CIDR rules through the
// optional resolution pass.
func matchesCIDR(hostname, cidr string) bool {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	ip := net.ParseIP(hostname)
	if ip == nil {
		return false
	}
	return ipNet.Contains(ip)
}

// stripPort drops a trailing :port. Bracketed IPv6 hosts lose their
// brackets; bare IPv6 addresses pass through untouched.
func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if idx := strings.LastIndex(host, "]"); idx != -1 {
			return host[1:idx]
		}
	}
	if strings.Count(host, ":") > 1 {
		// Bare IPv6; every colon is part of the address.
		return host
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}
