package metacache

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DNSLookup controls how bootstrap addresses are resolved.
type DNSLookup string

const (
	// DNSLookupDefault keeps the configured hostname and resolves it to a
	// single address at connect time.
	DNSLookupDefault DNSLookup = "default"
	// DNSLookupUseAllIPs expands each hostname to all its resolved IPs.
	DNSLookupUseAllIPs DNSLookup = "use_all_dns_ips"
	// DNSLookupResolveCanonicalOnly replaces each hostname with the
	// canonical names of its resolved IPs, as required by Kerberos
	// principals.
	DNSLookupResolveCanonicalOnly DNSLookup = "resolve_canonical_bootstrap_servers_only"
)

// DNSLookupForConfig converts the client.dns.lookup config value. ""
// falls back to "default".
func DNSLookupForConfig(config string) (DNSLookup, error) {
	switch config {
	case "":
		return DNSLookupDefault, nil
	case string(DNSLookupDefault), string(DNSLookupUseAllIPs), string(DNSLookupResolveCanonicalOnly):
		return DNSLookup(config), nil
	}
	return "", ConfigError("unknown client.dns.lookup: " + config)
}

const duplicateWindowMS = 1000

var (
	dedupMutex sync.Mutex
	dedupCache = make(map[string]int64)
)

// dedupeAndHandleMessage logs the warning, or returns the message as a
// ConfigError when isError is set. Messages repeated within one second are
// suppressed so retry loops over a broken DNS setup do not storm the log.
func dedupeAndHandleMessage(message string, isError bool) error {
	nowMS := time.Now().UnixMilli()
	dedupMutex.Lock()
	defer dedupMutex.Unlock()
	if previousMS, ok := dedupCache[message]; ok && nowMS-previousMS < duplicateWindowMS {
		return nil
	}
	dedupCache[message] = nowMS
	if isError {
		return ConfigError(message)
	}
	logger.Info(message)
	return nil
}

// ParseAndValidateAddresses parses the bootstrap.servers entries
// ("host:port", comma-splitting is the caller's job) and resolves them
// according to dnsLookup, returning an ordered host:port list. A malformed
// entry is a ConfigError; an unresolvable host is skipped with a warning
// except in canonical mode, where it is a ConfigError; an empty final list
// is a ConfigError.
func ParseAndValidateAddresses(urls []string, dnsLookup DNSLookup) ([]string, error) {
	addresses := make([]string, 0, len(urls))
	for _, url := range urls {
		if url == "" {
			continue
		}
		host, portStr, err := net.SplitHostPort(url)
		if err != nil || host == "" {
			return nil, ConfigError("invalid url in bootstrap.servers: " + url)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, ConfigError("invalid port in bootstrap.servers: " + url)
		}

		switch dnsLookup {
		case DNSLookupResolveCanonicalOnly:
			ips, err := net.LookupIP(host)
			if err != nil {
				return nil, ConfigError("unknown host in bootstrap.servers: " + url)
			}
			for _, ip := range filterPreferredAddresses(ips) {
				names, err := net.LookupAddr(ip.String())
				if err != nil || len(names) == 0 {
					message := fmt.Sprintf("couldn't resolve server %s from bootstrap.servers as DNS resolution of the canonical hostname failed for %s", url, host)
					if err := dedupeAndHandleMessage(message, false); err != nil {
						return nil, err
					}
					continue
				}
				canonicalName := strings.TrimSuffix(names[0], ".")
				addresses = append(addresses, net.JoinHostPort(canonicalName, portStr))
			}
		case DNSLookupUseAllIPs:
			ips, err := net.LookupIP(host)
			if err != nil {
				message := fmt.Sprintf("couldn't resolve server %s from bootstrap.servers as DNS resolution failed for %s", url, host)
				if err := dedupeAndHandleMessage(message, false); err != nil {
					return nil, err
				}
				continue
			}
			for _, ip := range filterPreferredAddresses(ips) {
				addresses = append(addresses, net.JoinHostPort(ip.String(), portStr))
			}
		default:
			if _, err := net.LookupIP(host); err != nil {
				message := fmt.Sprintf("couldn't resolve server %s from bootstrap.servers as DNS resolution failed for %s", url, host)
				if err := dedupeAndHandleMessage(message, false); err != nil {
					return nil, err
				}
				continue
			}
			addresses = append(addresses, net.JoinHostPort(host, portStr))
		}
	}

	if len(addresses) == 0 {
		if err := dedupeAndHandleMessage("no resolvable bootstrap server in provided urls: "+strings.Join(urls, ","), true); err != nil {
			return nil, err
		}
	}
	return addresses, nil
}

// filterPreferredAddresses keeps the addresses of the same family as the
// first one returned by the resolver, which is the preferred family.
func filterPreferredAddresses(ips []net.IP) []net.IP {
	preferred := make([]net.IP, 0, len(ips))
	var wantV4 bool
	for i, ip := range ips {
		if i == 0 {
			wantV4 = ip.To4() != nil
		}
		if (ip.To4() != nil) == wantV4 {
			preferred = append(preferred, ip)
		}
	}
	return preferred
}
