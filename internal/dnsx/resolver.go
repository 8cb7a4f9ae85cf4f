// Package dnsx resolves upstream hostnames. With a configured upstream it
// queries that server directly over UDP; otherwise it defers to the
// system resolver.
package dnsx

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"

	"github.com/ospreyproxy/osprey/internal/errs"
)

// Config holds resolver configuration.
type Config struct {
	// Upstream is a "host:port" DNS server address. Empty means the
	// system resolver.
	Upstream string `json:"upstream"`

	// TimeoutSeconds bounds a single query round trip.
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Resolver answers address lookups for remote connects.
type Resolver struct {
	upstream string
	timeout  time.Duration

	client *dns.Client
	system *net.Resolver

	mutex   sync.RWMutex
	queries int64
	failed  int64
}

// NewResolver creates a resolver from config.
func NewResolver(config *Config) *Resolver {
	timeout := 5 * time.Second
	if config != nil && config.TimeoutSeconds > 0 {
		timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	upstream := ""
	if config != nil {
		upstream = config.Upstream
	}
	return &Resolver{
		upstream: upstream,
		timeout:  timeout,
		client:   &dns.Client{Timeout: timeout},
		system:   net.DefaultResolver,
	}
}

// LookupIP resolves host to at least one IP address. IP literals pass
// through without a query.
func (r *Resolver) LookupIP(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	r.mutex.Lock()
	r.queries++
	r.mutex.Unlock()

	ips, err := r.lookup(ctx, host)
	if err != nil {
		r.mutex.Lock()
		r.failed++
		r.mutex.Unlock()
		return nil, err
	}
	if len(ips) == 0 {
		r.mutex.Lock()
		r.failed++
		r.mutex.Unlock()
		return nil, errs.Newf(errs.KindResolve, "no addresses for %s", host)
	}
	return ips, nil
}

func (r *Resolver) lookup(ctx context.Context, host string) ([]net.IP, error) {
	if r.upstream == "" {
		addrs, err := r.system.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, errs.Wrap(errs.KindResolve, err, "system lookup "+host)
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, a.IP)
		}
		return ips, nil
	}

	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		msg.RecursionDesired = true

		reply, _, err := r.client.ExchangeContext(ctx, msg, r.upstream)
		if err != nil {
			if qtype == dns.TypeA {
				return nil, errs.Wrap(errs.KindResolve, err, "query "+r.upstream)
			}
			// AAAA failure is tolerable once A answers exist
			continue
		}
		for _, rr := range reply.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}
	return ips, nil
}

// Stats reports query counters.
func (r *Resolver) Stats() (queries, failed int64) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.queries, r.failed
}
