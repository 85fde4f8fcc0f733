package dns

import (
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/miekg/dns"
	"go.uber.org/zap"

	"wikiproxy/internal/config"
	"wikiproxy/internal/netutil"
)

var ErrNoAddress = errors.New("no addresses found")

const retransInterval = 100 * time.Millisecond

type Resolver struct {
	cfg   config.DNSConfig
	cache *LRUCache
}

func NewResolver(cfg config.DNSConfig) *Resolver {
	return &Resolver{
		cfg:   cfg,
		cache: NewLRUCache(cfg.Cache.Size),
	}
}

// Resolve maps a name to its addresses. Textual IP literals short
// circuit; IPv6 results are always bracketed. The first queried family
// that yields any answer wins.
func (r *Resolver) Resolve(name string) ([]string, error) {
	if netutil.IsIPv4(name) {
		return []string{name}, nil
	}
	if v6, ok := netutil.IsIPv6(name, true); ok {
		return []string{"[" + v6 + "]"}, nil
	}

	name = strings.ToLower(name)
	if addrs, ok := r.cache.Get(name); ok {
		return addrs, nil
	}

	families := []uint16{dns.TypeA, dns.TypeAAAA}
	if r.cfg.PreferIPv6 {
		families[0], families[1] = families[1], families[0]
	}

	for _, qtype := range families {
		addrs, err := r.query(name, qtype)
		if err != nil {
			zap.S().Debugf("dns query %s type %d failed: %v", name, qtype, err)
			continue
		}
		if len(addrs) > 0 {
			r.cache.Set(name, addrs, r.cfg.CacheTTL())
			return addrs, nil
		}
	}

	return nil, ErrNoAddress
}

// Pick returns a random element of a non-empty address list.
func Pick(addrs []string) string {
	return addrs[rand.Intn(len(addrs))]
}

// query asks each configured nameserver in turn, pacing the configured
// number of retransmits. The dns.Client is created per call; a shared
// client corrupts its in-flight table under concurrent use.
func (r *Resolver) query(name string, qtype uint16) ([]string, error) {
	var addrs []string

	op := func() error {
		for _, ns := range r.cfg.Nameservers {
			client := &dns.Client{Timeout: r.cfg.Timeout()}
			message := new(dns.Msg)
			message.SetQuestion(dns.Fqdn(name), qtype)

			response, _, err := client.Exchange(message, ns)
			if err != nil {
				continue
			}

			for _, answer := range response.Answer {
				switch record := answer.(type) {
				case *dns.A:
					if qtype == dns.TypeA {
						addrs = append(addrs, record.A.String())
					}
				case *dns.AAAA:
					if qtype == dns.TypeAAAA {
						addrs = append(addrs, "["+record.AAAA.String()+"]")
					}
				}
			}
			return nil
		}
		return errors.New("all nameservers unreachable")
	}

	pacing := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(retransInterval), uint64(r.cfg.Retrans))
	if err := backoff.Retry(op, pacing); err != nil {
		return nil, err
	}
	return addrs, nil
}
