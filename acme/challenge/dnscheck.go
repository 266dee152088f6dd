package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// VerifyDNS01Record queries the resolver at resolverAddr ("host:port") for
// the challenge TXT record and reports whether the expected value is
// present. Answering a dns-01 challenge before the record has propagated
// burns the authorization, so callers typically poll this until it returns
// true (or their deadline expires) after publishing the record.
func VerifyDNS01Record(ctx context.Context, resolverAddr, recordName, expectedValue string) (bool, error) {
	dnsClient := &dns.Client{Timeout: 10 * time.Second}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(recordName), dns.TypeTXT)
	msg.RecursionDesired = true

	in, _, err := dnsClient.ExchangeContext(ctx, msg, resolverAddr)
	if err != nil {
		return false, fmt.Errorf("dns-01 TXT lookup for %q failed: %w", recordName, err)
	}
	if in.Rcode != dns.RcodeSuccess && in.Rcode != dns.RcodeNameError {
		return false, fmt.Errorf("dns-01 TXT lookup for %q returned rcode %s",
			recordName, dns.RcodeToString[in.Rcode])
	}

	for _, rr := range in.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, value := range txt.Txt {
			if value == expectedValue {
				return true, nil
			}
		}
	}
	return false, nil
}

// WaitDNS01Record polls VerifyDNS01Record every interval until the record is
// visible or ctx expires.
func WaitDNS01Record(ctx context.Context, resolverAddr, recordName, expectedValue string, interval time.Duration) error {
	for {
		found, err := VerifyDNS01Record(ctx, resolverAddr, recordName, expectedValue)
		if err == nil && found {
			return nil
		}

		select {
		case <-ctx.Done():
			if err != nil {
				return fmt.Errorf("%w (last lookup error: %s)", ctx.Err(), err)
			}
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
