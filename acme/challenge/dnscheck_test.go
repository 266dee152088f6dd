package challenge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// startTXTServer runs a DNS server on a loopback port answering TXT queries
// for the given record name with the given values.
func startTXTServer(t *testing.T, recordName string, values []string) string {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(req)
		question := req.Question[0]
		if question.Qtype == dns.TypeTXT && question.Name == dns.Fqdn(recordName) {
			resp.Answer = append(resp.Answer, &dns.TXT{
				Hdr: dns.RR_Header{
					Name:   question.Name,
					Rrtype: dns.TypeTXT,
					Class:  dns.ClassINET,
					Ttl:    0,
				},
				Txt: values,
			})
		}
		_ = w.WriteMsg(resp)
	})

	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String()
}

func TestVerifyDNS01Record(t *testing.T) {
	addr := startTXTServer(t, "_acme-challenge.example.com",
		[]string{"some-other-value", "expected-digest-value"})

	ctx := context.Background()
	found, err := VerifyDNS01Record(ctx, addr, "_acme-challenge.example.com", "expected-digest-value")
	require.NoError(t, err)
	require.True(t, found)

	found, err = VerifyDNS01Record(ctx, addr, "_acme-challenge.example.com", "absent-value")
	require.NoError(t, err)
	require.False(t, found)

	found, err = VerifyDNS01Record(ctx, addr, "_acme-challenge.example.org", "expected-digest-value")
	require.NoError(t, err)
	require.False(t, found)
}

func TestWaitDNS01Record(t *testing.T) {
	addr := startTXTServer(t, "_acme-challenge.example.com", []string{"v"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, WaitDNS01Record(ctx, addr, "_acme-challenge.example.com", "v", time.Millisecond))

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer shortCancel()
	err := WaitDNS01Record(shortCtx, addr, "_acme-challenge.example.com", "never-published", 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
