package resolve

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startDNS serves a tiny zone: base.lan A 10.1.2.3, robot.lan CNAME base.lan.
func startDNS(t *testing.T) (string, *atomic.Int32) {
	t.Helper()
	var queries atomic.Int32
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := mdns.HandlerFunc(func(w mdns.ResponseWriter, req *mdns.Msg) {
		queries.Add(1)
		resp := new(mdns.Msg)
		resp.SetReply(req)
		q := req.Question[0]
		switch {
		case q.Name == "base.lan." && q.Qtype == mdns.TypeA:
			resp.Answer = append(resp.Answer, &mdns.A{
				Hdr: mdns.RR_Header{Name: q.Name, Rrtype: mdns.TypeA, Class: mdns.ClassINET, Ttl: 60},
				A:   net.ParseIP("10.1.2.3").To4(),
			})
		case q.Name == "robot.lan.":
			resp.Answer = append(resp.Answer, &mdns.CNAME{
				Hdr:    mdns.RR_Header{Name: q.Name, Rrtype: mdns.TypeCNAME, Class: mdns.ClassINET, Ttl: 60},
				Target: "base.lan.",
			})
		case q.Name == "base.lan.":
		default:
			resp.Rcode = mdns.RcodeNameError
		}
		_ = w.WriteMsg(resp)
	})

	started := make(chan struct{})
	srv := &mdns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String(), &queries
}

func TestResolveAddrPassesIPLiteralThrough(t *testing.T) {
	r := NewResolver(nil, time.Second, 0)
	got, err := r.ResolveAddr(context.Background(), "192.168.1.7:8439")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.7:8439", got)
}

func TestResolveAddrUsesConfiguredServer(t *testing.T) {
	server, _ := startDNS(t)
	r := NewResolver([]string{server}, time.Second, 0)

	got, err := r.ResolveAddr(context.Background(), "base.lan:8439")
	require.NoError(t, err)
	assert.Equal(t, "10.1.2.3:8439", got)
}

func TestResolveFollowsCNAME(t *testing.T) {
	server, _ := startDNS(t)
	r := NewResolver([]string{server}, time.Second, 0)

	ips, err := r.Resolve(context.Background(), "robot.lan")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.Equal(t, "10.1.2.3", ips[0].String())
}

func TestResolveCachesAnswers(t *testing.T) {
	server, queries := startDNS(t)
	r := NewResolver([]string{server}, time.Second, time.Minute)

	_, err := r.Resolve(context.Background(), "base.lan")
	require.NoError(t, err)
	first := queries.Load()
	_, err = r.Resolve(context.Background(), "base.lan")
	require.NoError(t, err)
	assert.Equal(t, first, queries.Load())
}

func TestResolveRejectsEmptyName(t *testing.T) {
	r := NewResolver(nil, time.Second, 0)
	_, err := r.Resolve(context.Background(), " ")
	assert.ErrorIs(t, err, ErrNoAddress)
}
