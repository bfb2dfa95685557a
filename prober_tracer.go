package main

import (
	"crypto/tls"
	"net/http/httptrace"
	"sync"
	"time"
)

// ProbeTracer records connection milestones of a single probe request.
type ProbeTracer struct {
	sync.Mutex
	start             time.Time
	dnsStart          time.Time
	dnsDone           time.Time
	connectStart      time.Time
	connectDone       time.Time
	tlsHandshakeStart time.Time
	tlsHandshakeDone  time.Time
	firstResponseByte time.Time
	connReused        bool
}

// ProbeTraceTimings is the per phase breakdown attached to a Result, in milliseconds.
type ProbeTraceTimings struct {
	DNSLookupMs         int64 `json:"dns_lookup_ms"`
	ConnectMs           int64 `json:"connect_ms"`
	TLSHandshakeMs      int64 `json:"tls_handshake_ms"`
	FirstResponseByteMs int64 `json:"first_response_byte_ms"`
	ConnReused          bool  `json:"conn_reused"`
}

func NewProbeTracer(start time.Time) *ProbeTracer {
	return &ProbeTracer{start: start}
}

func (pt *ProbeTracer) ClientTrace() *httptrace.ClientTrace {
	mark := func(field *time.Time) {
		pt.Lock()
		*field = time.Now()
		pt.Unlock()
	}

	return &httptrace.ClientTrace{
		DNSStart:     func(httptrace.DNSStartInfo) { mark(&pt.dnsStart) },
		DNSDone:      func(httptrace.DNSDoneInfo) { mark(&pt.dnsDone) },
		ConnectStart: func(string, string) { mark(&pt.connectStart) },
		ConnectDone:  func(string, string, error) { mark(&pt.connectDone) },
		GotConn: func(info httptrace.GotConnInfo) {
			pt.Lock()
			pt.connReused = info.Reused
			pt.Unlock()
		},
		TLSHandshakeStart:    func() { mark(&pt.tlsHandshakeStart) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { mark(&pt.tlsHandshakeDone) },
		GotFirstResponseByte: func() { mark(&pt.firstResponseByte) },
	}
}

func (pt *ProbeTracer) Timings() ProbeTraceTimings {
	pt.Lock()
	defer pt.Unlock()

	between := func(from, to time.Time) int64 {
		if from.IsZero() || to.IsZero() {
			return 0
		}
		return to.Sub(from).Milliseconds()
	}

	return ProbeTraceTimings{
		DNSLookupMs:         between(pt.dnsStart, pt.dnsDone),
		ConnectMs:           between(pt.connectStart, pt.connectDone),
		TLSHandshakeMs:      between(pt.tlsHandshakeStart, pt.tlsHandshakeDone),
		FirstResponseByteMs: between(pt.start, pt.firstResponseByte),
		ConnReused:          pt.connReused,
	}
}
