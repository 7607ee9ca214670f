package channel

import (
	"os"
	"strconv"
	"time"

	"github.com/couchbase/dcpclient/auth"
	"github.com/couchbase/dcpclient/stream"
	"github.com/couchbase/dcpclient/wire"
)

// defaultHandshakeGraceMs mirrors the Java source's
// connectCallbackGracePeriod default (SPEC_FULL.md §4.2).
const defaultHandshakeGraceMs = 2000

// handshakeGraceEnvVar is the one environment-derived tuning knob
// carried over from the source (spec.md §9 "system properties for tuning").
const handshakeGraceEnvVar = "DCPCLIENT_HANDSHAKE_GRACE_MS"

// Options configures a Channel's handshake and steady-state behavior.
type Options struct {
	Bucket             string
	ClientName         string
	Credentials        auth.Provider
	Features           []wire.Feature
	DcpControlOptions  []KV // fixed order, per spec.md §4.2
	CollectionsAware   bool
	CollectionsFilter  stream.CollectionsFilter
	SocketConnectTimeout time.Duration
	HandshakeGracePeriod time.Duration
	BufferSize         uint32 // connection_buffer_size, 0 disables flow control
	NoopIntervalSeconds uint32
	RollbackMitigation  bool
}

// KV is an ordered DCP_CONTROL key/value pair.
type KV struct {
	Key   string
	Value string
}

// WithDefaults fills unset fields with the same defaults the source
// applies, resolving HandshakeGracePeriod from the environment once
// if it was left zero.
func (o Options) WithDefaults() Options {
	if o.SocketConnectTimeout == 0 {
		o.SocketConnectTimeout = 10 * time.Second
	}
	if o.HandshakeGracePeriod == 0 {
		o.HandshakeGracePeriod = graceFromEnv()
	}
	if o.NoopIntervalSeconds == 0 {
		o.NoopIntervalSeconds = 60
	}
	if o.ClientName == "" {
		o.ClientName = "dcpclient"
	}
	if len(o.Features) == 0 {
		o.Features = []wire.Feature{
			wire.FeatureTCPNoDelay,
			wire.FeatureXattr,
			wire.FeatureSelectBucket,
			wire.FeatureSnappy,
			wire.FeatureCollections,
			wire.FeatureClustermapChangeNotification,
		}
	}
	return o
}

// HandshakeTimeout is socketConnectTimeout + gracePeriod, the deadline
// for each handshake phase per spec.md §4.2.
func (o Options) HandshakeTimeout() time.Duration {
	return o.SocketConnectTimeout + o.HandshakeGracePeriod
}

func graceFromEnv() time.Duration {
	if v := os.Getenv(handshakeGraceEnvVar); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultHandshakeGraceMs * time.Millisecond
}
