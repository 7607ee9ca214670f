// Package auth resolves SASL credentials for a data node, the way
// spec.md §6 describes ("SASL credentials provider keyed by
// host:port").
package auth

import (
	"fmt"

	"github.com/couchbase/cbauth"
	"github.com/couchbase/goutils/logging"
)

// Credentials is a username/password pair used for SASL PLAIN or
// SCRAM authentication against a single node.
type Credentials struct {
	Username string
	Password string
}

// Provider resolves Credentials for a given node address. Implementations
// may consult a static map, a keychain, or (for a real cluster) the
// same rotating-secret store the host application already uses.
type Provider interface {
	Get(hostPort string) (Credentials, error)
}

// StaticProvider is a Provider backed by a fixed host:port -> Credentials
// map, useful for tests and for single-credential clusters.
type StaticProvider struct {
	byNode  map[string]Credentials
	fallback *Credentials
}

// NewStaticProvider builds a Provider that returns fallback for every
// node unless a more specific entry is registered with Set.
func NewStaticProvider(fallback Credentials) *StaticProvider {
	return &StaticProvider{byNode: make(map[string]Credentials), fallback: &fallback}
}

func (p *StaticProvider) Set(hostPort string, creds Credentials) {
	p.byNode[hostPort] = creds
}

func (p *StaticProvider) Get(hostPort string) (Credentials, error) {
	if creds, ok := p.byNode[hostPort]; ok {
		logging.Infof("auth: resolved node-specific credentials for %s", hostPort)
		return creds, nil
	}
	if p.fallback != nil {
		return *p.fallback, nil
	}
	return Credentials{}, fmt.Errorf("dcpclient/auth: no credentials configured for %s", hostPort)
}

// CBAuthProvider resolves Credentials through cbauth, the same
// cluster-managed rotating-secret service the teacher's data nodes use
// (cbauth.GetMemcachedServiceAuth), rather than a fixed map. It is the
// right Provider for a client running alongside a real Couchbase
// cluster, where credentials rotate independently of this client's
// lifetime.
type CBAuthProvider struct{}

func (CBAuthProvider) Get(hostPort string) (Credentials, error) {
	user, pass, err := cbauth.GetMemcachedServiceAuth(hostPort)
	if err != nil {
		return Credentials{}, fmt.Errorf("dcpclient/auth: cbauth lookup for %s: %w", hostPort, err)
	}
	logging.Infof("auth: resolved cbauth credentials for %s", hostPort)
	return Credentials{Username: user, Password: pass}, nil
}

// Mechanism names the SASL mechanism the channel offers during AUTH.
type Mechanism string

const (
	MechanismPlain    Mechanism = "PLAIN"
	MechanismScramSHA1 Mechanism = "SCRAM-SHA1"
	MechanismScramSHA256 Mechanism = "SCRAM-SHA256"
	MechanismScramSHA512 Mechanism = "SCRAM-SHA512"
)

// PlainAuthPayload builds the SASL PLAIN mechanism's request body:
// authzid \0 authcid \0 passwd, per RFC 4616.
func PlainAuthPayload(creds Credentials) []byte {
	buf := make([]byte, 0, len(creds.Username)*2+len(creds.Password)+2)
	buf = append(buf, 0)
	buf = append(buf, creds.Username...)
	buf = append(buf, 0)
	buf = append(buf, creds.Password...)
	return buf
}
