package hook

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"hash"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// CredentialRecord is one entry in a username's ordered credential list,
// a PBKDF2-HMAC hash plus the parameters it was produced
// with.
type CredentialRecord struct {
	HashB64   string
	SaltB64   string
	Algorithm string
	Iterations int
}

func digestFunc(algorithm string) func() hash.Hash {
	switch algorithm {
	case "sha256":
		return sha256.New
	default:
		return sha512.New
	}
}

func (r CredentialRecord) algorithm() string {
	if r.Algorithm == "" {
		return "sha512"
	}
	return r.Algorithm
}

func (r CredentialRecord) iterations() int {
	if r.Iterations == 0 {
		return 101
	}
	return r.Iterations
}

// verify runs PBKDF2-HMAC over password with the record's salt, digest and
// iteration count, comparing the result to the stored hash in constant
// time.
func (r CredentialRecord) verify(password []byte) bool {
	salt, err := base64.StdEncoding.DecodeString(r.SaltB64)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(r.HashB64)
	if err != nil {
		return false
	}

	got := pbkdf2.Key(password, salt, r.iterations(), len(want), digestFunc(r.algorithm()))
	return subtle.ConstantTimeCompare(got, want) == 1
}

// PBKDF2AuthHook authenticates CONNECT packets against an ordered list of
// PBKDF2-HMAC credential records per username. Unlike
// BasicAuthHook's plaintext comparison, the password is never stored or
// compared directly.
type PBKDF2AuthHook struct {
	*Base
	mu             sync.RWMutex
	credentials    map[string][]CredentialRecord
	allowAnonymous bool
}

// NewPBKDF2AuthHook creates a hook with no users; allowAnonymous decides
// whether a CONNECT with no username and no password is accepted.
func NewPBKDF2AuthHook(allowAnonymous bool) *PBKDF2AuthHook {
	return &PBKDF2AuthHook{
		Base:           &Base{id: "pbkdf2-auth"},
		credentials:    make(map[string][]CredentialRecord),
		allowAnonymous: allowAnonymous,
	}
}

func (h *PBKDF2AuthHook) ID() string {
	return h.id
}

func (h *PBKDF2AuthHook) Provides(event Event) bool {
	return event == OnConnectAuthenticate
}

// SetUser replaces the credential list for username.
func (h *PBKDF2AuthHook) SetUser(username string, records ...CredentialRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.credentials[username] = records
}

// RemoveUser deletes a username's credential list entirely.
func (h *PBKDF2AuthHook) RemoveUser(username string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.credentials, username)
}

// OnConnectAuthenticate checks the supplied password against username's
// ordered credential list; any record matching succeeds. allow_anonymous
// short-circuits to success when both username and password are empty.
func (h *PBKDF2AuthHook) OnConnectAuthenticate(client *Client, packet *ConnectPacket) bool {
	h.mu.RLock()
	allow := h.allowAnonymous
	records := h.credentials[packet.Username]
	h.mu.RUnlock()

	if packet.Username == "" && packet.Password == nil {
		return allow
	}

	for _, record := range records {
		if record.verify(packet.Password) {
			return true
		}
	}
	return false
}
