// Package turnrest mints short-lived TURN credentials in the coturn REST
// format, so peers never see the TURN shared secret:
//
//	username   = <unix expiry>:<prefix>:<subject>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The relay uses the peer's socket id as the subject.
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMalformedUsername = errors.New("turnrest: malformed username")
	ErrExpired           = errors.New("turnrest: credentials expired")
	ErrBadCredential     = errors.New("turnrest: credential does not match username")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
}

// Issuer signs credentials with one shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

func New(cfg Config) (*Issuer, error) {
	var errs []error
	if cfg.SharedSecret == "" {
		errs = append(errs, errors.New("shared secret is required"))
	}
	if cfg.TTL < time.Second {
		errs = append(errs, fmt.Errorf("ttl must be at least 1s (got %v)", cfg.TTL))
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		errs = append(errs, fmt.Errorf("username prefix %q must be non-empty and free of ':'", cfg.UsernamePrefix))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("turnrest: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Issuer{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

// Issue mints credentials for subject. An empty subject gets a random uuid.
func (i *Issuer) Issue(subject string) (Credentials, error) {
	if subject == "" {
		subject = uuid.NewString()
	}
	if strings.Contains(subject, ":") {
		return Credentials{}, fmt.Errorf("turnrest: subject %q must not contain ':'", subject)
	}
	expires := i.now().UTC().Add(i.ttl).Truncate(time.Second)
	username := strconv.FormatInt(expires.Unix(), 10) + ":" + i.prefix + ":" + subject
	return Credentials{
		Username:   username,
		Credential: sign(i.secret, username),
		Expires:    expires,
	}, nil
}

// Decorate returns a copy of servers in which every TURN server carries
// fresh credentials for subject. STUN servers are copied unchanged.
func (i *Issuer) Decorate(servers []webrtc.ICEServer, subject string) ([]webrtc.ICEServer, error) {
	out := append(make([]webrtc.ICEServer, 0, len(servers)), servers...)
	var creds *Credentials
	for n := range out {
		if !IsTURN(out[n]) {
			continue
		}
		if creds == nil {
			c, err := i.Issue(subject)
			if err != nil {
				return nil, err
			}
			creds = &c
		}
		out[n].Username = creds.Username
		out[n].Credential = creds.Credential
	}
	return out, nil
}

// Verify checks credentials the way a coturn server configured with
// secret would.
func Verify(secret, username, credential string, now time.Time) error {
	expiry, _, ok := strings.Cut(username, ":")
	if !ok {
		return ErrMalformedUsername
	}
	unix, err := strconv.ParseInt(expiry, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedUsername, err)
	}
	if !now.Before(time.Unix(unix, 0)) {
		return ErrExpired
	}
	if !hmac.Equal([]byte(sign([]byte(secret), username)), []byte(credential)) {
		return ErrBadCredential
	}
	return nil
}

// IsTURN reports whether any URL of server uses a turn: or turns: scheme.
func IsTURN(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		scheme, _, _ := strings.Cut(strings.TrimSpace(raw), ":")
		switch stun.NewSchemeType(strings.ToLower(scheme)) {
		case stun.SchemeTypeTURN, stun.SchemeTypeTURNS:
			return true
		}
	}
	return false
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
