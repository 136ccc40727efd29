package token

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted HS256 secret.
const MinSecretLength = 32

var (
	// ErrMalformed covers anything that is not a well-formed token with the
	// exact claim set.
	ErrMalformed = errors.New("token malformed")
	// ErrSignatureInvalid covers a bad signature, an algorithm other than
	// HS256, and an unknown or missing key id.
	ErrSignatureInvalid = errors.New("token signature invalid")
	// ErrExpired means the signature verified but exp has passed.
	ErrExpired = errors.New("token expired")
)

// Config configures a Codec.
type Config struct {
	// Secrets are the currently valid signing secrets, newest first. Only
	// Secrets[0] signs; all of them verify.
	Secrets [][]byte
	// Leeway tolerates clock skew on exp.
	Leeway time.Duration
	// MaxFutureIAT rejects tokens claiming to be issued too far ahead.
	// Zero means ten minutes.
	MaxFutureIAT time.Duration
	Now          func() time.Time
}

type secret struct {
	kid string
	key []byte
}

// Codec signs and verifies HS256 tokens. It is stateless after
// construction and safe for concurrent use.
type Codec struct {
	signing      secret
	verify       map[string][]byte
	leeway       time.Duration
	maxFutureIAT time.Duration
	now          func() time.Time
	parser       *jwt.Parser
}

// KeyID derives the key id placed in the token header for a secret.
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

// NewCodec validates cfg and builds a Codec.
func NewCodec(cfg Config) (*Codec, error) {
	if len(cfg.Secrets) == 0 {
		return nil, errors.New("token: at least one secret is required")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("token: leeway must be within [0, 2m]")
	}
	if cfg.MaxFutureIAT == 0 {
		cfg.MaxFutureIAT = 10 * time.Minute
	}
	if cfg.MaxFutureIAT < 0 {
		return nil, errors.New("token: negative MaxFutureIAT")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Codec{
		verify:       make(map[string][]byte, len(cfg.Secrets)),
		leeway:       cfg.Leeway,
		maxFutureIAT: cfg.MaxFutureIAT,
		now:          cfg.Now,
	}
	for i, key := range cfg.Secrets {
		if len(key) < MinSecretLength {
			return nil, fmt.Errorf("token: secret #%d shorter than %d bytes", i+1, MinSecretLength)
		}
		kid := KeyID(key)
		if _, dup := c.verify[kid]; dup {
			return nil, fmt.Errorf("token: secret #%d is a duplicate", i+1)
		}
		c.verify[kid] = append([]byte(nil), key...)
		if i == 0 {
			c.signing = secret{kid: kid, key: c.verify[kid]}
		}
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(c.now),
	}
	if c.leeway > 0 {
		options = append(options, jwt.WithLeeway(c.leeway))
	}
	c.parser = jwt.NewParser(options...)
	return c, nil
}

// Encode signs claims with the newest secret. IssuedAt defaults to now.
func (c *Codec) Encode(claims Claims) (string, error) {
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(c.now())
	}
	if err := claims.validate(); err != nil {
		return "", fmt.Errorf("token: refusing to sign: %w", err)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims)
	tok.Header["kid"] = c.signing.kid
	return tok.SignedString(c.signing.key)
}

// Decode verifies signature, then expiry, then the claim set, and returns
// exactly one of ErrMalformed, ErrSignatureInvalid or ErrExpired on failure.
// The payload is read loosely until the signature checks out, so a forged
// token with an odd claim set still reports ErrSignatureInvalid.
func (c *Codec) Decode(tokenStr string) (*Claims, error) {
	if _, err := c.parser.ParseWithClaims(tokenStr, jwt.MapClaims{}, c.keyFunc); err != nil {
		return nil, classify(err)
	}

	// ParseWithClaims has already split the token into three segments.
	payload, err := c.parser.DecodeSegment(strings.Split(tokenStr, ".")[1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	claims := &Claims{}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := claims.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if claims.IssuedAt.Time.After(c.now().Add(c.maxFutureIAT)) {
		return nil, fmt.Errorf("%w: iat too far in the future", ErrMalformed)
	}
	return claims, nil
}

func (c *Codec) keyFunc(t *jwt.Token) (interface{}, error) {
	if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
		return nil, fmt.Errorf("unexpected signing algorithm: %s", t.Method.Alg())
	}
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		return nil, errors.New("missing kid")
	}
	key, ok := c.verify[kid]
	if !ok {
		return nil, errors.New("unknown kid")
	}
	return key, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
