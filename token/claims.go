package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Type is the purpose a token was issued for.
type Type string

const (
	TypeAccess            Type = "access"
	TypeRefresh           Type = "refresh"
	TypeEmailVerification Type = "email_verification"
	TypePasswordReset     Type = "password_reset"
	TypeEmailChange       Type = "email_change"
)

// Valid reports whether t is one of the known token types.
func (t Type) Valid() bool {
	switch t {
	case TypeAccess, TypeRefresh, TypeEmailVerification, TypePasswordReset, TypeEmailChange:
		return true
	}
	return false
}

// SessionBound reports whether tokens of this type are recorded against
// their session and revoked with it.
func (t Type) SessionBound() bool {
	return t == TypeAccess || t == TypeRefresh
}

// Claims is the complete payload of a token. Decoding rejects any claim not
// listed here.
type Claims struct {
	Subject   string           `json:"sub"`
	SessionID string           `json:"sid,omitempty"`
	Scopes    []string         `json:"scopes,omitempty"`
	IssuedAt  *jwt.NumericDate `json:"iat"`
	ExpiresAt *jwt.NumericDate `json:"exp"`
	ID        string           `json:"jti"`
	Type      Type             `json:"token_type"`
}

var _ jwt.Claims = (*Claims)(nil)

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) { return c.ExpiresAt, nil }
func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error)       { return c.IssuedAt, nil }
func (c *Claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c *Claims) GetIssuer() (string, error)                   { return "", nil }
func (c *Claims) GetSubject() (string, error)                  { return c.Subject, nil }
func (c *Claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// UnmarshalJSON decodes strictly: unknown claims are an error.
func (c *Claims) UnmarshalJSON(data []byte) error {
	type plain Claims
	var p plain
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*c = Claims(p)
	return nil
}

// validate checks the fields jwt's validator does not know about.
func (c *Claims) validate() error {
	switch {
	case c.Subject == "":
		return errors.New("missing sub")
	case c.ID == "":
		return errors.New("missing jti")
	case !c.Type.Valid():
		return fmt.Errorf("unknown token_type %q", c.Type)
	case c.IssuedAt == nil:
		return errors.New("missing iat")
	case c.ExpiresAt == nil:
		return errors.New("missing exp")
	case c.Type == TypeRefresh && c.SessionID == "":
		return errors.New("refresh token without sid")
	}
	return nil
}
