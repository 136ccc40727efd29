// Package token encodes and decodes the signed, self-describing tokens
// handed to clients.
//
// Tokens are HS256 JWTs carrying exactly the claims in [Claims]. The
// algorithm is fixed: a header naming anything else is rejected before a key
// is looked up. Secrets rotate by listing the new secret first; tokens
// signed by any listed secret keep verifying, selected by the "kid" header.
package token
