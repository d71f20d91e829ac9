package rlink

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/gammazero/nexus/v3/wamp"
	"github.com/golang-jwt/jwt/v5"
)

// CryptosignHandler answers a cryptosign CHALLENGE by signing the
// challenge bytes with the link's Ed25519 key. The returned signature is
// hex(sig || challenge) per the cryptosign convention.
func CryptosignHandler(key ed25519.PrivateKey) func(c *wamp.Challenge) (string, wamp.Dict) {
	return func(c *wamp.Challenge) (string, wamp.Dict) {
		chStr, _ := wamp.AsString(c.Extra["challenge"])
		challenge, err := hex.DecodeString(chStr)
		if err != nil {
			return "", wamp.Dict{}
		}
		sig := ed25519.Sign(key, challenge)
		return hex.EncodeToString(sig) + chStr, wamp.Dict{}
	}
}

// ticketClaims is the payload of a link ticket.
type ticketClaims struct {
	Realm string `json:"realm"`
	Link  string `json:"link"`
	jwt.RegisteredClaims
}

// MintTicket issues a short-lived EdDSA-signed ticket authorizing a link
// to join realm.
func MintTicket(key ed25519.PrivateKey, issuer string, realm wamp.URI, linkID string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now()
	claims := ticketClaims{
		Realm: string(realm),
		Link:  linkID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   linkID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign link ticket: %w", err)
	}
	return signed, nil
}

// VerifyTicket validates an EdDSA link ticket and returns the realm and
// link id it grants.
func VerifyTicket(pub ed25519.PublicKey, ticket string) (realm wamp.URI, linkID string, err error) {
	var claims ticketClaims
	_, err = jwt.ParseWithClaims(ticket, &claims, func(t *jwt.Token) (any, error) {
		return pub, nil
	}, jwt.WithValidMethods([]string{"EdDSA"}))
	if err != nil {
		return "", "", fmt.Errorf("verify link ticket: %w", err)
	}
	if claims.Realm == "" || claims.Link == "" {
		return "", "", fmt.Errorf("link ticket missing realm or link claim")
	}
	return wamp.URI(claims.Realm), claims.Link, nil
}

// TicketHandler answers a ticket CHALLENGE with a pre-minted ticket.
func TicketHandler(ticket string) func(c *wamp.Challenge) (string, wamp.Dict) {
	return func(c *wamp.Challenge) (string, wamp.Dict) {
		return ticket, wamp.Dict{}
	}
}
