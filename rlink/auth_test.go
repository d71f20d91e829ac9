package rlink

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"testing"
	"time"

	"github.com/gammazero/nexus/v3/wamp"
	"github.com/golang-jwt/jwt/v5"
)

func TestTicketRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	ticket, err := MintTicket(priv, "hub", "wampmesh.test", "edge-1", time.Minute)
	if err != nil {
		t.Fatalf("MintTicket: %v", err)
	}
	realm, linkID, err := VerifyTicket(pub, ticket)
	if err != nil {
		t.Fatalf("VerifyTicket: %v", err)
	}
	if realm != "wampmesh.test" || linkID != "edge-1" {
		t.Fatalf("claims = %q, %q", realm, linkID)
	}
}

func TestTicketWrongKeyRejected(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	ticket, err := MintTicket(priv, "hub", "wampmesh.test", "edge-1", time.Minute)
	if err != nil {
		t.Fatalf("MintTicket: %v", err)
	}
	if _, _, err := VerifyTicket(otherPub, ticket); err == nil {
		t.Fatal("ticket verified under the wrong key")
	}
}

func TestTicketExpiredRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	// MintTicket coerces a non-positive ttl to its default, so an expired
	// ticket has to be signed with claims already in the past.
	past := time.Now().Add(-time.Hour)
	claims := ticketClaims{
		Realm: "wampmesh.test",
		Link:  "edge-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "hub",
			Subject:   "edge-1",
			IssuedAt:  jwt.NewNumericDate(past),
			ExpiresAt: jwt.NewNumericDate(past.Add(time.Minute)),
		},
	}
	ticket, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		t.Fatalf("sign ticket: %v", err)
	}
	if _, _, err := VerifyTicket(pub, ticket); err == nil {
		t.Fatal("expired ticket verified")
	}
}

func TestCryptosignHandler(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	challenge := make([]byte, 32)
	if _, err := rand.Read(challenge); err != nil {
		t.Fatal(err)
	}
	chStr := hex.EncodeToString(challenge)

	handler := CryptosignHandler(priv)
	signed, _ := handler(&wamp.Challenge{
		AuthMethod: "cryptosign",
		Extra:      wamp.Dict{"challenge": chStr},
	})

	// Response is hex(signature) followed by the challenge hex.
	if len(signed) != 2*ed25519.SignatureSize+len(chStr) {
		t.Fatalf("signed response length = %d", len(signed))
	}
	if signed[2*ed25519.SignatureSize:] != chStr {
		t.Fatal("challenge not echoed after the signature")
	}
	sig, err := hex.DecodeString(signed[:2*ed25519.SignatureSize])
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !ed25519.Verify(pub, challenge, sig) {
		t.Fatal("signature does not verify")
	}
}

func TestCryptosignHandlerBadChallenge(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	handler := CryptosignHandler(priv)
	signed, _ := handler(&wamp.Challenge{
		AuthMethod: "cryptosign",
		Extra:      wamp.Dict{"challenge": "zz not hex"},
	})
	if signed != "" {
		t.Fatalf("signed undecodable challenge: %q", signed)
	}
}

func TestTicketHandler(t *testing.T) {
	handler := TicketHandler("tok-123")
	got, _ := handler(&wamp.Challenge{AuthMethod: "ticket"})
	if got != "tok-123" {
		t.Fatalf("ticket = %q", got)
	}
}
