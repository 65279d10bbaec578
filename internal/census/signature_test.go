package census

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/mendsley/gojwk"
	"github.com/stretchr/testify/require"
)

func signedTestRecord(t *testing.T, rec Record) (SignedRecord, *rsa.PrivateKey) {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	jwk, err := gojwk.PublicKeyToKey(&priv.PublicKey)
	require.NoError(t, err)

	token, err := Sign(rec, priv)
	require.NoError(t, err)

	return SignedRecord{Record: rec, PublicKey: *jwk, Token: token}, priv
}

func TestVerifyAcceptsValidSignature(t *testing.T) {
	sr, _ := signedTestRecord(t, Record{PeerID: "peerA", Addrs: []string{"/ip4/1.2.3.4/tcp/4001"}})

	pub, err := sr.Verify()
	require.NoError(t, err)
	require.NotNil(t, pub)
}

func TestVerifyRejectsMismatchedPeerID(t *testing.T) {
	sr, _ := signedTestRecord(t, Record{PeerID: "peerA", Addrs: []string{"/ip4/1.2.3.4/tcp/4001"}})
	sr.Record.PeerID = "someone-else"

	_, err := sr.Verify()
	require.ErrorIs(t, err, ErrPeerIDMismatch)
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	sr, _ := signedTestRecord(t, Record{PeerID: "peerA", Addrs: []string{"/ip4/1.2.3.4/tcp/4001"}})

	other, otherPub := signedTestRecord(t, Record{PeerID: "peerA", Addrs: []string{"/ip4/9.9.9.9/tcp/4001"}})
	_ = otherPub
	sr.PublicKey = other.PublicKey

	_, err := sr.Verify()
	require.Error(t, err)
}
