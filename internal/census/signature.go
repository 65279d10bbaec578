package census

import (
	"crypto"

	jc "github.com/SermoDigital/jose/crypto"
	"github.com/SermoDigital/jose/jws"
	"github.com/mendsley/gojwk"
	"github.com/pkg/errors"
)

// ErrPeerIDMismatch is returned when a submitted token's "peer_id" claim
// disagrees with the record it accompanies.
var ErrPeerIDMismatch = errors.New("census: record peer id does not match token claim")

// ErrInvalidSignature is returned when a submitted token fails RS256
// verification against its accompanying public key.
var ErrInvalidSignature = errors.New("census: token failed signature verification")

// SignedRecord is the envelope a peer posts to /api/v0/submit: a Record,
// the JWK public key that signed it, and a compact JWS token whose
// claims carry the same peer id. This mirrors the JWK/JWS verification
// chihaya's jwt middleware already performs against a fetched JWK Set,
// adapted so the key travels with the submission rather than being
// looked up by "kid".
type SignedRecord struct {
	Record    Record    `json:"record"`
	PublicKey gojwk.Key `json:"public_key"`
	Token     []byte    `json:"token"`
}

// Verify decodes PublicKey, parses Token, checks its "peer_id" claim
// against Record.PeerID, and verifies the RS256 signature. On success it
// returns the decoded public key so callers can log or cache it.
func (s SignedRecord) Verify() (crypto.PublicKey, error) {
	pub, err := s.PublicKey.DecodePublicKey()
	if err != nil {
		return nil, errors.Wrap(err, "decoding submitted public key")
	}

	parsed, err := jws.ParseJWT(s.Token)
	if err != nil {
		return nil, errors.Wrap(err, "parsing submitted token")
	}

	peerID, ok := parsed.Claims().Get("peer_id").(string)
	if !ok || peerID != s.Record.PeerID {
		return nil, ErrPeerIDMismatch
	}

	if err := parsed.(jws.JWS).Verify(pub, jc.SigningMethodRS256); err != nil {
		return nil, ErrInvalidSignature
	}

	return pub, nil
}

// Sign builds the compact token a SignedRecord submission carries,
// binding rec's peer id as a claim and signing it with priv.
func Sign(rec Record, priv crypto.PrivateKey) ([]byte, error) {
	claims := jws.Claims{}
	claims.Set("peer_id", rec.PeerID)
	token := jws.NewJWT(claims, jc.SigningMethodRS256)
	return token.Serialize(priv)
}
