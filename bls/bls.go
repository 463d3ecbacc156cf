// Package bls implements BLS signature verification and aggregation over
// BN254, the concrete curve the block builder specification names. It uses
// github.com/consensys/gnark-crypto's bn254 implementation rather than a
// hand-rolled pairing, since pairing-friendly curve arithmetic is exactly
// the kind of thing the ecosystem library exists for and no example repo in
// the pack implements its own.
package bls

import (
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254"
)

// PublicKey is a G1 point, matching the block builder's convention of
// putting the (smaller) public key on G1 and the signature on G2.
type PublicKey struct {
	point bn254.G1Affine
}

// Signature is a G2 point.
type Signature struct {
	point bn254.G2Affine
}

// ParsePublicKey decodes a compressed G1 point.
func ParsePublicKey(b []byte) (*PublicKey, error) {
	var p bn254.G1Affine
	if _, err := p.SetBytes(b); err != nil {
		return nil, fmt.Errorf("bls: parse public key: %w", err)
	}
	return &PublicKey{point: p}, nil
}

// ParseSignature decodes a compressed G2 point.
func ParseSignature(b []byte) (*Signature, error) {
	var p bn254.G2Affine
	if _, err := p.SetBytes(b); err != nil {
		return nil, fmt.Errorf("bls: parse signature: %w", err)
	}
	return &Signature{point: p}, nil
}

// Bytes returns the compressed encoding of a signature, as stored in
// types.SignatureEntry and in the aggregated BlockPostTask.
func (s *Signature) Bytes() []byte {
	b := s.point.Bytes()
	return b[:]
}

// hashToG2 maps an arbitrary message to a G2 point using the standard
// SSWU-based hash-to-curve construction, so every signer and the aggregator
// hash the block_sign_payload identically.
func hashToG2(message []byte) (bn254.G2Affine, error) {
	return bn254.HashToG2(message, []byte("INTMAX2_BLOCK_BUILDER_BLS_SIG"))
}

// Verify checks a single sender's signature over payload against their
// public key via e(sig, G1Gen) == e(H(payload), pubkey).
func Verify(pub *PublicKey, payload []byte, sig *Signature) (bool, error) {
	hm, err := hashToG2(payload)
	if err != nil {
		return false, fmt.Errorf("bls: hash to curve: %w", err)
	}
	_, _, g1Gen, _ := bn254.Generators()
	ok, err := bn254.PairingCheck(
		[]bn254.G1Affine{g1Gen, negateG1(pub.point)},
		[]bn254.G2Affine{sig.point, hm},
	)
	if err != nil {
		return false, fmt.Errorf("bls: pairing check: %w", err)
	}
	return ok, nil
}

func negateG1(p bn254.G1Affine) bn254.G1Affine {
	var neg bn254.G1Affine
	neg.Neg(&p)
	return neg
}

// Aggregate sums a set of G2 signatures into a single aggregated signature,
// the construction used once a proposal's quorum of sender signatures has
// been collected (original_source/block-builder/src/app/block_post.rs::construct_signature).
func Aggregate(sigs []*Signature) (*Signature, error) {
	if len(sigs) == 0 {
		return nil, fmt.Errorf("bls: aggregate: empty signature set")
	}
	var accJac bn254.G2Jac
	accJac.FromAffine(&sigs[0].point)
	for _, s := range sigs[1:] {
		var pJac bn254.G2Jac
		pJac.FromAffine(&s.point)
		accJac.AddAssign(&pJac)
	}
	var acc bn254.G2Affine
	acc.FromJacobian(&accJac)
	return &Signature{point: acc}, nil
}
