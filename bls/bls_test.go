package bls

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"
)

// testKey generates a BLS keypair: a random scalar and its G1 public key.
func testKey(t *testing.T) (*big.Int, *PublicKey) {
	t.Helper()
	secret, err := rand.Int(rand.Reader, fr.Modulus())
	require.NoError(t, err)
	_, _, g1Gen, _ := bn254.Generators()
	var pub bn254.G1Affine
	pub.ScalarMultiplication(&g1Gen, secret)
	return secret, &PublicKey{point: pub}
}

// sign produces sig = secret * H(payload) on G2.
func sign(t *testing.T, secret *big.Int, payload []byte) *Signature {
	t.Helper()
	hm, err := hashToG2(payload)
	require.NoError(t, err)
	var sig bn254.G2Affine
	sig.ScalarMultiplication(&hm, secret)
	return &Signature{point: sig}
}

func TestVerifyRoundTrip(t *testing.T) {
	secret, pub := testKey(t)
	payload := []byte("block sign payload")

	sig := sign(t, secret, payload)
	ok, err := Verify(pub, payload, sig)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyRejectsWrongPayload(t *testing.T) {
	secret, pub := testKey(t)
	sig := sign(t, secret, []byte("payload A"))

	ok, err := Verify(pub, []byte("payload B"), sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	secret, _ := testKey(t)
	_, otherPub := testKey(t)
	payload := []byte("payload")
	sig := sign(t, secret, payload)

	ok, err := Verify(otherPub, payload, sig)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAggregateVerifiesAgainstAggregatedKey(t *testing.T) {
	payload := []byte("shared payload")
	s1, p1 := testKey(t)
	s2, p2 := testKey(t)
	s3, p3 := testKey(t)

	agg, err := Aggregate([]*Signature{
		sign(t, s1, payload), sign(t, s2, payload), sign(t, s3, payload),
	})
	require.NoError(t, err)

	// Sum the public keys in the test to check the aggregate: group
	// addition on signatures must mirror group addition on keys.
	var accJac bn254.G1Jac
	accJac.FromAffine(&p1.point)
	for _, p := range []*PublicKey{p2, p3} {
		var pJac bn254.G1Jac
		pJac.FromAffine(&p.point)
		accJac.AddAssign(&pJac)
	}
	var aggPoint bn254.G1Affine
	aggPoint.FromJacobian(&accJac)

	ok, err := Verify(&PublicKey{point: aggPoint}, payload, agg)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestAggregateEmptyFails(t *testing.T) {
	_, err := Aggregate(nil)
	require.Error(t, err)
}

func TestSignatureBytesRoundTrip(t *testing.T) {
	secret, _ := testKey(t)
	sig := sign(t, secret, []byte("payload"))

	parsed, err := ParseSignature(sig.Bytes())
	require.NoError(t, err)
	require.Equal(t, sig.point, parsed.point)
}
