// Package identity mints the process-wide builder identity: a random
// block_builder_id used as the lock-owner prefix and in logs, plus the
// Ethereum address derived from the builder's posting key.
package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/InternetMaximalism/intmax2/errkind"
)

// Identity is fixed at startup and immutable for the process lifetime.
type Identity struct {
	BuilderID string
	Address   common.Address
	Key       *ecdsa.PrivateKey
}

// New derives the builder identity from the configured posting key.
func New(privateKeyHex string) (*Identity, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, errkind.NewFatal("identity.New: parse private key", err)
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	return &Identity{
		BuilderID: "builder-" + hex.EncodeToString(b[:]),
		Address:   crypto.PubkeyToAddress(key.PublicKey),
		Key:       key,
	}, nil
}
