package multisig

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
)

const (
	// MinSecurity is the lowest security a digest may have.
	MinSecurity = 1

	// MaxSecurity is the highest security a digest may have.
	MaxSecurity = 3

	// AddressVersion is the version byte of encoded composite addresses.
	AddressVersion byte = 0x4f
)

var (
	// keyTag domain separates key derivation from any other use of the
	// seed.
	keyTag = []byte("flash/multisig/key")
)

// Crypto implements ledger.Crypto over secp256k1. A digest of security s is
// the concatenation of s compressed public keys, a composite address is the
// hash160 of every absorbed digest in order, and each signature slot holds a
// recoverable compact ECDSA signature over the bundle hash. Validation
// recovers the public key of every slot and re-composes the address, so no
// public key needs to be known up front.
type Crypto struct{}

// A compile time check to ensure Crypto implements the ledger.Crypto
// interface.
var _ ledger.Crypto = (*Crypto)(nil)

// New returns the secp256k1 multisig primitives.
func New() *Crypto {
	return &Crypto{}
}

func checkSecurity(security int) error {
	if security < MinSecurity || security > MaxSecurity {
		return flasherr.New(flasherr.NullValue, "security %d outside "+
			"[%d, %d]", security, MinSecurity, MaxSecurity)
	}

	return nil
}

// deriveKey derives the private key for one slot of the key at index.
func deriveKey(seed []byte, index uint32, slot int) *btcec.PrivateKey {
	var loc [8]byte
	binary.BigEndian.PutUint32(loc[:4], index)
	binary.BigEndian.PutUint32(loc[4:], uint32(slot))

	h := chainhash.TaggedHash(keyTag, seed, loc[:])
	priv, _ := btcec.PrivKeyFromBytes(h[:])

	return priv
}

// GetDigest derives the digest at index from seed.
//
// NOTE: Part of the ledger.Crypto interface.
func (c *Crypto) GetDigest(seed []byte, index uint32,
	security int) (ledger.Digest, error) {

	if err := checkSecurity(security); err != nil {
		return ledger.Digest{}, err
	}

	value := make([]byte, 0, security*btcec.PubKeyBytesLenCompressed)
	for slot := 0; slot < security; slot++ {
		pub := deriveKey(seed, index, slot).PubKey()
		value = append(value, pub.SerializeCompressed()...)
	}

	return ledger.Digest{
		Value:    value,
		Index:    index,
		Security: security,
	}, nil
}

// GetKey derives the private key matching GetDigest.
//
// NOTE: Part of the ledger.Crypto interface.
func (c *Crypto) GetKey(seed []byte, index uint32,
	security int) (ledger.Key, error) {

	if err := checkSecurity(security); err != nil {
		return ledger.Key{}, err
	}

	secrets := make([][]byte, security)
	for slot := range secrets {
		secrets[slot] = deriveKey(seed, index, slot).Serialize()
	}

	return ledger.Key{
		Index:   index,
		Secrets: secrets,
	}, nil
}

// absorb appends every digest value in order and returns the absorbed
// material along with the total security.
func absorb(digests []ledger.Digest) ([]byte, int, error) {
	var (
		absorbed    bytes.Buffer
		securitySum int
	)
	for i, d := range digests {
		if err := checkSecurity(d.Security); err != nil {
			return nil, 0, fmt.Errorf("digest %d: %w", i, err)
		}

		want := d.Security * btcec.PubKeyBytesLenCompressed
		if len(d.Value) != want {
			return nil, 0, flasherr.New(flasherr.NullValue,
				"digest %d has %d bytes, expected %d", i,
				len(d.Value), want)
		}

		absorbed.Write(d.Value)
		securitySum += d.Security
	}

	return absorbed.Bytes(), securitySum, nil
}

// finalize turns absorbed digest material into an encoded address.
func finalize(absorbed []byte) ledger.Address {
	return ledger.Address(
		base58.CheckEncode(btcutil.Hash160(absorbed), AddressVersion),
	)
}

// ComposeAddress absorbs the digests, in order, and finalizes the resulting
// composite address.
//
// NOTE: Part of the ledger.Crypto interface.
func (c *Crypto) ComposeAddress(
	digests []ledger.Digest) (ledger.ComposedAddress, error) {

	if len(digests) == 0 {
		return ledger.ComposedAddress{}, flasherr.New(
			flasherr.NullValue, "no digests to compose",
		)
	}

	absorbed, securitySum, err := absorb(digests)
	if err != nil {
		return ledger.ComposedAddress{}, err
	}

	log.Tracef("Composed address from %d digests, security sum %d",
		len(digests), securitySum)

	return ledger.ComposedAddress{
		Address:     finalize(absorbed),
		SecuritySum: securitySum,
	}, nil
}

// SignatureFragments signs the bundle hash once per secret of key.
//
// NOTE: Part of the ledger.Crypto interface.
func (c *Crypto) SignatureFragments(bundle ledger.Bundle,
	key ledger.Key) ([][]byte, error) {

	if key.Security() == 0 {
		return nil, flasherr.New(flasherr.NullValue, "empty key")
	}

	hash, err := bundle.Hash()
	if err != nil {
		return nil, fmt.Errorf("unable to hash bundle: %w", err)
	}

	fragments := make([][]byte, key.Security())
	for i, secret := range key.Secrets {
		priv, _ := btcec.PrivKeyFromBytes(secret)
		fragments[i] = ecdsa.SignCompact(priv, hash[:], true)
	}

	return fragments, nil
}

// AddSignature writes the key's fragments into the first empty signature
// slots of the input spending from address.
//
// NOTE: Part of the ledger.Crypto interface.
func (c *Crypto) AddSignature(bundle ledger.Bundle, address ledger.Address,
	key ledger.Key) (ledger.Bundle, error) {

	idx := bundle.InputFor(address)
	if idx == -1 {
		return nil, flasherr.New(flasherr.InputUndefined,
			"bundle does not spend from address").WithAddress(address)
	}

	fragments, err := c.SignatureFragments(bundle, key)
	if err != nil {
		return nil, err
	}

	signed := bundle.Copy()
	slots := signed[idx].Signature

	start := 0
	for start < len(slots) && slots[start] != nil {
		start++
	}
	if start+len(fragments) > len(slots) {
		return nil, flasherr.New(flasherr.InvalidSignatures,
			"%d free slots, %d fragments", len(slots)-start,
			len(fragments)).WithAddress(address)
	}
	copy(slots[start:], fragments)

	return signed, nil
}

// ValidateSignatures reports whether every signature slot of the input
// spending from address is filled and the recovered keys compose address.
//
// NOTE: Part of the ledger.Crypto interface.
func (c *Crypto) ValidateSignatures(bundle ledger.Bundle,
	address ledger.Address) bool {

	idx := bundle.InputFor(address)
	if idx == -1 {
		return false
	}

	slots := bundle[idx].Signature
	if len(slots) == 0 {
		return false
	}

	hash, err := bundle.Hash()
	if err != nil {
		return false
	}

	var absorbed bytes.Buffer
	for i, sig := range slots {
		if len(sig) == 0 {
			log.Debugf("Slot %d of %v is unsigned", i, address)
			return false
		}

		pub, _, err := ecdsa.RecoverCompact(sig, hash[:])
		if err != nil {
			log.Debugf("Slot %d of %v is malformed: %v", i,
				address, err)
			return false
		}
		absorbed.Write(pub.SerializeCompressed())
	}

	return finalize(absorbed.Bytes()) == address
}
