package multisig

import (
	"testing"

	"github.com/iotaledger/flashd/flasherr"
	"github.com/iotaledger/flashd/ledger"
	"github.com/stretchr/testify/require"
)

var (
	aliceSeed = []byte("alice alice alice alice alice alice")
	bobSeed   = []byte("bob bob bob bob bob bob bob bob bob")
)

// composeTwo builds the 2-of-2 address at index for alice and bob, returning
// their keys in party order.
func composeTwo(t *testing.T, c *Crypto, index uint32,
	security int) (ledger.ComposedAddress, []ledger.Key) {

	t.Helper()

	var (
		digests []ledger.Digest
		keys    []ledger.Key
	)
	for _, seed := range [][]byte{aliceSeed, bobSeed} {
		d, err := c.GetDigest(seed, index, security)
		require.NoError(t, err)
		digests = append(digests, d)

		k, err := c.GetKey(seed, index, security)
		require.NoError(t, err)
		keys = append(keys, k)
	}

	addr, err := c.ComposeAddress(digests)
	require.NoError(t, err)
	require.Equal(t, 2*security, addr.SecuritySum)

	return addr, keys
}

func spend(addr ledger.ComposedAddress) ledger.Bundle {
	return ledger.Bundle{
		{Address: "DEST", Value: 10},
		{
			Address:   addr.Address,
			Value:     -10,
			Signature: make([][]byte, addr.SecuritySum),
		},
	}
}

// TestDerivationDeterministic asserts digests and addresses only depend on
// seed, index and security.
func TestDerivationDeterministic(t *testing.T) {
	t.Parallel()

	c := New()
	d1, err := c.GetDigest(aliceSeed, 4, 2)
	require.NoError(t, err)
	d2, err := c.GetDigest(aliceSeed, 4, 2)
	require.NoError(t, err)
	require.Equal(t, d1, d2)

	other, err := c.GetDigest(aliceSeed, 5, 2)
	require.NoError(t, err)
	require.NotEqual(t, d1.Value, other.Value)

	a1, _ := composeTwo(t, c, 1, 2)
	a2, _ := composeTwo(t, c, 1, 2)
	require.Equal(t, a1, a2)

	a3, _ := composeTwo(t, c, 2, 2)
	require.NotEqual(t, a1.Address, a3.Address)
}

func TestComposeAddressErrors(t *testing.T) {
	t.Parallel()

	c := New()
	_, err := c.ComposeAddress(nil)
	require.True(t, flasherr.Is(err, flasherr.NullValue))

	_, err = c.GetDigest(aliceSeed, 0, MaxSecurity+1)
	require.True(t, flasherr.Is(err, flasherr.NullValue))

	bad := ledger.Digest{Value: []byte{1, 2}, Security: 1}
	_, err = c.ComposeAddress([]ledger.Digest{bad})
	require.True(t, flasherr.Is(err, flasherr.NullValue))
}

// TestSignatureRoundTrip signs a bundle by both owners of an address and
// checks validation only passes once every slot is filled by the right keys.
func TestSignatureRoundTrip(t *testing.T) {
	t.Parallel()

	c := New()
	addr, keys := composeTwo(t, c, 7, 2)
	bundle := spend(addr)

	require.False(t, c.ValidateSignatures(bundle, addr.Address))

	signed, err := c.AddSignature(bundle, addr.Address, keys[0])
	require.NoError(t, err)
	require.False(t, c.ValidateSignatures(signed, addr.Address))

	signed, err = c.AddSignature(signed, addr.Address, keys[1])
	require.NoError(t, err)
	require.True(t, c.ValidateSignatures(signed, addr.Address))

	// The original bundle is left untouched.
	require.Nil(t, bundle[1].Signature[0])

	// No slot is left for a third signer.
	_, err = c.AddSignature(signed, addr.Address, keys[0])
	require.True(t, flasherr.Is(err, flasherr.InvalidSignatures))

	// Signing out of party order produces a different absorbed key
	// sequence, and so a different address.
	swapped, err := c.AddSignature(bundle, addr.Address, keys[1])
	require.NoError(t, err)
	swapped, err = c.AddSignature(swapped, addr.Address, keys[0])
	require.NoError(t, err)
	require.False(t, c.ValidateSignatures(swapped, addr.Address))

	// Tampering with the essence invalidates the signatures.
	tampered := signed.Copy()
	tampered[0].Value = 11
	require.False(t, c.ValidateSignatures(tampered, addr.Address))

	_, err = c.AddSignature(bundle, "ELSEWHERE", keys[0])
	require.True(t, flasherr.Is(err, flasherr.InputUndefined))
}

func TestSignatureFragmentsPerSlot(t *testing.T) {
	t.Parallel()

	c := New()
	addr, keys := composeTwo(t, c, 3, 3)

	frags, err := c.SignatureFragments(spend(addr), keys[1])
	require.NoError(t, err)
	require.Len(t, frags, 3)

	_, err = c.SignatureFragments(spend(addr), ledger.Key{})
	require.True(t, flasherr.Is(err, flasherr.NullValue))
}
