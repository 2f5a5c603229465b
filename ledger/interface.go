package ledger

// Digest is one party's public contribution to a composite multisig address.
type Digest struct {
	// Value is the raw digest material absorbed into the address.
	Value []byte

	// Index is the key index the digest was derived at.
	Index uint32

	// Security is the number of signature slots the digest accounts for.
	Security int
}

// ComposedAddress is a finalized composite address.
type ComposedAddress struct {
	Address Address

	// SecuritySum is the sum of the security of every absorbed digest,
	// which equals the number of signature slots of an input spending from
	// the address.
	SecuritySum int
}

// Key is the private counterpart of a Digest.
type Key struct {
	Index uint32

	// Secrets holds one secret per unit of security.
	Secrets [][]byte
}

// Security returns the number of signature slots the key fills.
func (k Key) Security() int {
	return len(k.Secrets)
}

// Crypto is the set of ledger primitives the channel consumes. It covers
// deterministic key and digest derivation, composite address construction
// and bundle signing.
type Crypto interface {
	// GetDigest derives the digest at index from seed.
	GetDigest(seed []byte, index uint32, security int) (Digest, error)

	// ComposeAddress absorbs the digests, in order, and finalizes the
	// resulting composite address.
	ComposeAddress(digests []Digest) (ComposedAddress, error)

	// GetKey derives the private key matching GetDigest.
	GetKey(seed []byte, index uint32, security int) (Key, error)

	// SignatureFragments signs the bundle with key, returning one fragment
	// per unit of the key's security.
	SignatureFragments(bundle Bundle, key Key) ([][]byte, error)

	// AddSignature writes the key's fragments into the first empty
	// signature slots of the input spending from address.
	AddSignature(bundle Bundle, address Address, key Key) (Bundle, error)

	// ValidateSignatures reports whether the input spending from address
	// carries a complete and valid set of signatures.
	ValidateSignatures(bundle Bundle, address Address) bool
}

// Input describes the address a bundle spends from.
type Input struct {
	Address     Address
	SecuritySum int
	Balance     Amount
}

// BundleBuilder produces the ledger-native transactions for one hop of a
// chain. Implementations must be deterministic given identical arguments.
type BundleBuilder interface {
	InitiateTransfer(input Input, remainder Address,
		outputs []Transfer) (Bundle, error)
}
