package ledger

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/tlv"
)

const (
	// txAddressType is the record type of a transaction's address.
	txAddressType tlv.Type = 0

	// txValueType is the record type of a transaction's value.
	txValueType tlv.Type = 2
)

// encodeEssence writes the signed fields of tx as a TLV stream.
func encodeEssence(w io.Writer, tx Transaction) error {
	addr := []byte(tx.Address)
	value := uint64(tx.Value)

	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(txAddressType, &addr),
		tlv.MakePrimitiveRecord(txValueType, &value),
	)
	if err != nil {
		return err
	}

	return stream.Encode(w)
}

// EncodeEssence writes the part of the bundle covered by signatures: the
// number of transactions followed by each transaction's length prefixed TLV
// stream. Signature slots are not part of the essence.
func (b Bundle) EncodeEssence(w io.Writer) error {
	var scratch [8]byte
	if err := tlv.WriteVarInt(w, uint64(len(b)), &scratch); err != nil {
		return err
	}

	for _, tx := range b {
		var txBuf bytes.Buffer
		if err := encodeEssence(&txBuf, tx); err != nil {
			return err
		}

		err := tlv.WriteVarInt(w, uint64(txBuf.Len()), &scratch)
		if err != nil {
			return err
		}
		if _, err := w.Write(txBuf.Bytes()); err != nil {
			return err
		}
	}

	return nil
}

// Hash returns the digest every signer of the bundle commits to.
func (b Bundle) Hash() (chainhash.Hash, error) {
	var buf bytes.Buffer
	if err := b.EncodeEssence(&buf); err != nil {
		return chainhash.Hash{}, err
	}

	return chainhash.HashH(buf.Bytes()), nil
}
