package core

import (
	"errors"

	"github.com/radeonares/bdlm/crypto"
)

// SlashingEvidence proves a producer signed two distinct blocks at the same
// height (double-signing). It is carried inside the header of whichever
// block first reports it and is consumed once by ApplySlashing.
type SlashingEvidence struct {
	Header1    BlockHeader `json:"header1"`
	Header2    BlockHeader `json:"header2"`
	Signature1 string      `json:"signature1"`
	Signature2 string      `json:"signature2"`
}

// Verify checks internal consistency of the evidence: same height, same
// producer, distinct hashes, and both signatures valid for that producer.
func (e *SlashingEvidence) Verify() error {
	if e.Header1.Index != e.Header2.Index {
		return errors.New("slashing evidence: heights differ")
	}
	if e.Header1.Producer == "" || e.Header1.Producer != e.Header2.Producer {
		return errors.New("slashing evidence: producers differ")
	}
	if e.Header1.Hash == e.Header2.Hash {
		return errors.New("slashing evidence: identical block hashes")
	}
	pub, err := crypto.PubKeyFromHex(e.Header1.Producer)
	if err != nil {
		return err
	}
	if err := crypto.Verify(pub, []byte(e.Header1.Hash), e.Signature1); err != nil {
		return errors.New("slashing evidence: signature1 invalid")
	}
	if err := crypto.Verify(pub, []byte(e.Header2.Hash), e.Signature2); err != nil {
		return errors.New("slashing evidence: signature2 invalid")
	}
	return nil
}
