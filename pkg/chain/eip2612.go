package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

var permitTypeHash = crypto.Keccak256Hash([]byte("Permit(address owner,address spender,uint256 value,uint256 nonce,uint256 deadline)"))

var ErrInvalidSignature = errors.New("invalid permit signature")

// PermitDigest is the EIP-712 digest the owner signed.
func PermitDigest(domainSeparator [32]byte, p Permit) common.Hash {
	structHash := crypto.Keccak256Hash(
		permitTypeHash.Bytes(),
		common.LeftPadBytes(p.Owner.Bytes(), 32),
		common.LeftPadBytes(p.Spender.Bytes(), 32),
		math.U256Bytes(new(big.Int).Set(p.Value)),
		math.U256Bytes(new(big.Int).Set(p.Nonce)),
		math.U256Bytes(new(big.Int).Set(p.Deadline)),
	)
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, domainSeparator[:], structHash.Bytes())
}

// RecoverPermitSigner returns the address that produced the permit's v/r/s.
func RecoverPermitSigner(domainSeparator [32]byte, p Permit) (common.Address, error) {
	if p.Value == nil || p.Nonce == nil || p.Deadline == nil {
		return common.Address{}, fmt.Errorf("%w: incomplete permit", ErrInvalidSignature)
	}

	v := p.V
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("%w: bad recovery id %d", ErrInvalidSignature, p.V)
	}

	sig := make([]byte, 65)
	copy(sig[0:32], p.R[:])
	copy(sig[32:64], p.S[:])
	sig[64] = v

	digest := PermitDigest(domainSeparator, p)
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifyPermitSignature checks the signature recovers to p.Owner.
func VerifyPermitSignature(domainSeparator [32]byte, p Permit) error {
	signer, err := RecoverPermitSigner(domainSeparator, p)
	if err != nil {
		return err
	}
	if signer != p.Owner {
		return fmt.Errorf("%w: signed by %s, owner is %s", ErrInvalidSignature, signer.Hex(), p.Owner.Hex())
	}
	return nil
}

// SignPermit fills v/r/s on p using key, the way a wallet would.
func SignPermit(domainSeparator [32]byte, p *Permit, key *ecdsa.PrivateKey) error {
	digest := PermitDigest(domainSeparator, *p)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return err
	}
	copy(p.R[:], sig[0:32])
	copy(p.S[:], sig[32:64])
	p.V = sig[64] + 27
	return nil
}
