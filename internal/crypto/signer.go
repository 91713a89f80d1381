package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// RequestDomain prefixes every signed API request so a request signature can
// never be replayed as a signature over something else.
const RequestDomain = "marketledger"

// ErrBadSignature is returned when a signature cannot be parsed or recovered.
var ErrBadSignature = errors.New("crypto: bad signature")

// Signer holds a secp256k1 key used to sign reports and API requests.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignReport signs ReportDigest(metadata, report) and returns the 65-byte
// signature (r || s || v, v in {27,28}).
func (s *Signer) SignReport(metadata, report []byte) ([]byte, error) {
	return s.signDigest(ReportDigest(metadata, report))
}

// SignRequest returns the hex-encoded personal signature over
// RequestMessage(method, path, timestamp, nonce, body).
func (s *Signer) SignRequest(method, path string, timestamp int64, nonce string, body []byte) (string, error) {
	sig, err := s.signDigest(personalHash(RequestMessage(method, path, timestamp, nonce, body)))
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// ReportDigest is keccak256(metadata || keccak256(report)).
func ReportDigest(metadata, report []byte) []byte {
	return ethcrypto.Keccak256(concatBytes(metadata, ethcrypto.Keccak256(report)))
}

// RecoverSigner returns the address that produced sig over digest.
func RecoverSigner(digest, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// RequestMessage is the text a caller signs to authenticate one API request:
//
//	marketledger\n<METHOD> <PATH>\n<timestamp>\n<nonce>\n<hex keccak256(body)>
//
// The nonce is caller chosen and may be used only once per address.
func RequestMessage(method, path string, timestamp int64, nonce string, body []byte) []byte {
	var b strings.Builder
	b.WriteString(RequestDomain)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(hex.EncodeToString(ethcrypto.Keccak256(body)))
	return []byte(b.String())
}

// RecoverRequestSigner returns the address behind a hex-encoded personal
// signature over msg.
func RecoverRequestSigner(msg []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return RecoverSigner(personalHash(msg), sig)
}

// personalHash applies the EIP-191 personal message prefix:
//
//	keccak256("\x19Ethereum Signed Message:\n" || len(msg) || msg)
func personalHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return ethcrypto.Keccak256(concatBytes([]byte(prefix), msg))
}

// signDigest signs a 32-byte digest using secp256k1 and returns the
// signature (r || s || v, 65 bytes).
func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wallets produce v in {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
