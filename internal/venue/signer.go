package venue

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/goccy/go-json"
)

// Signature is the r/s/v triple the exchange endpoint expects.
type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// Signer authenticates exchange actions. The venue verifies a phantom
// agent: an EIP-712 struct whose connectionId commits to the serialized
// action and nonce, signed by the account key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner parses a hex private key (with or without 0x prefix) and
// derives the signing address.
func NewSigner(privateKeyHex string) (*Signer, error) {
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key cannot be empty")
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	publicKey, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("derive public key")
	}

	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(*publicKey),
	}, nil
}

// Address returns the account address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAction hashes the action with its nonce and signs the resulting
// phantom agent. Testnet and mainnet use distinct agent sources so a
// signature can never be replayed across networks.
func (s *Signer) SignAction(action interface{}, nonce uint64, testnet bool) (*Signature, error) {
	connectionID, err := actionHash(action, nonce)
	if err != nil {
		return nil, fmt.Errorf("hash action: %w", err)
	}

	source := "a"
	if testnet {
		source = "b"
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": []apitypes.Type{
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(1337),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": hexutil.Encode(connectionID),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("hash typed data: %w", err)
	}

	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}

	return &Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64] + 27,
	}, nil
}

// actionHash commits to the canonical action serialization, the nonce,
// and the absence of a vault address.
func actionHash(action interface{}, nonce uint64) ([]byte, error) {
	data, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], nonce)

	payload := make([]byte, 0, len(data)+9)
	payload = append(payload, data...)
	payload = append(payload, nonceBytes[:]...)
	payload = append(payload, 0x00) // no vault address

	return crypto.Keccak256(payload), nil
}
