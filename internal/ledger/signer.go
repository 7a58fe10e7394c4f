package ledger

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lvdashuaibi/kioskvote/internal/model"
)

// Signer 终端签名密钥
type Signer struct {
	key *ecdsa.PrivateKey
}

// NewSigner hexKey为空时生成临时密钥
func NewSigner(hexKey string) (*Signer, error) {
	if hexKey == "" {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("生成签名密钥失败: %w", err)
		}
		return &Signer{key: key}, nil
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("解析签名密钥失败: %w", err)
	}
	return &Signer{key: key}, nil
}

// Address 终端地址
func (s *Signer) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s *Signer) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

// Verify 校验签名是否由address对应的密钥产生
func Verify(digest, sig []byte, address string) bool {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address)
}

type receiptPayload struct {
	VoterID    string                     `json:"voterId"`
	ElectionID string                     `json:"electionId"`
	Selections []model.CandidateSelection `json:"selections"`
}

// ReceiptDigest 选票回执摘要，选择按职位排序后做Keccak256
func ReceiptDigest(voterID, electionID string, selections []model.CandidateSelection) []byte {
	sorted := append([]model.CandidateSelection(nil), selections...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	data, _ := json.Marshal(receiptPayload{VoterID: voterID, ElectionID: electionID, Selections: sorted})
	return crypto.Keccak256(data)
}

// Hex 0x前缀的十六进制
func Hex(b []byte) string {
	return hexutil.Encode(b)
}
