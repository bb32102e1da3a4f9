package wallet

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "AgentMarket/internal/errors"
)

// Signer 对 EIP-712 结构化数据签名。实现方负责私钥管理。
type Signer interface {
	Address() common.Address
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// KeySigner 使用本地 secp256k1 私钥签名。
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner 从十六进制私钥创建签名器，允许带 0x 前缀。
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "私钥格式不正确")
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address 返回私钥对应的地址。
func (s *KeySigner) Address() common.Address {
	return s.address
}

// SignTypedData 计算 EIP-712 哈希并签名，返回 65 字节签名，V 取 27/28。
func (s *KeySigner) SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "typed data 无法编码")
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCollaboratorFailure, err, "签名失败")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// AddressFromKey 返回私钥对应的地址，私钥为空或非法时 ok 为 false。
func AddressFromKey(hexKey string) (common.Address, bool) {
	if strings.TrimSpace(hexKey) == "" {
		return common.Address{}, false
	}
	signer, err := NewKeySigner(hexKey)
	if err != nil {
		return common.Address{}, false
	}
	return signer.Address(), true
}

// RecoverTypedData 从签名恢复签名者地址。
func RecoverTypedData(data apitypes.TypedData, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "签名长度不正确")
	}
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "typed data 无法编码")
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, normalized)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "签名无法恢复")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
