package deal

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentMarket/internal/errors"
)

// USDCDecimals 是 USDC 的最小单位精度。
const USDCDecimals = 6

// Params 是构造 Deal 的输入。地址为十六进制字符串。
type Params struct {
	Buyer          string
	SellerBase     string
	EscrowContract string
	NFTContract    string
	TokenID        *big.Int
	Price          *big.Int
	Deadline       int64
}

// Deal 是一次成交的不可变记录，ID 由其余字段的 ABI 编码做 keccak256 得到。
type Deal struct {
	ID             common.Hash
	Buyer          common.Address
	SellerBase     common.Address
	EscrowContract common.Address
	NFTContract    common.Address
	TokenID        *big.Int
	Price          *big.Int
	Deadline       int64
}

var dealArguments = mustArguments("address", "address", "address", "address", "uint256", "uint256", "uint256")

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, 0, len(types))
	for _, name := range types {
		typ, err := abi.NewType(name, "", nil)
		if err != nil {
			panic(fmt.Sprintf("deal: invalid abi type %s: %v", name, err))
		}
		args = append(args, abi.Argument{Type: typ})
	}
	return args
}

// New 校验参数并构造 Deal。相同输入总是得到相同的 ID。
func New(p Params, now time.Time) (Deal, error) {
	d, err := build(p)
	if err != nil {
		return Deal{}, err
	}
	if d.Deadline <= now.Unix() {
		return Deal{}, xerrors.New(xerrors.CodeInvalidArgument, "deadline 必须晚于当前时间",
			xerrors.WithMetadata("deadline", fmt.Sprint(d.Deadline)))
	}
	return d, nil
}

func build(p Params) (Deal, error) {
	addrs := []struct {
		field string
		value string
	}{
		{"buyer", p.Buyer},
		{"sellerBase", p.SellerBase},
		{"escrowContract", p.EscrowContract},
		{"nftContract", p.NFTContract},
	}
	parsed := make([]common.Address, len(addrs))
	for i, a := range addrs {
		if !common.IsHexAddress(strings.TrimSpace(a.value)) {
			return Deal{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s 不是合法地址: %q", a.field, a.value),
				xerrors.WithMetadata("field", a.field))
		}
		parsed[i] = common.HexToAddress(strings.TrimSpace(a.value))
	}
	if p.TokenID == nil || p.TokenID.Sign() < 0 {
		return Deal{}, xerrors.New(xerrors.CodeInvalidArgument, "tokenId 必须是非负整数")
	}
	if p.Price == nil || p.Price.Sign() < 0 {
		return Deal{}, xerrors.New(xerrors.CodeInvalidArgument, "price 必须是非负整数")
	}

	d := Deal{
		Buyer:          parsed[0],
		SellerBase:     parsed[1],
		EscrowContract: parsed[2],
		NFTContract:    parsed[3],
		TokenID:        new(big.Int).Set(p.TokenID),
		Price:          new(big.Int).Set(p.Price),
		Deadline:       p.Deadline,
	}
	id, err := computeID(d)
	if err != nil {
		return Deal{}, err
	}
	d.ID = id
	return d, nil
}

func computeID(d Deal) (common.Hash, error) {
	encoded, err := dealArguments.Pack(
		d.Buyer,
		d.SellerBase,
		d.EscrowContract,
		d.NFTContract,
		d.TokenID,
		d.Price,
		big.NewInt(d.Deadline),
	)
	if err != nil {
		return common.Hash{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "deal 参数无法编码")
	}
	return crypto.Keccak256Hash(encoded), nil
}

// ShortID 返回用于展示的截断 ID。
func (d Deal) ShortID() string {
	hex := d.ID.Hex()
	if len(hex) <= 10 {
		return hex
	}
	return hex[:10] + "..."
}

// PseudoAddress 由标签派生一个确定性的占位地址，用于缺少真实配置的模拟模式。
func PseudoAddress(label string) common.Address {
	hash := crypto.Keccak256([]byte("universal-ai-market:" + label))
	return common.BytesToAddress(hash[12:])
}

// NormalizeAddress 在 value 是合法地址时返回它，否则退回到 PseudoAddress(label)。
func NormalizeAddress(value, label string) common.Address {
	if value = strings.TrimSpace(value); common.IsHexAddress(value) {
		return common.HexToAddress(value)
	}
	return PseudoAddress(label)
}
