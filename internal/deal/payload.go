package deal

import (
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	xerrors "AgentMarket/internal/errors"
)

// Serialized 是 Deal 的跨边界表示，大整数以十进制字符串表示。
type Serialized struct {
	DealID         string `json:"dealId"`
	Buyer          string `json:"buyer"`
	SellerBase     string `json:"sellerBase"`
	EscrowContract string `json:"polygonEscrow"`
	NFTContract    string `json:"nft"`
	TokenID        string `json:"tokenId"`
	Price          string `json:"price"`
	Deadline       string `json:"deadline"`
	Signature      string `json:"signature,omitempty"`
}

// Serialize 返回可 JSON 编码的表示。
func (d Deal) Serialize() Serialized {
	return Serialized{
		DealID:         d.ID.Hex(),
		Buyer:          d.Buyer.Hex(),
		SellerBase:     d.SellerBase.Hex(),
		EscrowContract: d.EscrowContract.Hex(),
		NFTContract:    d.NFTContract.Hex(),
		TokenID:        d.TokenID.String(),
		Price:          d.Price.String(),
		Deadline:       strconv.FormatInt(d.Deadline, 10),
	}
}

// WithSignature 附加签名。
func (s Serialized) WithSignature(sig []byte) Serialized {
	if len(sig) > 0 {
		s.Signature = hexutil.Encode(sig)
	}
	return s
}

// Encode 将 Deal 编码为 base64url（无填充）的 JSON 载荷。
func (d Deal) Encode() (string, error) {
	return EncodePayload(d.Serialize())
}

// EncodePayload 编码序列化结果。
func EncodePayload(s Serialized) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "deal 序列化失败")
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodePayload 解析载荷并重新校验 dealId。
func DecodePayload(payload string) (Deal, Serialized, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(strings.TrimSpace(payload), "="))
	if err != nil {
		return Deal{}, Serialized{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "deal 载荷不是合法的 base64url")
	}
	var s Serialized
	if err := json.Unmarshal(raw, &s); err != nil {
		return Deal{}, Serialized{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "deal 载荷不是合法的 JSON")
	}
	d, err := s.Deal()
	if err != nil {
		return Deal{}, Serialized{}, err
	}
	return d, s, nil
}

// Deal 还原 Deal，并要求 dealId 与字段一致。
func (s Serialized) Deal() (Deal, error) {
	tokenID, ok := new(big.Int).SetString(s.TokenID, 10)
	if !ok {
		return Deal{}, xerrors.New(xerrors.CodeInvalidArgument, "tokenId 不是十进制整数")
	}
	price, ok := new(big.Int).SetString(s.Price, 10)
	if !ok {
		return Deal{}, xerrors.New(xerrors.CodeInvalidArgument, "price 不是十进制整数")
	}
	deadline, err := strconv.ParseInt(s.Deadline, 10, 64)
	if err != nil {
		return Deal{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "deadline 不是合法时间戳")
	}
	d, err := build(Params{
		Buyer:          s.Buyer,
		SellerBase:     s.SellerBase,
		EscrowContract: s.EscrowContract,
		NFTContract:    s.NFTContract,
		TokenID:        tokenID,
		Price:          price,
		Deadline:       deadline,
	})
	if err != nil {
		return Deal{}, err
	}
	if s.DealID != "" && common.HexToHash(s.DealID) != d.ID {
		return Deal{}, xerrors.New(xerrors.CodeInvalidArgument, "dealId 与内容不一致",
			xerrors.WithMetadata("dealId", s.DealID))
	}
	return d, nil
}

// USDCUnits 将 USDC 金额转换为 6 位精度的最小单位。
func USDCUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(USDCDecimals).Truncate(0).BigInt()
}

// FormatUSDC 将最小单位格式化为带两位小数的 USDC 金额。
func FormatUSDC(units *big.Int) string {
	if units == nil {
		return "0.00 USDC"
	}
	return decimal.NewFromBigInt(units, -USDCDecimals).StringFixed(2) + " USDC"
}
