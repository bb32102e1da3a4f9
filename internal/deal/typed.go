package deal

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Domain 是 EIP-712 签名域。
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

var dealFields = []apitypes.Type{
	{Name: "dealId", Type: "bytes32"},
	{Name: "buyer", Type: "address"},
	{Name: "sellerBase", Type: "address"},
	{Name: "polygonEscrow", Type: "address"},
	{Name: "nft", Type: "address"},
	{Name: "tokenId", Type: "uint256"},
	{Name: "price", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
}

// TypedData 构造供钱包签名的 EIP-712 Deal 结构。
func (d Deal) TypedData(domain Domain) apitypes.TypedData {
	domainFields := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	}
	typedDomain := apitypes.TypedDataDomain{
		Name:    domain.Name,
		Version: domain.Version,
		ChainId: math.NewHexOrDecimal256(domain.ChainID),
	}
	if common.IsHexAddress(domain.VerifyingContract) {
		domainFields = append(domainFields, apitypes.Type{Name: "verifyingContract", Type: "address"})
		typedDomain.VerifyingContract = common.HexToAddress(domain.VerifyingContract).Hex()
	}

	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainFields,
			"Deal":         dealFields,
		},
		PrimaryType: "Deal",
		Domain:      typedDomain,
		Message: apitypes.TypedDataMessage{
			"dealId":        d.ID.Hex(),
			"buyer":         d.Buyer.Hex(),
			"sellerBase":    d.SellerBase.Hex(),
			"polygonEscrow": d.EscrowContract.Hex(),
			"nft":           d.NFTContract.Hex(),
			"tokenId":       d.TokenID.String(),
			"price":         d.Price.String(),
			"deadline":      strconv.FormatInt(d.Deadline, 10),
		},
	}
}
