package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/auctionhouse/internal/domain"
)

const erc721ABI = `[
	{"constant":true,"inputs":[{"name":"tokenId","type":"uint256"}],"name":"ownerOf","outputs":[{"name":"","type":"address"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"tokenId","type":"uint256"}],"name":"safeTransferFrom","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// Registry implements domain.OwnershipRegistry over ERC-721 contracts. The
// operator must be approved for all of the seller's tokens. Asset refs are
// "<contract>:<tokenId>" or a bare token id on the default contract.
type Registry struct {
	c   *Client
	abi abi.ABI
}

// NewRegistry creates a Registry.
func NewRegistry(c *Client) (*Registry, error) {
	parsed, err := abi.JSON(strings.NewReader(erc721ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse erc721 abi: %w", err)
	}
	return &Registry{c: c, abi: parsed}, nil
}

// OwnerOf calls ownerOf on the token's contract.
func (r *Registry) OwnerOf(ctx context.Context, assetRef string) (string, error) {
	contract, tokenID, err := parseAssetRef(assetRef, r.c.cfg.Contract)
	if err != nil {
		return "", err
	}
	data, err := r.abi.Pack("ownerOf", tokenID)
	if err != nil {
		return "", fmt.Errorf("chain: pack ownerOf: %w", err)
	}
	out, err := r.c.backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return "", fmt.Errorf("chain: ownerOf %s: %w", assetRef, err)
	}
	values, err := r.abi.Unpack("ownerOf", out)
	if err != nil || len(values) != 1 {
		return "", fmt.Errorf("chain: ownerOf %s: %w", assetRef, domain.ErrNotFound)
	}
	owner, ok := values[0].(common.Address)
	if !ok {
		return "", fmt.Errorf("chain: ownerOf %s: unexpected %T", assetRef, values[0])
	}
	return owner.Hex(), nil
}

// Transfer sends safeTransferFrom and waits for it to be mined. A reverted
// transaction is a definitive failure; a receipt timeout is transient.
func (r *Registry) Transfer(ctx context.Context, assetRef, from, to string) (string, error) {
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return "", fmt.Errorf("%w: invalid address in %s -> %s", domain.ErrTransferFailed, from, to)
	}
	contract, tokenID, err := parseAssetRef(assetRef, r.c.cfg.Contract)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrTransferFailed, err)
	}
	data, err := r.abi.Pack("safeTransferFrom", common.HexToAddress(from), common.HexToAddress(to), tokenID)
	if err != nil {
		return "", fmt.Errorf("chain: pack safeTransferFrom: %w", err)
	}

	hash, err := r.c.send(ctx, contract, big.NewInt(0), data)
	if err != nil {
		return "", err
	}
	receipt, err := r.c.waitMined(ctx, hash)
	if err != nil {
		return "", err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%w: transfer of %s reverted in %s", domain.ErrTransferFailed, assetRef, hash.Hex())
	}
	return hash.Hex(), nil
}

// AccountActive accepts any well-formed address other than the zero address.
func (r *Registry) AccountActive(_ context.Context, account string) (bool, error) {
	if !common.IsHexAddress(account) {
		return false, nil
	}
	return common.HexToAddress(account) != (common.Address{}), nil
}

func parseAssetRef(ref, defaultContract string) (common.Address, *big.Int, error) {
	contract, token := defaultContract, ref
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		contract, token = ref[:i], ref[i+1:]
	}
	if !common.IsHexAddress(contract) {
		return common.Address{}, nil, fmt.Errorf("chain: asset %q: invalid contract address: %w", ref, domain.ErrNotFound)
	}
	id, ok := new(big.Int).SetString(token, 0)
	if !ok || id.Sign() < 0 {
		return common.Address{}, nil, fmt.Errorf("chain: asset %q: invalid token id: %w", ref, domain.ErrNotFound)
	}
	return common.HexToAddress(contract), id, nil
}
