// Package walletaddr validates destination wallet addresses per asset.
//
// Rules are case-sensitive. Multi-network assets (USDT) pick their rule from
// the network; an unknown asset accepts any non-empty address.
package walletaddr

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/swapdesk/internal/apperr"
)

// ErrInvalidAddress is returned by Check.
var ErrInvalidAddress = apperr.OnField(
	apperr.New(apperr.KindValidation, "invalid_wallet_address", "invalid wallet address"),
	"walletAddress",
)

// Network identifies the chain a multi-network token travels on.
type Network string

const (
	NetworkERC20 Network = "ERC-20"
	NetworkBEP20 Network = "BEP-20"
	NetworkTRC20 Network = "TRC-20"
	NetworkSPL   Network = "SPL"
)

var (
	btcPattern = regexp.MustCompile(`^([13][a-km-zA-HJ-NP-Z1-9]{25,34}|bc1[a-zA-HJ-NP-Z0-9]{39,59})$`)
	solPattern = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
	trxPattern = regexp.MustCompile(`^T[1-9A-HJ-NP-Za-km-z]{33}$`)
	xmrPattern = regexp.MustCompile(`^4[0-9AB][1-9A-HJ-NP-Za-km-z]{93}$`)
	zecPattern = regexp.MustCompile(`^(t1|t3|zc|zs)[a-zA-Z0-9]{30,}$`)
)

// NormalizeNetwork maps user spellings onto a Network. Anything unrecognized,
// including the empty string, is ERC-20.
func NormalizeNetwork(network string) Network {
	switch strings.ToUpper(strings.TrimSpace(network)) {
	case "TRC20", "TRC-20", "TRON":
		return NetworkTRC20
	case "SPL", "SOL", "SOLANA":
		return NetworkSPL
	case "BEP20", "BEP-20", "BSC":
		return NetworkBEP20
	default:
		return NetworkERC20
	}
}

// Check is Valid as an error.
func Check(asset, network, address string) error {
	if !Valid(asset, network, address) {
		return ErrInvalidAddress
	}
	return nil
}

// Valid reports whether address is acceptable for asset on network.
// network only matters for USDT.
func Valid(asset, network, address string) bool {
	switch strings.ToUpper(strings.TrimSpace(asset)) {
	case "BTC":
		return btcPattern.MatchString(address)
	case "ETH":
		return isEVMAddress(address)
	case "SOL":
		return solPattern.MatchString(address)
	case "USDT":
		switch NormalizeNetwork(network) {
		case NetworkTRC20:
			return trxPattern.MatchString(address)
		case NetworkSPL:
			return solPattern.MatchString(address)
		default:
			return isEVMAddress(address)
		}
	case "XMR":
		return xmrPattern.MatchString(address)
	case "ZEC":
		return zecPattern.MatchString(address)
	default:
		return address != ""
	}
}

// isEVMAddress is ^0x[a-fA-F0-9]{40}$. go-ethereum also accepts "0X" and a
// bare hex string, so the prefix and length are pinned first.
func isEVMAddress(address string) bool {
	return len(address) == 42 && strings.HasPrefix(address, "0x") && common.IsHexAddress(address)
}
