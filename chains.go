package paygate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ChainInfo describes the per-chain endpoints and contracts the gateway
// needs for stream verification: a WebSocket endpoint for event
// subscriptions and the Superfluid contract addresses.
type ChainInfo struct {
	// ChainID is the EVM chain id.
	ChainID uint64

	// Name is the chain's canonical short name.
	Name string

	// WSSURL is a public WebSocket JSON-RPC endpoint.
	WSSURL string

	// CFAForwarder is the Superfluid CFAv1Forwarder contract address, the
	// call surface for flow lookups.
	CFAForwarder common.Address

	// CFA is the ConstantFlowAgreementV1 agreement contract, the emitter
	// of FlowUpdated events. Per-chain; zero when not built in, in which
	// case it is resolved from the Superfluid networks list (ResolveCFA).
	CFA common.Address
}

// cfaForwarder is deployed at the same address on every Superfluid network.
// The CFA agreement contract behind it is not; its address is per chain.
var cfaForwarder = common.HexToAddress("0xcfA132E353cB4E398080B9700609bb008eceB125")

// knownChains is the built-in chain table. Chains absent here are resolved
// through the public chain registry (see ResolveChain).
var knownChains = map[uint64]ChainInfo{
	// Mainnets
	1:     {ChainID: 1, Name: "ethereum", WSSURL: "wss://ethereum-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	10:    {ChainID: 10, Name: "optimism", WSSURL: "wss://optimism-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	56:    {ChainID: 56, Name: "bsc", WSSURL: "wss://bsc-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	137:   {ChainID: 137, Name: "polygon", WSSURL: "wss://polygon-bor-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	324:   {ChainID: 324, Name: "zksync", WSSURL: "wss://mainnet.era.zksync.io/ws", CFAForwarder: cfaForwarder},
	8453:  {ChainID: 8453, Name: "base", WSSURL: "wss://base-rpc.publicnode.com", CFAForwarder: cfaForwarder, CFA: common.HexToAddress("0x19ba78B9cDB05A877718841c574325fdB53601bb")},
	42161: {ChainID: 42161, Name: "arbitrum", WSSURL: "wss://arbitrum-one-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	42220: {ChainID: 42220, Name: "celo", WSSURL: "wss://celo-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	43114: {ChainID: 43114, Name: "avalanche", WSSURL: "wss://avalanche-c-chain-rpc.publicnode.com", CFAForwarder: cfaForwarder},

	// Testnets
	97:       {ChainID: 97, Name: "bsc-testnet", WSSURL: "wss://bsc-testnet-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	300:      {ChainID: 300, Name: "zksync-sepolia", WSSURL: "wss://sepolia.era.zksync.dev/ws", CFAForwarder: cfaForwarder},
	43113:    {ChainID: 43113, Name: "avalanche-fuji", WSSURL: "wss://avalanche-fuji-c-chain-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	44787:    {ChainID: 44787, Name: "celo-alfajores", WSSURL: "wss://alfajores-forno.celo-testnet.org/ws", CFAForwarder: cfaForwarder},
	80002:    {ChainID: 80002, Name: "polygon-amoy", WSSURL: "wss://polygon-amoy-bor-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	84532:    {ChainID: 84532, Name: "base-sepolia", WSSURL: "wss://base-sepolia-rpc.publicnode.com", CFAForwarder: cfaForwarder, CFA: common.HexToAddress("0x6836F23d6171D74Ef62FcF776655aBcD2bcd62Ef")},
	421614:   {ChainID: 421614, Name: "arbitrum-sepolia", WSSURL: "wss://arbitrum-sepolia-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	11155111: {ChainID: 11155111, Name: "sepolia", WSSURL: "wss://ethereum-sepolia-rpc.publicnode.com", CFAForwarder: cfaForwarder},
	11155420: {ChainID: 11155420, Name: "optimism-sepolia", WSSURL: "wss://optimism-sepolia-rpc.publicnode.com", CFAForwarder: cfaForwarder},
}

// chainRegistryURL serves the community chain metadata list used as a
// fallback for chains missing from the built-in table.
const chainRegistryURL = "https://chainid.network/chains.json"

// superfluidNetworksURL serves the Superfluid protocol metadata networks
// list, a CommonJS module wrapping a JSON array. It carries the per-chain
// ConstantFlowAgreementV1 address under contractsV1.cfaV1.
const superfluidNetworksURL = "https://raw.githubusercontent.com/superfluid-finance/protocol-monorepo/dev/packages/metadata/main/networks/list.cjs"

// LookupChain returns the built-in metadata for a chain id.
func LookupChain(chainID uint64) (ChainInfo, bool) {
	info, ok := knownChains[chainID]
	return info, ok
}

// ResolveChain returns chain metadata for the given id, consulting the
// public chain registry when the built-in table has no entry. Registry
// entries carry RPC endpoints but no Superfluid deployment, so the
// canonical forwarder address is assumed.
func ResolveChain(ctx context.Context, chainID uint64) (ChainInfo, error) {
	if info, ok := knownChains[chainID]; ok {
		return info, nil
	}
	return fetchChainFromRegistry(ctx, chainID)
}

// ResolveCFA returns the ConstantFlowAgreementV1 address for a chain,
// consulting the Superfluid networks list when the built-in table has no
// entry.
func ResolveCFA(ctx context.Context, chainID uint64) (common.Address, error) {
	if info, ok := knownChains[chainID]; ok && info.CFA != (common.Address{}) {
		return info.CFA, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, superfluidNetworksURL, nil)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: superfluid networks list: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return common.Address{}, fmt.Errorf("%w: superfluid networks list returned %d", ErrNetwork, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: superfluid networks list: %v", ErrNetwork, err)
	}
	return cfaFromNetworksList(raw, chainID)
}

// cfaFromNetworksList extracts the cfaV1 address for a chain id from the
// networks list. The file is a CommonJS module; the JSON array is the slice
// between the first '[' and the last ']'.
func cfaFromNetworksList(raw []byte, chainID uint64) (common.Address, error) {
	start := bytes.IndexByte(raw, '[')
	end := bytes.LastIndexByte(raw, ']')
	if start < 0 || end <= start {
		return common.Address{}, fmt.Errorf("%w: superfluid networks list is not an array", ErrNetwork)
	}

	var entries []struct {
		ChainID     uint64 `json:"chainId"`
		ContractsV1 struct {
			CFAV1 string `json:"cfaV1"`
		} `json:"contractsV1"`
	}
	if err := json.Unmarshal(raw[start:end+1], &entries); err != nil {
		return common.Address{}, fmt.Errorf("%w: superfluid networks list decode: %v", ErrNetwork, err)
	}

	for _, e := range entries {
		if e.ChainID != chainID {
			continue
		}
		if !common.IsHexAddress(e.ContractsV1.CFAV1) {
			return common.Address{}, fmt.Errorf("%w: chain %d has no cfaV1 entry", ErrInvalidConfig, chainID)
		}
		return common.HexToAddress(e.ContractsV1.CFAV1), nil
	}
	return common.Address{}, fmt.Errorf("%w: chain %d not in superfluid networks list", ErrInvalidConfig, chainID)
}

func fetchChainFromRegistry(ctx context.Context, chainID uint64) (ChainInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, chainRegistryURL, nil)
	if err != nil {
		return ChainInfo{}, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return ChainInfo{}, fmt.Errorf("%w: chain registry: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ChainInfo{}, fmt.Errorf("%w: chain registry returned %d", ErrNetwork, resp.StatusCode)
	}

	var entries []struct {
		Name      string   `json:"name"`
		ShortName string   `json:"shortName"`
		ChainID   uint64   `json:"chainId"`
		RPC       []string `json:"rpc"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return ChainInfo{}, fmt.Errorf("%w: chain registry decode: %v", ErrNetwork, err)
	}

	for _, e := range entries {
		if e.ChainID != chainID {
			continue
		}
		info := ChainInfo{
			ChainID:      chainID,
			Name:         e.ShortName,
			CFAForwarder: cfaForwarder,
		}
		for _, rpc := range e.RPC {
			// Skip templated endpoints that need an API key.
			if strings.HasPrefix(rpc, "wss://") && !strings.Contains(rpc, "${") {
				info.WSSURL = rpc
				break
			}
		}
		if info.WSSURL == "" {
			return ChainInfo{}, fmt.Errorf("%w: chain %d has no public websocket endpoint", ErrInvalidConfig, chainID)
		}
		return info, nil
	}
	return ChainInfo{}, fmt.Errorf("%w: unknown chain id %d", ErrInvalidConfig, chainID)
}
