package normalize

import "github.com/alanyoungcy/chainbot/internal/domain"

var evmChains = []domain.Chain{
	domain.ChainEthereum, domain.ChainArbitrum, domain.ChainPolygon, domain.ChainBase,
}

// addressPaths locates each chain's address inside the getAllAddresses
// record. Field names differ per chain and are listed as observed.
var addressPaths = map[domain.Chain]Mapping{
	domain.ChainSolana:  {Shape: ShapeRecord, Identifier: P("solana", "address")},
	domain.ChainICP:     {Shape: ShapeRecord, Identifier: P("icp", "principal"), Extra: map[string]Path{"account_id": P("icp", "accountId")}},
	domain.ChainBitcoin: {Shape: ShapeRecord, Identifier: P("bitcoin", "bech32Address")},
	domain.ChainXRP:     {Shape: ShapeRecord, Identifier: P("xrp", "address")},
	domain.ChainSui:     {Shape: ShapeRecord, Identifier: P("sui", "suiAddress")},
	domain.ChainTON: {Shape: ShapeRecord, Identifier: P("ton", "nonBounceable"), Extra: map[string]Path{
		"bounceable": P("ton", "bounceable"),
	}},
	domain.ChainNear:   {Shape: ShapeRecord, Identifier: P("near", "implicitAccountId")},
	domain.ChainCosmos: {Shape: ShapeRecord, Identifier: P("cosmos", "bech32Address")},
	domain.ChainTron: {Shape: ShapeRecord, Identifier: P("tron", "base58Address"), Extra: map[string]Path{
		"hex_address": P("tron", "hexAddress"),
	}},
}

// DefaultMappings returns the response table for the built-in gateway
// methods. It mirrors the method table of the gateway package.
func DefaultMappings() map[Key]Mapping {
	t := make(map[Key]Mapping)
	set := func(c domain.Chain, op domain.Operation, m Mapping) {
		t[Key{Chain: c, Op: op}] = m
	}

	// Addresses.
	for c, m := range addressPaths {
		set(c, domain.OpAddress, m)
	}
	for _, c := range evmChains {
		set(c, domain.OpAddress, Mapping{Shape: ShapeRecord, Identifier: P("evm", "evmAddress")})
	}

	// Native balances.
	set(domain.ChainSolana, domain.OpBalance, Mapping{Shape: ShapeTagged, Value: Self})
	set(domain.ChainICP, domain.OpBalance, Mapping{Shape: ShapeRecord, Value: P("e8s")})
	set(domain.ChainBitcoin, domain.OpBalance, Mapping{Shape: ShapeTagged, Value: Self})
	set(domain.ChainXRP, domain.OpBalance, Mapping{Shape: ShapeFlat, Value: P("balance")})
	set(domain.ChainSui, domain.OpBalance, Mapping{Shape: ShapeRecord, Value: Self})
	set(domain.ChainTON, domain.OpBalance, Mapping{Shape: ShapeTagged, Value: Self})
	set(domain.ChainNear, domain.OpBalance, Mapping{Shape: ShapeFlat, Value: P("balance")})
	set(domain.ChainCosmos, domain.OpBalance, Mapping{Shape: ShapeTagged, Value: P("amount"), Extra: map[string]Path{"denom": P("denom")}})
	set(domain.ChainTron, domain.OpBalance, Mapping{Shape: ShapeFlat, Value: P("balance")})
	for _, c := range evmChains {
		set(c, domain.OpBalance, Mapping{Shape: ShapeTagged, Value: Self})
	}

	// Token balances.
	set(domain.ChainSolana, domain.OpTokenBalance, Mapping{Shape: ShapeTagged, Value: P("amount"), Extra: map[string]Path{"mint": P("mint")}})
	set(domain.ChainICP, domain.OpTokenBalance, Mapping{Shape: ShapeTagged, Value: Self})
	set(domain.ChainSui, domain.OpTokenBalance, Mapping{Shape: ShapeTagged, Value: P("totalBalance"), Extra: map[string]Path{"coin_type": P("coinType")}})
	for _, c := range evmChains {
		set(c, domain.OpTokenBalance, Mapping{Shape: ShapeFlat, Value: P("balance"), Extra: map[string]Path{"token": P("tokenAddress")}})
	}

	// Native sends. Transaction identifiers differ per chain.
	set(domain.ChainSolana, domain.OpSend, Mapping{Shape: ShapeTagged, Identifier: P("txSignature")})
	set(domain.ChainICP, domain.OpSend, Mapping{Shape: ShapeTagged, Identifier: P("height")})
	set(domain.ChainBitcoin, domain.OpSend, Mapping{Shape: ShapeFlat, Identifier: P("txid"), Extra: map[string]Path{"fee": P("fee")}})
	set(domain.ChainXRP, domain.OpSend, Mapping{Shape: ShapeFlat, Identifier: P("txHash"), Message: P("message"), Extra: map[string]Path{"explorer_url": P("explorerUrl")}})
	set(domain.ChainSui, domain.OpSend, Mapping{Shape: ShapeTagged, Identifier: P("digest")})
	set(domain.ChainTON, domain.OpSend, Mapping{Shape: ShapeFlat, Identifier: P("txHash")})
	set(domain.ChainNear, domain.OpSend, Mapping{Shape: ShapeFlat, Identifier: P("txHash")})
	set(domain.ChainCosmos, domain.OpSend, Mapping{Shape: ShapeTagged, Identifier: P("txHash")})
	set(domain.ChainTron, domain.OpSend, Mapping{Shape: ShapeFlat, Identifier: P("txid")})
	for _, c := range evmChains {
		set(c, domain.OpSend, Mapping{Shape: ShapeFlat, Identifier: P("txHash"), Extra: map[string]Path{
			"nonce":    P("nonce"),
			"gas_used": P("gasUsed"),
		}})
	}

	// Swaps report the received amount as the value.
	set(domain.ChainSolana, domain.OpSwap, Mapping{Shape: ShapeTagged, Identifier: P("txSignature"), Value: P("outputAmount"), Extra: map[string]Path{"price_impact": P("priceImpactPct")}})
	set(domain.ChainICP, domain.OpSwap, Mapping{Shape: ShapeTagged, Identifier: P("txId"), Value: P("amountOut")})
	set(domain.ChainSui, domain.OpSwap, Mapping{Shape: ShapeTagged, Identifier: P("digest"), Value: P("amountOut")})
	for _, c := range evmChains {
		set(c, domain.OpSwap, Mapping{Shape: ShapeFlat, Identifier: P("txHash"), Value: P("amountOut")})
	}

	// Staking, wrapping and liquidity.
	set(domain.ChainSolana, domain.OpStake, Mapping{Shape: ShapeTagged, Identifier: P("txSignature"), Value: P("amountOut")})
	set(domain.ChainSolana, domain.OpUnstake, Mapping{Shape: ShapeTagged, Identifier: P("txSignature"), Value: P("amountOut")})
	set(domain.ChainSui, domain.OpStake, Mapping{Shape: ShapeTagged, Identifier: P("digest"), Value: P("amountOut")})
	set(domain.ChainSui, domain.OpUnstake, Mapping{Shape: ShapeTagged, Identifier: P("digest"), Value: P("amountOut")})
	set(domain.ChainEthereum, domain.OpWrap, Mapping{Shape: ShapeFlat, Identifier: P("txHash"), Value: P("wstEthReceived")})
	set(domain.ChainSolana, domain.OpAddLiquidity, Mapping{Shape: ShapeTagged, Identifier: P("txSignature"), Value: P("lpTokens")})
	set(domain.ChainSolana, domain.OpRemoveLiquidity, Mapping{Shape: ShapeTagged, Identifier: P("txSignature"), Value: P("amountOut")})
	set(domain.ChainSui, domain.OpAddLiquidity, Mapping{Shape: ShapeTagged, Identifier: P("digest"), Value: P("lpAmount")})
	for _, c := range evmChains {
		set(c, domain.OpStake, Mapping{Shape: ShapeFlat, Identifier: P("txHash"), Value: P("amountOut")})
		set(c, domain.OpUnstake, Mapping{Shape: ShapeFlat, Identifier: P("txHash"), Value: P("amountOut")})
		set(c, domain.OpAddLiquidity, Mapping{Shape: ShapeFlat, Identifier: P("txHash"), Value: P("liquidity")})
		set(c, domain.OpRemoveLiquidity, Mapping{Shape: ShapeFlat, Identifier: P("txHash"), Value: P("amountOut")})
		set(c, domain.OpContractCall, Mapping{Shape: ShapeFlat, Identifier: P("txHash"), Extra: map[string]Path{"result": P("result")}})
	}

	// Protocol reads.
	set(domain.ChainSolana, domain.OpAPY, Mapping{Shape: ShapeTagged, Value: P("apy")})
	set(domain.ChainSolana, domain.OpPosition, Mapping{Shape: ShapeTagged, Value: P("amount")})
	set(domain.ChainSui, domain.OpAPY, Mapping{Shape: ShapeTagged, Value: P("apy")})
	set(domain.ChainSui, domain.OpPosition, Mapping{Shape: ShapeTagged, Value: P("amount")})
	for _, c := range evmChains {
		set(c, domain.OpAPY, Mapping{Shape: ShapeRecord, Value: P("apy")})
		set(c, domain.OpPosition, Mapping{Shape: ShapeRecord, Value: P("amount")})
	}

	// Bridges are jobs: the identifier is the job id, polled separately.
	set(domain.ChainSolana, domain.OpBridge, Mapping{Shape: ShapeTagged, Identifier: P("jobId")})
	set(domain.ChainSolana, domain.OpJobStatus, Mapping{Shape: ShapeRecord, Identifier: P("jobId"), Extra: map[string]Path{"status": P("status")}})
	for _, c := range evmChains {
		set(c, domain.OpBridge, Mapping{Shape: ShapeFlat, Identifier: P("jobId")})
		set(c, domain.OpJobStatus, Mapping{Shape: ShapeRecord, Identifier: P("jobId"), Extra: map[string]Path{"status": P("status")}})
	}

	// Gateway billing account.
	set(domain.ChainNone, domain.OpAccount, Mapping{Shape: ShapeRecord, Value: P("creditsUsd"), Extra: map[string]Path{
		"tier":        P("tier"),
		"total_calls": P("totalCalls"),
	}})

	return t
}
