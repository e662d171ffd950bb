package policy

// Method lists driving the classifier. The split follows EIP-1474: safe
// methods are public RPC reads (or permission queries that degrade
// gracefully for unauthenticated callers), interactive methods touch wallet
// settings, unsafe methods move assets or grant authority.

// safeMethods never require a confirmation surface.
var safeMethods = map[string]struct{}{
	"eth_accounts":                            {},
	"eth_blobBaseFee":                         {},
	"eth_blockNumber":                         {},
	"eth_call":                                {},
	"eth_chainId":                             {},
	"eth_coinbase":                            {},
	"eth_estimateGas":                         {},
	"eth_feeHistory":                          {},
	"eth_gasPrice":                            {},
	"eth_getBalance":                          {},
	"eth_getBlockByHash":                      {},
	"eth_getBlockByNumber":                    {},
	"eth_getBlockReceipts":                    {},
	"eth_getBlockTransactionCountByHash":      {},
	"eth_getBlockTransactionCountByNumber":    {},
	"eth_getCode":                             {},
	"eth_getFilterChanges":                    {},
	"eth_getFilterLogs":                       {},
	"eth_getLogs":                             {},
	"eth_getProof":                            {},
	"eth_getStorageAt":                        {},
	"eth_getTransactionByBlockHashAndIndex":   {},
	"eth_getTransactionByBlockNumberAndIndex": {},
	"eth_getTransactionByHash":                {},
	"eth_getTransactionCount":                 {},
	"eth_getTransactionReceipt":               {},
	"eth_getUncleCountByBlockHash":            {},
	"eth_getUncleCountByBlockNumber":          {},
	"eth_maxPriorityFeePerGas":                {},
	"eth_newBlockFilter":                      {},
	"eth_newFilter":                           {},
	"eth_newPendingTransactionFilter":         {},
	"eth_protocolVersion":                     {},
	"eth_sendRawTransaction":                  {},
	"eth_subscribe":                           {},
	"eth_syncing":                             {},
	"eth_uninstallFilter":                     {},
	"eth_unsubscribe":                         {},
	"net_listening":                           {},
	"net_peerCount":                           {},
	"net_version":                             {},
	"wallet_getPermissions":                   {},
	"wallet_revokePermissions":                {},
	"web3_clientVersion":                      {},
	"web3_sha3":                               {},

	// Returns the connected user only when permissions allow it, so it is
	// safe for any caller.
	"happy_user": {},
}

// IsSafe reports whether the method can never require confirmation.
func IsSafe(method string) bool {
	_, ok := safeMethods[method]
	return ok
}
