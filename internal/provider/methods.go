package provider

// Routed method names. The happy_ prefix marks wallet vendor extensions
// that are never forwarded to an execution backend.
const (
	MethodEthAccounts        = "eth_accounts"
	MethodEthRequestAccounts = "eth_requestAccounts"
	MethodEthSendTransaction = "eth_sendTransaction"
	MethodEthChainID         = "eth_chainId"

	MethodWalletAddChain           = "wallet_addEthereumChain"    // EIP-3085
	MethodWalletSwitchChain        = "wallet_switchEthereumChain" // EIP-3326
	MethodWalletWatchAsset         = "wallet_watchAsset"          // EIP-747
	MethodWalletGetPermissions     = "wallet_getPermissions"      // EIP-2255
	MethodWalletRequestPermissions = "wallet_requestPermissions"  // EIP-2255
	MethodWalletRevokePermissions  = "wallet_revokePermissions"

	MethodHappyUser              = "happy_user"
	MethodHappyLoadABI           = "happy_loadAbi"
	MethodHappyRequestSessionKey = "happy_requestSessionKey"

	// CapabilityAccounts is the capability granted when a dApp gains
	// account visibility.
	CapabilityAccounts = "eth_accounts"

	// Provider event names.
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
)

// IsHappyMethod reports whether the method is a vendor extension that must
// never reach an execution backend.
func IsHappyMethod(method string) bool {
	return len(method) > 6 && method[:6] == "happy_"
}
