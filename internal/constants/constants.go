package constants

const (
	AppName = "happychain"

	PermissionsFile = "permissions.json"
	ChainsFile      = "chains.json"
	AssetsFile      = "assets.json"
	IdentityFile    = "identity.json"

	SchemaV1      = 1
	FilePerm      = 0o600
	DirectoryPerm = 0o700

	// AAD for the encrypted identity file (must match on decrypt).
	IdentityAAD = "happychain:identity:v1"
)
