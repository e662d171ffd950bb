package session

import (
	"fmt"
	"os"

	"github.com/happychain/wallet-core/internal/constants"
	"github.com/happychain/wallet-core/internal/securefile"
)

// SaveIdentity persists the bound identity to an encrypted file so a
// restarted daemon can rebind without a fresh login.
func SaveIdentity(path string, user User, password []byte) error {
	return securefile.WriteEncryptedJSON(
		path, user, password, []byte(constants.IdentityAAD),
		constants.FilePerm, constants.DirectoryPerm,
	)
}

// LoadIdentity reads a previously persisted identity. A missing file is not
// an error; it just means no identity was ever persisted.
func LoadIdentity(path string, password []byte) (User, bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return User{}, false, nil
	} else if err != nil {
		return User{}, false, fmt.Errorf("stat identity file: %w", err)
	}

	var user User
	if err := securefile.ReadEncryptedJSON(path, &user, password, []byte(constants.IdentityAAD)); err != nil {
		return User{}, false, err
	}
	return user, true, nil
}
