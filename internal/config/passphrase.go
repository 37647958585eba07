package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakPassphraseScoreThreshold = 3

// IsWeakPassphrase returns whether the mesh group passphrase is considered
// weak. Empty passphrase disables encryption and is handled elsewhere, so
// this function treats it as not weak.
func IsWeakPassphrase(passphrase string) bool {
	if passphrase == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(passphrase, nil)
	return result.Score < weakPassphraseScoreThreshold
}
