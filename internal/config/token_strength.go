package config

import zxcvbn "github.com/ccojocar/zxcvbn-go"

// adminTokenMinScore is the zxcvbn score below which UPMON_ADMIN_TOKEN
// draws a startup warning.
const adminTokenMinScore = 3

// IsWeakToken reports whether the admin token is too guessable to serve
// as a bearer credential. An empty token draws its own startup warning
// and is not scored here.
func IsWeakToken(token string) bool {
	if token == "" {
		return false
	}
	return zxcvbn.PasswordStrength(token, nil).Score < adminTokenMinScore
}
