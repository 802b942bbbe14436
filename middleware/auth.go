package middleware

import (
	"github.com/charmbracelet/log"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/deemkeen/agora/util"
)

// AdminKeyHandler admits only the configured operator keys.
func AdminKeyHandler(keys []ssh.PublicKey) ssh.PublicKeyHandler {
	return func(ctx ssh.Context, key ssh.PublicKey) bool {
		for _, k := range keys {
			if ssh.KeysEqual(k, key) {
				return true
			}
		}
		log.Warn("Console: rejected key", "user", ctx.User(), "addr", ctx.RemoteAddr(), "key", util.PkToHash(util.PublicKeyToString(key)))
		return false
	}
}

// AuthMiddleware re-checks the session key before anything else runs.
func AuthMiddleware(keys []ssh.PublicKey) wish.Middleware {
	allowed := AdminKeyHandler(keys)
	return func(h ssh.Handler) ssh.Handler {
		return func(s ssh.Session) {
			if s.PublicKey() == nil || !allowed(s.Context(), s.PublicKey()) {
				wish.Fatalln(s, "operator key required")
				return
			}
			util.LogPublicKey(s)
			h(s)
		}
	}
}
