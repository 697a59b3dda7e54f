package auth

import (
	"context"
	"slices"
)

type contextKey string

const authContextKey contextKey = "qrw_auth"

// AuthInfo holds authenticated identity information extracted from an API key.
type AuthInfo struct {
	KeyID         string
	Name          string
	AllowedModels []string
}

// ModelAllowed reports whether the key may call the given model. An empty
// allow-list permits every model.
func (a *AuthInfo) ModelAllowed(model string) bool {
	if a == nil || len(a.AllowedModels) == 0 {
		return true
	}
	return slices.Contains(a.AllowedModels, model) || slices.Contains(a.AllowedModels, "*")
}

func ContextWithAuth(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authContextKey, info)
}

func AuthFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authContextKey).(*AuthInfo)
	return info, ok
}
