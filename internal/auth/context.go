package auth

import "context"

type ctxKey string

const ctxKeyUser ctxKey = "user_id"

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyUser, id)
}

func UserIDFromContext(ctx context.Context) string {
	if v := ctx.Value(ctxKeyUser); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
