package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxServiceID ctxKey = iota
	ctxRole
)

func WithIdentity(ctx context.Context, serviceID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxServiceID, serviceID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func ServiceID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxServiceID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("service_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
