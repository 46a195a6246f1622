package middleware

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/reviewpipe/pkg/models"
)

type contextKey string

const ownerKey contextKey = "owner"

func SetOwner(ctx context.Context, owner models.OwnerRef) context.Context {
	return context.WithValue(ctx, ownerKey, owner)
}

func GetOwner(r *http.Request) (models.OwnerRef, bool) {
	owner, ok := r.Context().Value(ownerKey).(models.OwnerRef)
	return owner, ok
}
