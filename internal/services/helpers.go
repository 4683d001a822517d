package services

import (
	"context"
	"errors"

	"gorm.io/gorm"

	apperrors "github.com/mossy-p/campus-signaling/pkg/errors"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func notFoundOr(err error, wrap func(error) error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.ErrNotFound
	}
	return wrap(err)
}
