package repository

import (
	"errors"
	"fmt"

	"commerce-payments/internal/apperror"

	"gorm.io/gorm"
)

func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, apperror.ErrNotFound)
	}
	return err
}
