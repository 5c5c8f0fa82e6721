package rest

import (
	"errors"

	"github.com/baechuer/onchain-market/services/affiliate-service/internal/domain"
)

func asDomain(err error) (*domain.Error, bool) {
	var de *domain.Error
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}
