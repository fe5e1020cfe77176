package model

import "errors"

var (
	ErrProductNotFound = errors.New("product not found")
	ErrProductSold     = errors.New("product already sold")
	ErrPriceChanged    = errors.New("product price changed")
	ErrInvalidPrice    = errors.New("invalid price")
	ErrNoWallet        = errors.New("no wallet connected")
	ErrFetchFailed     = errors.New("failed to fetch products")
)
