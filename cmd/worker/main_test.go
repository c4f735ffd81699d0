package main

import (
	"testing"

	_ "github.com/odyssey-erp/harvest/internal/testing/guard"
)

func TestMainSkipsInTestMode(t *testing.T) {
	main()
}
