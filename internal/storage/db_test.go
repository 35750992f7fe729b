package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnsureDSNParams(t *testing.T) {
	// No query string yet
	assert.Equal(t,
		"app:pw@tcp(localhost:3306)/segflow?parseTime=true",
		EnsureDSNParams("app:pw@tcp(localhost:3306)/segflow"))

	// Existing query string
	assert.Equal(t,
		"app:pw@tcp(localhost:3306)/segflow?charset=utf8mb4&parseTime=true",
		EnsureDSNParams("app:pw@tcp(localhost:3306)/segflow?charset=utf8mb4"))

	// Already set, left alone
	assert.Equal(t,
		"app:pw@tcp(localhost:3306)/segflow?parseTime=true",
		EnsureDSNParams("app:pw@tcp(localhost:3306)/segflow?parseTime=true"))
}
