package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetRedisDBName(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected string
	}{
		{"State", RedisDBState, "State"},
		{"Cache", RedisDBCache, "Cache"},
		{"Metrics", RedisDBMetrics, "Metrics"},
		{"CircuitBreaker", RedisDBCircuitBreaker, "Circuit Breaker"},

		{"Reserved9", RedisDBReserved9, "Reserved DB 9"},
		{"Reserved10", RedisDBReserved10, "Reserved DB 10"},
		{"Reserved15", RedisDBReserved15, "Reserved DB 15"},

		{"DB16", 16, "DB 16"},
		{"DB100", 100, "DB 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := GetRedisDBName(tt.db)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestIsReservedDB(t *testing.T) {
	tests := []struct {
		name     string
		db       int
		expected bool
	}{
		{"DB0", 0, false},
		{"DB3", 3, false},

		{"DB4", 4, true},
		{"DB8", 8, true},
		{"DB15", 15, true},

		{"DB16", 16, false},
		{"DB100", 100, false},
		{"NegativeDB", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := IsReservedDB(tt.db)
			assert.Equal(t, tt.expected, result)
		})
	}
}
