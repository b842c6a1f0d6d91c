package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// 请求 > 配置 > 默认
func TestChooseModel_Priority(t *testing.T) {
	tests := []struct {
		name     string
		req      *Request
		config   string
		fallback string
		expected string
	}{
		{"request wins", &Request{Model: "request-model"}, "config-model", "default-model", "request-model"},
		{"config when request empty", &Request{}, "config-model", "default-model", "config-model"},
		{"fallback when both empty", &Request{}, "", "default-model", "default-model"},
		{"nil request", nil, "config-model", "default-model", "config-model"},
		{"all empty", nil, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ChooseModel(tt.req, tt.config, tt.fallback))
		})
	}
}
