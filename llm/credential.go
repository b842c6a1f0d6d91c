package llm

import (
	"encoding/json"
	"time"
)

// CredentialStatus 凭证状态
type CredentialStatus string

const (
	StatusHealthy     CredentialStatus = "healthy"
	StatusRateLimited CredentialStatus = "rate_limited"
	StatusExhausted   CredentialStatus = "exhausted"
	StatusInvalid     CredentialStatus = "invalid"
)

// FailureKind 是上报给凭证池的失败类别
type FailureKind string

const (
	FailureRateLimited    FailureKind = "rate_limited"
	FailureAuthInvalid    FailureKind = "auth_invalid"
	FailureTransient      FailureKind = "transient"
	FailureQuotaExhausted FailureKind = "quota_exhausted"
)

// Credential 是一条可互换的 API 凭证及其健康状态。
// 池对外只返回副本，Secret 不会出现在日志或 JSON 中。
type Credential struct {
	ID                  string           `json:"id"`
	Provider            string           `json:"provider"`
	Secret              string           `json:"-"`
	Label               string           `json:"label"`
	Status              CredentialStatus `json:"status"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	TotalRequests       int64            `json:"total_requests"`
	FailedRequests      int64            `json:"failed_requests"`
	LastUsedAt          time.Time        `json:"last_used_at,omitempty"`
	CooldownUntil       time.Time        `json:"cooldown_until,omitempty"`
	AddedAt             time.Time        `json:"added_at"`
	Injected            bool             `json:"injected"`
}

// IsHealthy 判断凭证当前是否可用
func (c Credential) IsHealthy() bool {
	return c.Status == StatusHealthy
}

// SuccessRate 成功率，尚无请求时为 1
func (c Credential) SuccessRate() float64 {
	if c.TotalRequests == 0 {
		return 1.0
	}
	return float64(c.TotalRequests-c.FailedRequests) / float64(c.TotalRequests)
}

func (c Credential) String() string {
	return "Credential{" + c.ID + " " + string(c.Status) + " " + c.Label + "}"
}

// MarshalJSON 输出时只保留掩码后的密钥
func (c Credential) MarshalJSON() ([]byte, error) {
	type plain Credential
	return json.Marshal(struct {
		plain
		Secret string `json:"secret"`
	}{plain: plain(c), Secret: MaskSecret(c.Secret)})
}

// MaskSecret 只保留末尾 4 位
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "***"
	}
	return "***" + secret[len(secret)-4:]
}
