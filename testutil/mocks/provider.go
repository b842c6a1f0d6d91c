// ScriptedProvider 是文本生成 Provider 的测试模拟实现。
//
// 支持按调用序号或按密钥编排响应与错误，并记录每次调用。
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/BaSui01/qaforge/llm/providers"
	"github.com/BaSui01/qaforge/testutil/fixtures"
)

// --- ScriptedProvider 结构 ---

// Step 是一次编排好的调用结果
type Step struct {
	Text  string
	Err   error
	Delay time.Duration
}

// Call 记录单次调用
type Call struct {
	Seq         int
	APIKey      string
	Prompt      string
	Model       string
	Temperature float32
	MaxTokens   int
	At          time.Time
	Err         error
}

// ScriptedProvider 按脚本返回结果的 Provider
type ScriptedProvider struct {
	mu sync.Mutex

	name       string
	defaultRes string
	script     []Step
	byKey      map[string][]Step
	responder  func(call Call) (string, error)

	calls []Call
}

var _ providers.Provider = (*ScriptedProvider)(nil)

// --- 构造函数和 Builder 方法 ---

// NewScriptedProvider 创建默认返回 2 个变体的 Provider
func NewScriptedProvider(name string) *ScriptedProvider {
	return &ScriptedProvider{
		name:       name,
		defaultRes: fixtures.VariationsJSON(2),
		byKey:      make(map[string][]Step),
	}
}

// WithDefault 设置脚本耗尽后的默认响应
func (m *ScriptedProvider) WithDefault(text string) *ScriptedProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultRes = text
	return m
}

// Then 追加按调用顺序消费的步骤
func (m *ScriptedProvider) Then(steps ...Step) *ScriptedProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, steps...)
	return m
}

// ForKey 追加只在使用指定密钥时消费的步骤，优先于 Then
func (m *ScriptedProvider) ForKey(apiKey string, steps ...Step) *ScriptedProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKey[apiKey] = append(m.byKey[apiKey], steps...)
	return m
}

// WithResponder 设置自定义响应函数，优先级最高
func (m *ScriptedProvider) WithResponder(fn func(call Call) (string, error)) *ScriptedProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回名称
func (m *ScriptedProvider) Name() string { return m.name }

// Generate 按脚本返回结果
func (m *ScriptedProvider) Generate(ctx context.Context, apiKey string, req *providers.Request) (*providers.Response, error) {
	m.mu.Lock()
	call := Call{
		Seq:         len(m.calls) + 1,
		APIKey:      apiKey,
		Prompt:      req.Prompt,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		At:          time.Now(),
	}
	step := m.nextLocked(apiKey)
	responder := m.responder
	m.calls = append(m.calls, call)
	idx := len(m.calls) - 1
	m.mu.Unlock()

	if responder != nil {
		text, err := responder(call)
		step = Step{Text: text, Err: err}
	}

	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			step = Step{Err: providers.MapTransportError(ctx.Err(), m.name)}
		case <-time.After(step.Delay):
		}
	}

	if step.Err != nil {
		m.mu.Lock()
		m.calls[idx].Err = step.Err
		m.mu.Unlock()
		return nil, step.Err
	}
	return &providers.Response{Text: step.Text, Model: "scripted"}, nil
}

func (m *ScriptedProvider) nextLocked(apiKey string) Step {
	if steps := m.byKey[apiKey]; len(steps) > 0 {
		m.byKey[apiKey] = steps[1:]
		return steps[0]
	}
	if len(m.script) > 0 {
		s := m.script[0]
		m.script = m.script[1:]
		return s
	}
	return Step{Text: m.defaultRes}
}

// --- 调用记录 ---

// Calls 返回调用记录副本
func (m *ScriptedProvider) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回调用次数
func (m *ScriptedProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// KeysUsed 按调用顺序返回使用过的密钥
func (m *ScriptedProvider) KeysUsed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.calls))
	for _, c := range m.calls {
		out = append(out, c.APIKey)
	}
	return out
}

// Reset 清空脚本与调用记录
func (m *ScriptedProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = nil
	m.byKey = make(map[string][]Step)
	m.calls = nil
}
