// =============================================================================
// 📦 测试数据工厂 - 工作项与生成响应
// =============================================================================
// 提供预定义的工作项与变体响应，用于调度相关测试
// =============================================================================
package fixtures

import (
	"encoding/json"
	"fmt"

	"github.com/BaSui01/qaforge/types"
)

// =============================================================================
// 🎯 WorkItem 工厂
// =============================================================================

// WorkItem 返回单个问答工作项，ID 为 q-XX
func WorkItem(index int) types.WorkItem {
	return types.WorkItem{
		ID:         fmt.Sprintf("q-%02d", index),
		Index:      index,
		Question:   fmt.Sprintf("question %d?", index),
		Answer:     fmt.Sprintf("answer %d.", index),
		Variations: 2,
		VariationTypes: map[string]int{
			"casual":        1,
			"simple_direct": 1,
		},
	}
}

// WorkItems 返回 n 个连续编号的工作项
func WorkItems(n int) []types.WorkItem {
	items := make([]types.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, WorkItem(i))
	}
	return items
}

// ChunkItem 返回文档片段类型的工作项
func ChunkItem(index int, text string) types.WorkItem {
	return types.WorkItem{
		ID:         fmt.Sprintf("chunk-%02d", index),
		Index:      index,
		Text:       text,
		Variations: 1,
	}
}

// =============================================================================
// 🎯 响应工厂
// =============================================================================

// VariationsJSON 返回 n 个变体组成的 JSON 数组文本
func VariationsJSON(n int) string {
	out := make([]map[string]string, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, map[string]string{
			"question": fmt.Sprintf("rephrased %d", i+1),
			"answer":   "same answer",
		})
	}
	data, _ := json.Marshal(out)
	return string(data)
}

// WrappedVariations 返回包裹在说明文字与代码块中的变体，模拟真实模型输出
func WrappedVariations(n int) string {
	return "Here you go:\n```json\n" + VariationsJSON(n) + "\n```\nDone."
}

// EmptyResponse 空响应
func EmptyResponse() string {
	return ""
}
