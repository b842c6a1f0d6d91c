package augment

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/template"

	"github.com/BaSui01/qaforge/types"
)

// 内置改写类型说明，未知类型按名称原样输出
var typeInstructions = map[string]string{
	"personal_scenario": "Personal scenario: write it as if a user is describing something that happened to them and then asking.",
	"casual":            "Casual: use relaxed, everyday conversational language.",
	"simple_direct":     "Simple and direct: state the question much more plainly.",
	"with_typos":        "With typos: include a few realistic spelling mistakes or missing characters.",
	"reworded_stem":     "Reworded stem: change the question structure, e.g. \"can you tell me about ...\" instead of \"what is ...\".",
}

const defaultTemplate = `ROLE: You rewrite questions in many different speaking styles while keeping their meaning.
{{- if .Item.IsChunk}}
TASK: Read the passage below and write {{.Count}} question/answer pairs that it answers.
{{- else}}
TASK: Write {{.Count}} NEW versions of the original question below. Keep the meaning, change the style.
{{- end}}
{{- if .Types}}

RULES:
{{- range $i, $t := .Types}}
{{inc $i}}. {{$t.Instruction}} ({{$t.Count}})
{{- end}}
{{- end}}

OUTPUT FORMAT: Return only a JSON list. Each element must be {"question": "...", "answer": "...", "type": "..."}.
{{- if not .Item.IsChunk}} Use the original answer unchanged.{{end}}
---
{{- if .Item.IsChunk}}
PASSAGE:
"{{.Item.Text}}"
{{- else}}
ORIGINAL QUESTION:
"{{.Item.Question}}"

ORIGINAL ANSWER:
"{{.Item.Answer}}"
{{- end}}
---
`

// TypeSpec 模板中的一条改写类型
type TypeSpec struct {
	Name        string
	Count       int
	Instruction string
}

// PromptData 是模板的输入
type PromptData struct {
	Item  types.WorkItem
	Count int
	Types []TypeSpec
}

// PromptBuilder 渲染提示词，可并发使用
type PromptBuilder struct {
	tmpl *template.Template
}

var funcs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

// NewPromptBuilder 使用给定模板文本，空字符串表示内置模板
func NewPromptBuilder(text string) (*PromptBuilder, error) {
	if strings.TrimSpace(text) == "" {
		text = defaultTemplate
	}
	tmpl, err := template.New("prompt").Funcs(funcs).Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	return &PromptBuilder{tmpl: tmpl}, nil
}

// LoadPromptBuilder 从文件读取模板，path 为空时使用内置模板
func LoadPromptBuilder(path string) (*PromptBuilder, error) {
	if path == "" {
		return NewPromptBuilder("")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt template: %w", err)
	}
	return NewPromptBuilder(string(data))
}

// Build 渲染单个工作项的提示词
func (b *PromptBuilder) Build(item types.WorkItem) (string, error) {
	data := PromptData{
		Item:  item,
		Count: item.Variations,
		Types: typeSpecs(item.VariationTypes),
	}
	if data.Count <= 0 {
		data.Count = 1
	}
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", item.ID, err)
	}
	return buf.String(), nil
}

func typeSpecs(dist map[string]int) []TypeSpec {
	names := make([]string, 0, len(dist))
	for name, n := range dist {
		if n > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	specs := make([]TypeSpec, 0, len(names))
	for _, name := range names {
		inst, ok := typeInstructions[name]
		if !ok {
			inst = strings.ReplaceAll(name, "_", " ")
		}
		specs = append(specs, TypeSpec{Name: name, Count: dist[name], Instruction: inst})
	}
	return specs
}
