package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/BaSui01/qaforge/types"
	"github.com/google/uuid"
)

// 派生 ID 的命名空间
var itemNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/BaSui01/qaforge/work-item"))

// LoadOptions 控制每条记录的生成参数
type LoadOptions struct {
	Variations     int
	VariationTypes map[string]int
}

type rawRecord struct {
	ID       json.RawMessage `json:"id"`
	Question string          `json:"question"`
	Soru     string          `json:"soru"`
	Answer   string          `json:"answer"`
	Cevap    string          `json:"cevap"`
	Text     string          `json:"text"`
}

// Load 读取 JSON 数组或 JSONL 文件
func Load(path string, opts LoadOptions) ([]types.WorkItem, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()
	return Read(f, opts)
}

// Read 从 reader 解析记录；首个非空白字符为 '[' 时按 JSON 数组处理
func Read(r io.Reader, opts LoadOptions) ([]types.WorkItem, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}

	var records []rawRecord
	if first == '[' {
		if err := json.NewDecoder(br).Decode(&records); err != nil {
			return nil, types.NewError(types.ErrInvalidInput, "input is not a valid JSON array").WithCause(err)
		}
	} else {
		records, err = readJSONL(br)
		if err != nil {
			return nil, err
		}
	}
	return toWorkItems(records, opts)
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		// UTF-8 BOM
		if b == 0xEF {
			if next, _ := br.Peek(2); bytes.Equal(next, []byte{0xBB, 0xBF}) {
				_, _ = br.Discard(2)
				continue
			}
		}
		if b != ' ' && b != '\t' && b != '\n' && b != '\r' {
			return b, br.UnreadByte()
		}
	}
}

func readJSONL(r io.Reader) ([]rawRecord, error) {
	var records []rawRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec rawRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, types.NewError(types.ErrInvalidInput, fmt.Sprintf("line %d is not valid JSON", line)).WithCause(err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan input: %w", err)
	}
	return records, nil
}

func toWorkItems(records []rawRecord, opts LoadOptions) ([]types.WorkItem, error) {
	items := make([]types.WorkItem, 0, len(records))
	seen := make(map[string]int, len(records))
	for i, rec := range records {
		item := types.WorkItem{
			Index:          i,
			Question:       strings.TrimSpace(firstNonEmpty(rec.Question, rec.Soru)),
			Answer:         strings.TrimSpace(firstNonEmpty(rec.Answer, rec.Cevap)),
			Text:           strings.TrimSpace(rec.Text),
			Variations:     opts.Variations,
			VariationTypes: opts.VariationTypes,
		}
		if item.Question == "" && item.Text == "" {
			return nil, types.NewError(types.ErrInvalidInput,
				fmt.Sprintf("record %d has neither question nor text", i))
		}

		item.ID = decodeID(rec.ID)
		if item.ID == "" {
			item.ID = DeriveID(item)
		}
		if prev, dup := seen[item.ID]; dup {
			return nil, types.NewError(types.ErrInvalidInput,
				fmt.Sprintf("duplicate id %q at records %d and %d", item.ID, prev, i))
		}
		seen[item.ID] = i
		items = append(items, item)
	}
	return items, nil
}

// decodeID 接受字符串或数字 ID
func decodeID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// DeriveID 由内容生成稳定 ID
func DeriveID(item types.WorkItem) string {
	content := item.Question + "\x00" + item.Answer + "\x00" + item.Text
	return uuid.NewSHA1(itemNamespace, []byte(content)).String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
