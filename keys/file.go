package keys

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BaSui01/qaforge/llm"
	"github.com/BaSui01/qaforge/types"
)

// Action 注入文件中一行的操作
type Action string

const (
	// ActionAdd 注入新密钥
	ActionAdd Action = ""
	// ActionRemove 从池中移除凭证
	ActionRemove Action = "remove"
	// ActionReinstate 把 exhausted 或 invalid 的凭证恢复为 healthy
	ActionReinstate Action = "reinstate"
)

// Entry 注入文件中的一行
type Entry struct {
	Provider string `json:"provider"`
	Secret   string `json:"secret"`
	// Action 非空时该行是针对 CredentialID 的运维指令
	Action       Action `json:"-"`
	CredentialID string `json:"-"`
	// Line 从 1 开始的行号
	Line int `json:"-"`
}

// String 输出掩码后的密钥或指令
func (e Entry) String() string {
	if e.Action != ActionAdd {
		return directivePrefix + string(e.Action) + " " + e.CredentialID
	}
	return e.Provider + ":" + llm.MaskSecret(e.Secret)
}

// seenKey 去重用的键。指令按行号区分，同一指令重新追加后会再次执行。
func (e Entry) seenKey() string {
	if e.Action != ActionAdd {
		return fmt.Sprintf("%d:%s", e.Line, e)
	}
	return e.Secret
}

var (
	providerName = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)
	credentialID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*-[0-9]+$`)
)

const (
	minSecretLen    = 8
	directivePrefix = "!"
)

// Validate 校验提供商名与密钥格式
func (e Entry) Validate() error {
	switch e.Action {
	case ActionAdd:
	case ActionRemove, ActionReinstate:
		if !credentialID.MatchString(e.CredentialID) {
			return types.NewError(types.ErrInvalidInput, fmt.Sprintf("invalid credential id %q", e.CredentialID))
		}
		return nil
	default:
		return types.NewError(types.ErrInvalidInput, fmt.Sprintf("unknown key file action %q", e.Action))
	}
	if !providerName.MatchString(e.Provider) {
		return types.NewError(types.ErrInvalidInput, fmt.Sprintf("invalid provider name %q", e.Provider))
	}
	if len(e.Secret) < minSecretLen {
		return types.NewError(types.ErrInvalidInput, "secret is too short")
	}
	if strings.ContainsAny(e.Secret, " \t\r\n") {
		return types.NewError(types.ErrInvalidInput, "secret contains whitespace")
	}
	return nil
}

// ParseLine 解析一行。空行与 # 注释返回 ok=false。
func ParseLine(line, defaultProvider string) (Entry, bool, error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Entry{}, false, nil
	}

	var e Entry
	switch {
	case strings.HasPrefix(line, directivePrefix):
		fields := strings.Fields(strings.TrimPrefix(line, directivePrefix))
		if len(fields) != 2 {
			return Entry{}, false, types.NewError(types.ErrInvalidInput, "directive needs an action and a credential id")
		}
		e = Entry{Action: Action(fields[0]), CredentialID: fields[1]}
	case strings.HasPrefix(line, "{"):
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return Entry{}, false, types.NewError(types.ErrInvalidInput, "malformed json key line").WithCause(err)
		}
		if e.Provider == "" {
			e.Provider = defaultProvider
		}
	case strings.Contains(line, ":"):
		provider, secret, _ := strings.Cut(line, ":")
		e = Entry{Provider: strings.TrimSpace(provider), Secret: strings.TrimSpace(secret)}
	default:
		e = Entry{Provider: defaultProvider, Secret: line}
	}
	if err := e.Validate(); err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// ReadFile 读取注入文件。文件不存在时返回空列表。
// 无法解析的行收集到 errs 中，不影响其余行。
func ReadFile(path, defaultProvider string) (entries []Entry, errs []error, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("read key file: %w", err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	n := 0
	for scanner.Scan() {
		n++
		e, ok, perr := ParseLine(scanner.Text(), defaultProvider)
		if perr != nil {
			errs = append(errs, fmt.Errorf("line %d: %w", n, perr))
			continue
		}
		if !ok {
			continue
		}
		e.Line = n
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan key file: %w", err)
	}
	return entries, errs, nil
}

// AddToFile 校验并追加一个密钥。密钥已存在时返回 types.ErrDuplicate。
func AddToFile(path, provider, secret string) error {
	e := Entry{Provider: strings.TrimSpace(provider), Secret: strings.TrimSpace(secret)}
	if err := e.Validate(); err != nil {
		return err
	}

	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read key file: %w", err)
	}
	entries, _, err := ReadFile(path, e.Provider)
	if err != nil {
		return err
	}
	for _, cur := range entries {
		if cur.Secret == e.Secret {
			return types.NewError(types.ErrDuplicateCredential,
				fmt.Sprintf("key already listed on line %d", cur.Line))
		}
	}

	return appendLine(path, existing, e.Provider+":"+e.Secret)
}

// AppendDirective 校验并追加一条针对已有凭证的运维指令
func AppendDirective(path string, action Action, id string) error {
	e := Entry{Action: action, CredentialID: strings.TrimSpace(id)}
	if e.Action == ActionAdd {
		return types.NewError(types.ErrInvalidInput, "directive needs an action")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read key file: %w", err)
	}
	return appendLine(path, existing, e.String())
}

// appendLine 以临时文件加重命名的方式写回，监听方不会读到半行
func appendLine(path string, existing []byte, line string) error {
	var buf bytes.Buffer
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString(line + "\n")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp key file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace key file: %w", err)
	}
	return nil
}
