package action

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "TaskWarden/internal/errors"
)

// Result 是一次动作执行的结构化结果。真实执行与模拟执行返回相同的形状，
// 仅通过 Simulated 字段区分。
type Result struct {
	Action    string `json:"action"`
	Reference string `json:"reference"`
	URL       string `json:"url,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Simulated bool   `json:"simulated"`
}

// Handler 执行一个具名的外部副作用。
type Handler interface {
	Execute(ctx context.Context, payload map[string]any) (*Result, error)
}

// Validator 在调用 Handler 之前校验载荷。校验失败属于不可重试错误。
type Validator func(payload map[string]any) error

// Definition 描述注册表中的一个动作。
type Definition struct {
	Name string
	// AlwaysRequiresApproval 为真时，引用该动作的任务必须经人工审批。
	// 这是结构性策略，任务载荷无法覆盖。
	AlwaysRequiresApproval bool
	Validate               Validator
	Handler                Handler
}

// Registry 是进程启动时装配的静态动作表。
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// 动作层错误码。
const (
	CodeValidation    xerrors.Code = "ACTION_VALIDATION_FAILED"
	CodeTransport     xerrors.Code = "ACTION_TRANSPORT_FAILURE"
	CodeUnknownAction xerrors.Code = "ACTION_UNKNOWN"
)

func init() {
	xerrors.Register(CodeValidation, xerrors.Attributes{
		Message:   "action payload validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTransport, xerrors.Attributes{
		Message:   "action transport failure",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeUnknownAction, xerrors.Attributes{
		Message:   "action not registered",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register 注册一个动作定义。重复注册同名动作视为配置缺陷。
func (r *Registry) Register(def *Definition) error {
	if def == nil || strings.TrimSpace(def.Name) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作定义不能为空")
	}
	if def.Handler == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "动作缺少 Handler: "+def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return xerrors.New(xerrors.CodeConflict, "动作重复注册: "+def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Lookup 返回指定动作的定义。
func (r *Registry) Lookup(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// RequiresApproval 返回动作是否强制审批，以及动作是否已注册。
func (r *Registry) RequiresApproval(name string) (required bool, known bool) {
	def, ok := r.Lookup(name)
	if !ok {
		return false, false
	}
	return def.AlwaysRequiresApproval, true
}

// Names 返回所有已注册动作的名称，按字典序。
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// stringField 从载荷中取出字符串字段并去除首尾空白。
func stringField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if raw, ok := payload[key]; ok {
		if value, ok := raw.(string); ok {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

// boolField 从载荷中取出布尔字段。
func boolField(payload map[string]any, key string) bool {
	if payload == nil {
		return false
	}
	if raw, ok := payload[key]; ok {
		if value, ok := raw.(bool); ok {
			return value
		}
	}
	return false
}
