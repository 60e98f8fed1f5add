package task

import (
	"context"
	"sync"

	"TaskWarden/internal/action"
	"TaskWarden/internal/audit"
	xerrors "TaskWarden/internal/errors"
)

// stubHandler 按脚本返回结果或错误，并记录调用顺序。
type stubHandler struct {
	name   string
	result *action.Result
	err    error
	calls  *callLog
}

func (h *stubHandler) Execute(_ context.Context, _ map[string]any) (*action.Result, error) {
	if h.calls != nil {
		h.calls.record(h.name)
	}
	if h.err != nil {
		return nil, h.err
	}
	if h.result != nil {
		return h.result, nil
	}
	return &action.Result{Action: h.name, Reference: h.name + "-ref"}, nil
}

type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) record(name string) {
	l.mu.Lock()
	l.names = append(l.names, name)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

// captureProducer 记录被投递的任务 ID。
type captureProducer struct {
	mu        sync.Mutex
	published []string
	fail      error
}

func (p *captureProducer) Publish(_ context.Context, taskID string) error {
	if p.fail != nil {
		return p.fail
	}
	p.mu.Lock()
	p.published = append(p.published, taskID)
	p.mu.Unlock()
	return nil
}

func (p *captureProducer) Close() error { return nil }

func (p *captureProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func newTestRegistry(calls *callLog) *action.Registry {
	registry := action.NewRegistry()
	mustRegister(registry, &action.Definition{
		Name:    "notify_team",
		Handler: &stubHandler{name: "notify_team", calls: calls},
	})
	mustRegister(registry, &action.Definition{
		Name:                   "wire_transfer",
		AlwaysRequiresApproval: true,
		Handler:                &stubHandler{name: "wire_transfer", calls: calls},
	})
	return registry
}

func mustRegister(registry *action.Registry, def *action.Definition) {
	if err := registry.Register(def); err != nil {
		panic(err)
	}
}

func newTestService(registry *action.Registry) (*Service, *MemoryStore, *captureTrail, *captureProducer) {
	store := NewMemoryStore()
	producer := &captureProducer{}
	trail := &captureTrail{Recorder: audit.NewMemoryTrail()}
	return NewService(store, producer, registry, trail), store, trail, producer
}

// captureTrail 包装内存审计，便于断言条目类型。
type captureTrail struct {
	*audit.Recorder
}

func (t *captureTrail) entriesOf(entryType audit.EntryType) []audit.Entry {
	var out []audit.Entry
	for _, entry := range t.Recent(0) {
		if entry.Type == entryType {
			out = append(out, entry)
		}
	}
	return out
}

var errStubTransport = xerrors.New(action.CodeTransport, "upstream unreachable")
