package action

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubAction struct {
	id       string
	keyword  string
	reply    string
	cfgSeen  map[string]any
	panicOn  bool
	validErr error
}

func (s *stubAction) Info() Info {
	return Info{ID: s.id, Name: s.id, Version: "1.0.0", Category: TypeLending}
}

func (s *stubAction) Configure(cfg map[string]any) error {
	s.cfgSeen = cfg
	return nil
}

func (s *stubAction) Validate(ctx context.Context, msg Message) (bool, error) {
	if s.validErr != nil {
		return false, s.validErr
	}
	return strings.Contains(msg.Text, s.keyword), nil
}

func (s *stubAction) Handle(ctx context.Context, msg Message) (*Outcome, error) {
	if s.panicOn {
		panic("boom")
	}
	return &Outcome{Reply: s.reply}, nil
}

func newTestRegistry(t *testing.T, actions ...*stubAction) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{})
	if err != nil {
		t.Fatalf("构造注册表失败: %v", err)
	}
	for _, a := range actions {
		if err := registry.Register(a.id, a, nil, IsolationPolicy{}); err != nil {
			t.Fatalf("注册 %s 失败: %v", a.id, err)
		}
	}
	return registry
}

func TestDispatchRoutesToFirstMatch(t *testing.T) {
	registry := newTestRegistry(t,
		&stubAction{id: "supply", keyword: "deposit", reply: "supplied"},
		&stubAction{id: "borrow", keyword: "borrow", reply: "borrowed"},
	)

	outcome, id, err := registry.Dispatch(context.Background(), Message{Text: "please borrow 10 USDC"})
	if err != nil {
		t.Fatalf("分发失败: %v", err)
	}
	if id != "borrow" || outcome.Reply != "borrowed" {
		t.Fatalf("期望 borrow 处理, 实际 %s / %q", id, outcome.Reply)
	}
}

func TestDispatchNoMatch(t *testing.T) {
	registry := newTestRegistry(t, &stubAction{id: "supply", keyword: "deposit"})

	_, _, err := registry.Dispatch(context.Background(), Message{Text: "what time is it"})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("期望 ErrNoMatch, 实际 %v", err)
	}
}

func TestHandlePanicIsolated(t *testing.T) {
	registry := newTestRegistry(t, &stubAction{id: "supply", keyword: "deposit", panicOn: true})

	_, err := registry.Handle(context.Background(), "supply", Message{Text: "deposit 1 ETH"})
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("panic 应转为错误, 实际 %v", err)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	registry := newTestRegistry(t, &stubAction{id: "supply", keyword: "deposit"})
	err := registry.Register("supply", &stubAction{id: "supply"}, nil, IsolationPolicy{})
	if err == nil {
		t.Fatal("重复注册应报错")
	}
}

func TestRegisterDeniedCapability(t *testing.T) {
	registry, err := NewRegistry(RegistryConfig{
		Defaults: IsolationPolicy{DeniedCapabilities: []Capability{CapabilityTransact}},
	})
	if err != nil {
		t.Fatalf("构造注册表失败: %v", err)
	}

	denied := &capAction{stubAction{id: "supply", keyword: "deposit"}}
	if err := registry.Register("supply", denied, nil, IsolationPolicy{}); err == nil {
		t.Fatal("被拒能力应阻止注册")
	}
}

type capAction struct{ stubAction }

func (c *capAction) Info() Info {
	info := c.stubAction.Info()
	info.Capabilities = []Capability{CapabilityTransact}
	return info
}
