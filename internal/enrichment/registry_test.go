package enrichment

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/lvonguyen/iocforge/internal/entity"
)

type stubProvider struct {
	name  string
	types []entity.IOCType
	ready Readiness
}

func (s *stubProvider) Name() string                     { return s.name }
func (s *stubProvider) SupportedTypes() []entity.IOCType { return s.types }
func (s *stubProvider) Ready() Readiness                 { return s.ready }
func (s *stubProvider) Lookup(context.Context, entity.IOCType, string) (*NormalizedVerdict, error) {
	return &NormalizedVerdict{Verdict: entity.VerdictUnknown}, nil
}

func TestRegistry_OrderAndDuplicates(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	for _, name := range []string{"b", "a", "c"} {
		if err := r.Register(&stubProvider{name: name, ready: ready()}, 0); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}
	if err := r.Register(&stubProvider{name: "a"}, 0); err == nil {
		t.Error("duplicate registration should fail")
	}

	var names []string
	for _, p := range r.Providers() {
		names = append(names, p.Name())
	}
	if len(names) != 3 || names[0] != "b" || names[1] != "a" || names[2] != "c" {
		t.Errorf("expected registration order [b a c], got %v", names)
	}
	if _, ok := r.Get("c"); !ok {
		t.Error("Get should find registered provider")
	}
	if _, ok := r.Get("zzz"); ok {
		t.Error("Get should miss unknown provider")
	}
}

func TestRegistry_ReadyFiltersAndAuthMarking(t *testing.T) {
	r := NewRegistry(zaptest.NewLogger(t))
	r.Register(&stubProvider{name: "good", ready: ready()}, 0)
	r.Register(&stubProvider{name: "nokey", ready: notReady("missing API key (env X)")}, 0)

	readyNow := r.Ready()
	if len(readyNow) != 1 || readyNow[0].Name() != "good" {
		t.Fatalf("expected only 'good' ready, got %d providers", len(readyNow))
	}

	r.MarkAuthFailed("good", errors.New("HTTP 401"))
	if len(r.Ready()) != 0 {
		t.Error("provider with rejected credentials should not be ready")
	}
	if rd := r.Readiness("good"); rd.Ready || rd.Reason != "credentials rejected: HTTP 401" {
		t.Errorf("unexpected readiness %+v", rd)
	}

	r.MarkAuthFailed("good", errors.New("HTTP 403"))
	if rd := r.Readiness("good"); rd.Reason != "credentials rejected: HTTP 401" {
		t.Errorf("first rejection is kept, got %+v", rd)
	}

	if rd := r.Readiness("missing"); rd.Ready {
		t.Error("unknown provider should not be ready")
	}
}

func TestRegistry_Status(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubProvider{name: "vt", types: []entity.IOCType{entity.IOCTypeDomain}, ready: ready()}, 4)
	r.Register(&stubProvider{name: "otx", ready: notReady("missing API key (env OTX_API_KEY)")}, 0)

	st := r.Status()
	if len(st) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(st))
	}
	if !st[0].Ready || st[0].RateLimit != 4 || len(st[0].SupportedTypes) != 1 {
		t.Errorf("unexpected vt status %+v", st[0])
	}
	if st[1].Ready || st[1].Reason != "missing API key (env OTX_API_KEY)" {
		t.Errorf("unexpected otx status %+v", st[1])
	}
}

func TestRegistry_WaitHonorsContext(t *testing.T) {
	r := NewRegistry(nil)
	r.Register(&stubProvider{name: "slow", ready: ready()}, 1)

	// Burst of one is consumed immediately; the next token is a minute away.
	if err := r.Wait(context.Background(), "slow"); err != nil {
		t.Fatalf("first Wait should pass: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := r.Wait(ctx, "slow"); err == nil {
		t.Error("second Wait should fail once the context cannot cover the delay")
	}

	if err := r.Wait(context.Background(), "unlimited"); err != nil {
		t.Errorf("unknown provider should not block: %v", err)
	}
}

func TestNewRegistryFromSettings(t *testing.T) {
	s := DefaultSettings()
	s.URLScan.Enabled = false

	r := NewRegistryFromSettings(s, zaptest.NewLogger(t))
	var names []string
	for _, p := range r.Providers() {
		names = append(names, p.Name())
	}
	want := []string{"virustotal", "otx", "osint"}
	if len(names) != len(want) {
		t.Fatalf("expected %v, got %v", want, names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], names[i])
		}
	}
}

func TestSupports(t *testing.T) {
	p := NewURLScanProvider(DefaultURLScanConfig())
	if !Supports(p, entity.IOCTypeURL) || Supports(p, entity.IOCTypeMD5) {
		t.Error("urlscan should support url but not md5")
	}
}
