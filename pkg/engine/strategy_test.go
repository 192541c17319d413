package engine

import (
	"context"
	"strings"
	"testing"
)

// The first factory update creates an entry; the second updates the same entry.
func TestFactoryStrategy_CreateThenUpdate(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()
	id := NewFactoryIdentity("svc.factory", "inst-1", "")

	first := FactoryStrategy{}.UpdateCommand(ConfigurationTarget{Identity: id, Properties: Dictionary{"v": 1}})
	if err := first.Apply(ctx, store); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}

	second := FactoryStrategy{}.UpdateCommand(ConfigurationTarget{Identity: id, Properties: Dictionary{"v": 2}})
	if err := second.Apply(ctx, store); err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}

	got := strings.Join(store.getLog(), ",")
	want := "create:svc.factory~inst-1,update:svc.factory~inst-1,update:svc.factory~inst-1"
	if got != want {
		t.Errorf("store log = %s, want %s", got, want)
	}
	if store.size() != 1 {
		t.Fatalf("store has %d entries, want 1", store.size())
	}

	props, ok := store.get("svc.factory.1")
	if !ok || props["v"] != 2 {
		t.Errorf("entry svc.factory.1 = %v, %v; want v=2", props, ok)
	}
}

func TestFactoryStrategy_InstancesAreSeparate(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()

	for _, inst := range []string{"a", "b", "a"} {
		cmd := FactoryStrategy{}.UpdateCommand(ConfigurationTarget{
			Identity:   NewFactoryIdentity("svc.factory", inst, ""),
			Properties: Dictionary{"inst": inst},
		})
		if err := cmd.Apply(ctx, store); err != nil {
			t.Fatalf("Apply() error = %v", err)
		}
	}

	if store.size() != 2 {
		t.Errorf("store has %d entries, want 2", store.size())
	}

	del := FactoryStrategy{}.DeleteCommand(NewFactoryIdentity("svc.factory", "a", ""))
	if err := del.Apply(ctx, store); err != nil {
		t.Fatalf("delete Apply() error = %v", err)
	}
	if store.size() != 1 {
		t.Errorf("store has %d entries after delete, want 1", store.size())
	}
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	ctx := context.Background()
	store := newMockStore()

	cmds := []Command{
		PIDStrategy{}.DeleteCommand(NewPIDIdentity("missing", "")),
		FactoryStrategy{}.DeleteCommand(NewFactoryIdentity("missing.factory", "x", "")),
	}
	for _, cmd := range cmds {
		if err := cmd.Apply(ctx, store); err != nil {
			t.Errorf("Apply() error = %v, want nil", err)
		}
		if cmd.Properties() != nil || OperationOf(cmd) != OperationDelete {
			t.Error("delete command should carry no properties")
		}
	}
	if len(store.getLog()) != 0 {
		t.Errorf("store log = %v, want empty", store.getLog())
	}
}

func TestPrepareSource(t *testing.T) {
	pidSource := ConfigurationSource{Identity: NewPIDIdentity("org.example", "")}
	PIDStrategy{}.PrepareSource(&pidSource)
	if pidSource.Source.Metadata[ServicePIDKey] != "org.example" {
		t.Errorf("pid metadata = %v", pidSource.Source.Metadata)
	}
	if _, ok := pidSource.Source.Metadata[FactoryPIDKey]; ok {
		t.Error("pid strategy must not set the factory pid")
	}

	factorySource := ConfigurationSource{
		Identity: NewFactoryIdentity("org.example.pool", "db", ""),
		Source:   PropertiesSource{Metadata: Dictionary{"keep": true}},
	}
	FactoryStrategy{}.PrepareSource(&factorySource)
	md := factorySource.Source.Metadata
	if md[ServicePIDKey] != "org.example.pool" || md[FactoryPIDKey] != "org.example.pool" ||
		md[FactoryInstanceKey] != "db" || md["keep"] != true {
		t.Errorf("factory metadata = %v", md)
	}
}

func TestStrategyFor(t *testing.T) {
	if StrategyFor(NewPIDIdentity("a", "")).Name() != "pid" {
		t.Error("pid identity should use the pid strategy")
	}
	if StrategyFor(NewFactoryIdentity("f", "i", "")).Name() != "factory" {
		t.Error("factory identity should use the factory strategy")
	}
}
