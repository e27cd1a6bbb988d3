package nodetype

import "testing"

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	nt := validNodeType()
	if err := r.Register(nt); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(nt); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	nt := validNodeType()
	if err := r.Register(nt); err != nil {
		t.Fatal(err)
	}
	got, ok := r.Get("render")
	if !ok {
		t.Fatal("expected lookup to succeed")
	}
	if got.Name != "render" {
		t.Fatalf("unexpected node type: %+v", got)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected lookup of unregistered name to fail")
	}
}
