package cache

import "testing"

func TestLRUEviction(t *testing.T) {
	l := newLRU(2)
	l.put("a", 1)
	l.put("b", 2)
	l.put("c", 3) // evicts a

	if _, ok := l.get("a"); ok {
		t.Error("oldest entry survived past capacity")
	}
	if v, ok := l.get("b"); !ok || v.(int) != 2 {
		t.Errorf("b = %v, %v", v, ok)
	}
	if l.len() != 2 {
		t.Errorf("len = %d, want 2", l.len())
	}
}

func TestLRURecencyOrder(t *testing.T) {
	l := newLRU(2)
	l.put("a", 1)
	l.put("b", 2)
	l.get("a")    // a is now most recent
	l.put("c", 3) // evicts b, not a

	if _, ok := l.get("a"); !ok {
		t.Error("recently used entry evicted")
	}
	if _, ok := l.get("b"); ok {
		t.Error("least recently used entry survived")
	}
}

func TestLRURemove(t *testing.T) {
	l := newLRU(4)
	l.put("a", 1)
	l.remove("a")
	if _, ok := l.get("a"); ok {
		t.Error("removed entry still resident")
	}
	l.remove("absent") // no-op
}

func TestLRUUpdateInPlace(t *testing.T) {
	l := newLRU(2)
	l.put("a", 1)
	l.put("a", 2)
	if v, _ := l.get("a"); v.(int) != 2 {
		t.Errorf("a = %v, want 2", v)
	}
	if l.len() != 1 {
		t.Errorf("len = %d, want 1", l.len())
	}
}
