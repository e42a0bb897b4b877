package surrogate

import "testing"

func TestParseSessionIDValid(t *testing.T) {
	id, ok := ParseSessionID("0123456789abcdef0123456789abcdef")
	if !ok {
		t.Fatalf("expected valid 32-hex sid to parse")
	}
	if id.Shard(NumShards) < 0 || id.Shard(NumShards) >= NumShards {
		t.Fatalf("shard out of range")
	}
}

func TestParseSessionIDRejectsWrongLength(t *testing.T) {
	if _, ok := ParseSessionID("0123"); ok {
		t.Fatalf("expected short sid to be rejected")
	}
}

func TestParseSessionIDRejectsUppercase(t *testing.T) {
	if _, ok := ParseSessionID("0123456789ABCDEF0123456789abcdef"); ok {
		t.Fatalf("expected uppercase hex to be rejected (lowercase required)")
	}
}

func TestParseSessionIDRejectsNonHex(t *testing.T) {
	if _, ok := ParseSessionID("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"); ok {
		t.Fatalf("expected non-hex content to be rejected")
	}
}

func TestTableGetCreatesOnceAndRemoves(t *testing.T) {
	tbl := NewTable()
	sid, _ := ParseSessionID("0123456789abcdef0123456789abcdef")

	var total uint64
	created := 0
	newFn := func() *Surrogate {
		created++
		return NewSurrogate(sid, 1, &total)
	}

	s1, ok := tbl.Get(sid, true, newFn)
	if !ok || s1 == nil {
		t.Fatalf("expected creation to succeed")
	}
	s2, ok := tbl.Get(sid, true, newFn)
	if !ok || s2 != s1 {
		t.Fatalf("expected second Get to return the same surrogate")
	}
	if created != 1 {
		t.Fatalf("expected newFn to run exactly once, ran %d times", created)
	}

	tbl.Remove(sid)
	if _, ok := tbl.Get(sid, false, nil); ok {
		t.Fatalf("expected lookup to fail after Remove")
	}
}

func TestTableGetMissNoCreate(t *testing.T) {
	tbl := NewTable()
	sid, _ := ParseSessionID("ffffffffffffffffffffffffffffffff")
	if _, ok := tbl.Get(sid, false, nil); ok {
		t.Fatalf("expected miss with create=false")
	}
}
