// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package store

import "testing"

func TestPutGetRemove(t *testing.T) {
	s := New[int]()
	s.Put("1.2.3.4:5", "", 42)

	v, ok := s.Get("1.2.3.4:5")
	if !ok || v != 42 {
		t.Fatalf("Get = %v, %v, want 42, true", v, ok)
	}

	s.Remove("1.2.3.4:5", "")
	if _, ok := s.Get("1.2.3.4:5"); ok {
		t.Fatal("Get after Remove returned ok = true")
	}
}

func TestFindBySessionID(t *testing.T) {
	s := New[int]()
	s.Put("1.2.3.4:5", "sess-a", 1)
	s.Put("5.6.7.8:9", "sess-b", 2)

	v, ok := s.FindBySessionID("sess-b")
	if !ok || v != 2 {
		t.Fatalf("FindBySessionID(sess-b) = %v, %v, want 2, true", v, ok)
	}
	if _, ok := s.FindBySessionID("sess-missing"); ok {
		t.Fatal("FindBySessionID for unknown session id returned ok = true")
	}
}

func TestRemoveDropsSessionIDIndex(t *testing.T) {
	s := New[int]()
	s.Put("1.2.3.4:5", "sess-a", 1)
	s.Remove("1.2.3.4:5", "sess-a")

	if _, ok := s.FindBySessionID("sess-a"); ok {
		t.Fatal("FindBySessionID found an entry removed by peer address")
	}
}

func TestClearAndLen(t *testing.T) {
	s := New[int]()
	for i := 0; i < 5; i++ {
		s.Put(string(rune('a'+i))+":1", "", i)
	}
	if got := s.Len(); got != 5 {
		t.Fatalf("Len = %d, want 5", got)
	}
	s.Clear()
	if got := s.Len(); got != 0 {
		t.Fatalf("Len after Clear = %d, want 0", got)
	}
}

func TestRangeVisitsEveryEntry(t *testing.T) {
	s := New[int]()
	want := map[string]int{"a:1": 1, "b:1": 2, "c:1": 3}
	for k, v := range want {
		s.Put(k, "", v)
	}

	seen := make(map[string]int)
	s.Range(func(peerAddr string, v int) bool {
		seen[peerAddr] = v
		return true
	})
	if len(seen) != len(want) {
		t.Fatalf("Range visited %d entries, want %d", len(seen), len(want))
	}
	for k, v := range want {
		if seen[k] != v {
			t.Errorf("Range entry %q = %d, want %d", k, seen[k], v)
		}
	}
}
