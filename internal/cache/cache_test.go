package cache

import (
	"testing"
	"time"
)

func TestInvalidate(t *testing.T) {
	c := New(time.Minute)
	c.Set(PrefixRecord+"a", 1)
	c.Set(PrefixRecord+"b", 2)
	c.Set(PrefixProfile+"a", 3)

	c.Invalidate(PrefixRecord+"a", PrefixRecord+"b")
	if _, ok := c.Get(PrefixRecord + "a"); ok {
		t.Error("record:a survived invalidation")
	}
	if v, ok := Lookup[int](c, PrefixProfile+"a"); !ok || v != 3 {
		t.Errorf("profile:a = %v, %v", v, ok)
	}
}

func TestLookupTypeMismatch(t *testing.T) {
	c := New(time.Minute)
	c.Set("k", "string")
	if _, ok := Lookup[int](c, "k"); ok {
		t.Error("Lookup returned a value of the wrong type")
	}
}

func TestDisabledCache(t *testing.T) {
	c := New(0)
	c.Set("k", 1)
	if _, ok := c.Get("k"); ok {
		t.Error("disabled cache returned a value")
	}
}
