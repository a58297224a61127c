package cacheop

import (
	"errors"
	"testing"
	"time"

	"github.com/jsoncache/fetchkit/cache"
)

func TestNewDefensivelyCopies(t *testing.T) {
	ops := []CacheOperation{{Kind: OpSet, Key: "u"}}
	state := map[cache.Key]cache.Entry{"u": {Payload: 1}}

	r := New(Params{CacheOperations: ops, NewCacheState: state})

	ops[0] = CacheOperation{Kind: OpDelete, Key: "mutated"}
	state["u"] = cache.Entry{Payload: 999}
	state["intruder"] = cache.Entry{}

	got := r.CacheOperations()
	if got[0].Kind != OpSet || got[0].Key != "u" {
		t.Fatalf("mutating the input slice after New must not affect the result, got %+v", got[0])
	}
	gotState := r.NewCacheState()
	if gotState["u"].Payload != 1 {
		t.Fatal("mutating the input map after New must not affect the result")
	}
	if _, ok := gotState["intruder"]; ok {
		t.Fatal("mutating the input map after New must not affect the result")
	}
}

func TestAccessorsReturnCopies(t *testing.T) {
	r := New(Params{CacheOperations: []CacheOperation{{Kind: OpSet, Key: "u"}}})

	ops := r.CacheOperations()
	ops[0] = CacheOperation{Kind: OpDelete, Key: "mutated"}

	again := r.CacheOperations()
	if again[0].Kind != OpSet || again[0].Key != "u" {
		t.Fatal("mutating a returned slice must not affect subsequent calls")
	}
}

func TestEqualStructuralComparisonWithUncomparablePayload(t *testing.T) {
	payload := map[string]interface{}{"a": []interface{}{1, 2, 3}}

	a := New(Params{
		Success: true,
		Payload: payload,
		CacheOperations: []CacheOperation{
			{Kind: OpSet, Key: "u", Entry: cache.Entry{Payload: payload}},
		},
	})
	b := New(Params{
		Success: true,
		Payload: payload,
		CacheOperations: []CacheOperation{
			{Kind: OpSet, Key: "u", Entry: cache.Entry{Payload: payload}},
		},
	})

	if !Equal(a, b) {
		t.Fatal("expected structurally identical results (with uncomparable payload) to compare equal")
	}
}

func TestEqualComparesErrorsByMessage(t *testing.T) {
	a := New(Params{Err: errors.New("boom")})
	b := New(Params{Err: errors.New("boom")})
	if !Equal(a, b) {
		t.Fatal("expected equal error messages to compare equal")
	}

	c := New(Params{Err: errors.New("different")})
	if Equal(a, c) {
		t.Fatal("expected different error messages to compare unequal")
	}
}

func TestEqualDetectsDifference(t *testing.T) {
	a := New(Params{Success: true, Meta: Meta{Timestamp: time.Unix(1, 0)}})
	b := New(Params{Success: true, Meta: Meta{Timestamp: time.Unix(2, 0)}})
	if Equal(a, b) {
		t.Fatal("expected different Meta to compare unequal")
	}
}
