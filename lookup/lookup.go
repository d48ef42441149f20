// Package lookup implements context/frame variable lookup and member
// access (spec.md C6), in synchronous, asynchronous and sequenced
// variants.
//
// Grounded on breadchris-yaegi's scope-chain walk (interp/interp.go's
// frame.anc chain) for variable resolution, generalized to name-keyed
// maps; member access on arbitrary user-supplied Go values uses
// reflect, the idiomatic stdlib mechanism for dynamic field/method
// access — no library in the retrieval pack provides this, since it is
// exactly reflect's reason to exist.
package lookup

import (
	"fmt"
	"reflect"

	"github.com/geleto/cascada-sub004/frame"
	"github.com/geleto/cascada-sub004/poison"
	"github.com/geleto/cascada-sub004/seqlock"
)

// ContextOrFrameLookup resolves name by walking the frame chain,
// matching spec.md's "contextOrFrameLookup". Undefined names resolve to
// (nil, false) rather than an error; callers wanting strict-undefined
// behavior (script mode) should use StrictContextLookup instead.
func ContextOrFrameLookup(fr *frame.Frame, name string) (any, bool) {
	return fr.Get(name)
}

// StrictContextLookup is the script-mode variant: an undefined name is
// an error rather than nil, matching spec.md's script strict-lookup
// note.
func StrictContextLookup(fr *frame.Frame, name string) poison.Value {
	v, ok := fr.Get(name)
	if !ok {
		return poison.Poisoned(fmt.Errorf("%q is not defined", name))
	}
	return poison.Healthy(v)
}

// MemberLookup reads obj.member synchronously. obj may be a map, a
// struct (or pointer to struct, read via its exported fields/methods),
// or a slice/array (member is an index). A missing map key or struct
// field with throwOnUndefined=false resolves to nil, matching Jinja's
// permissive undefined-access semantics; set throwOnUndefined to
// reproduce the strict variant.
func MemberLookup(obj any, member string, throwOnUndefined bool) poison.Value {
	if obj == nil {
		if throwOnUndefined {
			return poison.Poisoned(fmt.Errorf("cannot read %q of undefined", member))
		}
		return poison.Healthy(nil)
	}
	switch v := obj.(type) {
	case map[string]any:
		val, ok := v[member]
		if !ok && throwOnUndefined {
			return poison.Poisoned(fmt.Errorf("%q has no member %q", obj, member))
		}
		return poison.Healthy(val)
	}
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			if throwOnUndefined {
				return poison.Poisoned(fmt.Errorf("cannot read %q of nil", member))
			}
			return poison.Healthy(nil)
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Struct:
		fv := rv.FieldByName(member)
		if fv.IsValid() {
			return poison.Healthy(fv.Interface())
		}
		if m := rv.MethodByName(member); m.IsValid() {
			return poison.Healthy(m.Interface())
		}
	case reflect.Map:
		mv := rv.MapIndex(reflect.ValueOf(member))
		if mv.IsValid() {
			return poison.Healthy(mv.Interface())
		}
	}
	if throwOnUndefined {
		return poison.Poisoned(fmt.Errorf("%T has no member %q", obj, member))
	}
	return poison.Healthy(nil)
}

// MemberLookupAsync is the async-object variant: when obj is itself
// delivered on a channel (the receiver expression was async), this
// waits for it before performing the lookup.
func MemberLookupAsync(objCh <-chan poison.Value, member string, throwOnUndefined bool) <-chan poison.Value {
	out := make(chan poison.Value, 1)
	go func() {
		ov := <-objCh
		if ov.IsPoisoned() {
			out <- ov
			return
		}
		obj, _ := ov.Unwrap()
		out <- MemberLookup(obj, member, throwOnUndefined)
	}()
	return out
}

// SequencedContextLookup reads name through a `!`-marked path's
// sequence lock, guaranteeing this read observes every write issued
// before it in source order (spec.md C8/C6 intersection).
func SequencedContextLookup(fr *frame.Frame, name, lockPath string) poison.Value {
	wait, release := seqlock.AwaitSequenceLock(fr, lockPath)
	wait()
	defer release()
	v, _ := fr.Get(name)
	return poison.Healthy(v)
}

// SequencedMemberLookupAsync is the sequenced variant of
// MemberLookupAsync, used when the member path itself carries a `!`
// marker.
func SequencedMemberLookupAsync(fr *frame.Frame, objCh <-chan poison.Value, member, lockPath string, throwOnUndefined bool) <-chan poison.Value {
	out := make(chan poison.Value, 1)
	go func() {
		wait, release := seqlock.AwaitSequenceLock(fr, lockPath)
		wait()
		defer release()
		ov := <-objCh
		if ov.IsPoisoned() {
			out <- ov
			return
		}
		obj, _ := ov.Unwrap()
		out <- MemberLookup(obj, member, throwOnUndefined)
	}()
	return out
}
