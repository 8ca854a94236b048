// Copyright (c) 2019 HyperHQ Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package util

import "reflect"

// DeepCompare recursively compares foo and bar, descending into structs,
// maps, and slices field-by-field rather than relying on
// reflect.DeepEqual, which fails outright the moment either value holds
// an incomparable field (a channel, a function, a mutex).
func DeepCompare(foo, bar interface{}) bool {
	return deepCompareValue(reflect.ValueOf(foo), reflect.ValueOf(bar))
}

func deepCompareValue(foo, bar reflect.Value) bool {
	if foo.Kind() != bar.Kind() {
		return false
	}

	switch foo.Kind() {
	case reflect.Struct:
		return compareStruct(foo, bar)
	case reflect.Map:
		return compareMap(foo, bar)
	case reflect.Slice, reflect.Array:
		return compareSlice(foo, bar)
	case reflect.Ptr, reflect.Interface:
		if foo.IsNil() || bar.IsNil() {
			return foo.IsNil() == bar.IsNil()
		}
		return deepCompareValue(foo.Elem(), bar.Elem())
	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		// Not meaningfully comparable; treat identical kinds as equal
		// so an enclosing struct's other fields still get checked.
		return true
	default:
		return foo.Interface() == bar.Interface()
	}
}

func compareStruct(foo, bar reflect.Value) bool {
	if foo.NumField() != bar.NumField() {
		return false
	}
	for i := 0; i < foo.NumField(); i++ {
		if !foo.Field(i).CanInterface() {
			// Unexported field: skip rather than panic on Interface().
			continue
		}
		if !deepCompareValue(foo.Field(i), bar.Field(i)) {
			return false
		}
	}
	return true
}

func compareMap(foo, bar reflect.Value) bool {
	if foo.Len() != bar.Len() {
		return false
	}
	iter := foo.MapRange()
	for iter.Next() {
		k := iter.Key()
		bv := bar.MapIndex(k)
		if !bv.IsValid() {
			return false
		}
		if !deepCompareValue(iter.Value(), bv) {
			return false
		}
	}
	return true
}

func compareSlice(foo, bar reflect.Value) bool {
	if foo.Len() != bar.Len() {
		return false
	}
	for i := 0; i < foo.Len(); i++ {
		if !deepCompareValue(foo.Index(i), bar.Index(i)) {
			return false
		}
	}
	return true
}
