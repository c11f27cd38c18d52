// Copyright (C) 2017 Michael J. Fromberger. All Rights Reserved.

// Package handler adapts ordinary Go functions to the wsrpc.Handler
// signature, and provides a simple method table for registering them.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/creachadair/wsrpc"
	"github.com/creachadair/wsrpc/code"
)

// A Map is a static table of named handlers.
type Map map[string]wsrpc.Handler

// Names returns the method names of m in sorted order.
func (m Map) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Register registers each method of m as a public method of ns. It stops at
// the first name that ns rejects.
func (m Map) Register(ns *wsrpc.Namespace) error {
	for _, name := range m.Names() {
		if err := ns.RegisterMethod(name, m[name]); err != nil {
			return fmt.Errorf("register %q: %w", name, err)
		}
	}
	return nil
}

// New adapts a function to a wsrpc.Handler. The concrete value of fn must be
// a function accepted by Check. The resulting handler decodes the request
// parameters, calls fn, and reports its result or error.
//
// New is intended for use during program initialization, and will panic if
// the type of fn does not have one of the accepted forms. Programs that need
// to check for errors should call Check directly, and use the Wrap method of
// the resulting FuncInfo.
func New(fn any) wsrpc.Handler {
	fi, err := Check(fn)
	if err != nil {
		panic(err)
	}
	return fi.Wrap()
}

var (
	ctxType = reflect.TypeOf((*context.Context)(nil)).Elem() // type context.Context
	errType = reflect.TypeOf((*error)(nil)).Elem()           // type error
	reqType = reflect.TypeOf((*wsrpc.Request)(nil))          // type *wsrpc.Request

	errNoParameters = wsrpc.Errorf(code.InvalidParams, "no parameters accepted")
)

// FuncInfo captures type signature information from a valid handler function.
type FuncInfo struct {
	Type         reflect.Type // the complete function type
	Argument     reflect.Type // the non-context argument type, or nil
	Result       reflect.Type // the non-error result type, or nil
	ReportsError bool         // true if the function reports an error

	posNames []string // struct field names, for array parameters
	fn       any      // the original function value
}

// Wrap adapts the function represented by fi to a wsrpc.Handler. The wrapped
// function can obtain the *wsrpc.Request from its context argument using
// wsrpc.InboundRequest.
//
// This method panics if fi == nil or if it does not represent a valid
// function type. A FuncInfo returned by a successful call to Check is always
// valid.
func (fi *FuncInfo) Wrap() wsrpc.Handler {
	if fi == nil || fi.fn == nil {
		panic("handler: invalid FuncInfo value")
	}

	// If fn already has the handler signature, no reflection is needed.
	if f, ok := fi.fn.(func(context.Context, *wsrpc.Request) (any, error)); ok {
		return f
	} else if f, ok := fi.fn.(wsrpc.Handler); ok {
		return f
	}

	// The helpers below are built once, so that each call of the wrapper does
	// only the reflection its signature requires.
	wrapArg := fi.argWrapper()
	var newInput func(ctx reflect.Value, req *wsrpc.Request) ([]reflect.Value, error)

	switch arg := fi.Argument; {
	case arg == nil:
		newInput = func(ctx reflect.Value, req *wsrpc.Request) ([]reflect.Value, error) {
			if req.HasParams() {
				return nil, errNoParameters
			}
			return []reflect.Value{ctx}, nil
		}

	case arg == reqType:
		newInput = func(ctx reflect.Value, req *wsrpc.Request) ([]reflect.Value, error) {
			return []reflect.Value{ctx, reflect.ValueOf(req)}, nil
		}

	case arg.Kind() == reflect.Ptr:
		newInput = func(ctx reflect.Value, req *wsrpc.Request) ([]reflect.Value, error) {
			in := reflect.New(arg.Elem())
			if err := req.UnmarshalParams(wrapArg(in)); err != nil {
				return nil, paramError(err)
			}
			return []reflect.Value{ctx, in}, nil
		}

	default:
		newInput = func(ctx reflect.Value, req *wsrpc.Request) ([]reflect.Value, error) {
			in := reflect.New(arg)
			if err := req.UnmarshalParams(wrapArg(in)); err != nil {
				return nil, paramError(err)
			}
			return []reflect.Value{ctx, in.Elem()}, nil
		}
	}

	var decodeOut func([]reflect.Value) (any, error)
	switch {
	case fi.Result == nil:
		decodeOut = func(vals []reflect.Value) (any, error) {
			if oerr := vals[0].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return nil, nil
		}
	case !fi.ReportsError:
		decodeOut = func(vals []reflect.Value) (any, error) {
			return vals[0].Interface(), nil
		}
	default:
		decodeOut = func(vals []reflect.Value) (any, error) {
			if oerr := vals[1].Interface(); oerr != nil {
				return nil, oerr.(error)
			}
			return vals[0].Interface(), nil
		}
	}

	call := reflect.ValueOf(fi.fn).Call
	return func(ctx context.Context, req *wsrpc.Request) (any, error) {
		args, ierr := newInput(reflect.ValueOf(ctx), req)
		if ierr != nil {
			return nil, ierr
		}
		return decodeOut(call(args))
	}
}

// Check checks whether fn can serve as a wsrpc.Handler. The concrete value of
// fn must be a function with one of the following type signature schemes, for
// JSON-marshalable types X and Y:
//
//	func(context.Context) error
//	func(context.Context) Y
//	func(context.Context) (Y, error)
//	func(context.Context, X) error
//	func(context.Context, X) Y
//	func(context.Context, X) (Y, error)
//	func(context.Context, *wsrpc.Request) (Y, error)
//
// If fn does not have one of these forms, Check reports an error.
//
// If X is a struct or a pointer to a struct, the wrapper accepts parameters
// as either an object or an array. Array elements are assigned to the
// exported fields of X in declaration order; fields tagged `json:"-"` are
// skipped.
func Check(fn any) (*FuncInfo, error) {
	if fn == nil {
		return nil, errors.New("nil function")
	}
	info := &FuncInfo{Type: reflect.TypeOf(fn), fn: fn}
	if info.Type.Kind() != reflect.Func {
		return nil, errors.New("not a function")
	}

	if np := info.Type.NumIn(); np == 0 || np > 2 {
		return nil, errors.New("wrong number of parameters")
	} else if info.Type.In(0) != ctxType {
		return nil, errors.New("first parameter is not context.Context")
	} else if info.Type.IsVariadic() {
		return nil, errors.New("variadic functions are not supported")
	} else if np == 2 {
		info.Argument = info.Type.In(1)
	}
	info.posNames = structFieldNames(info.Argument)

	no := info.Type.NumOut()
	if no < 1 || no > 2 {
		return nil, errors.New("wrong number of results")
	} else if no == 2 && info.Type.Out(1) != errType {
		return nil, errors.New("result is not of type error")
	}
	info.ReportsError = info.Type.Out(no-1) == errType
	if no == 2 || !info.ReportsError {
		info.Result = info.Type.Out(0)
	}
	return info, nil
}

// structFieldNames returns the JSON names of the eligible fields of atype in
// declaration order, if atype is a struct or pointer to struct.
func structFieldNames(atype reflect.Type) []string {
	if atype == nil {
		return nil
	} else if atype.Kind() == reflect.Ptr {
		atype = atype.Elem()
	}
	if atype.Kind() != reflect.Struct {
		return nil
	}
	var names []string
	for i := 0; i < atype.NumField(); i++ {
		f := atype.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, ok := f.Tag.Lookup("json")
		if tag == "-" {
			continue
		} else if name, _, _ := strings.Cut(tag, ","); ok && name != "" {
			names = append(names, name)
		} else if !f.Anonymous {
			names = append(names, f.Name)
		}
	}
	return names
}

func (fi *FuncInfo) argWrapper() func(reflect.Value) any {
	names := fi.posNames // capture so the wrapper does not pin fi
	if len(names) == 0 {
		return reflect.Value.Interface
	}
	return func(v reflect.Value) any {
		return &arrayStub{v: v.Interface(), posNames: names}
	}
}

// arrayStub wraps a struct value so that it can be decoded from a JSON array
// of positional values as well as from an object.
type arrayStub struct {
	v        any
	posNames []string
}

func (s *arrayStub) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return json.Unmarshal(data, s.v)
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	} else if len(arr) != len(s.posNames) {
		return wsrpc.Errorf(code.InvalidParams, "got %d parameters, want %d", len(arr), len(s.posNames))
	}
	obj := make(map[string]json.RawMessage, len(arr))
	for i, name := range s.posNames {
		obj[name] = arr[i]
	}
	bits, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return json.Unmarshal(bits, s.v)
}

// paramError reports a parameter decoding failure with code InvalidParams.
func paramError(err error) error {
	var werr *wsrpc.Error
	if errors.As(err, &werr) && werr.Code == code.InvalidParams {
		return werr
	}
	return wsrpc.Errorf(code.InvalidParams, "invalid parameters: %v", err)
}
