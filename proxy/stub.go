// Package proxy turns a typed service description into a working RPC
// client without any hand-written call-site boilerplate: one method
// invocation in, one RequestMessage/ResponseMessage round trip through a
// runtime.Runtime out.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"duplexrpc/halerr"
	"duplexrpc/message"
	"duplexrpc/runtime"
)

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// NewClientStub builds a typed client for the service at endpoint.
//
// T must be a struct type whose exported fields are function types, one
// per remote method, shaped (context.Context?, args...) (Result, error) or
// (context.Context?, args...) error. This stands in for the interface type
// the transparent-proxy idea describes: reflect.MakeFunc can populate a
// struct field with a generated function, but reflect has no way to
// synthesize a new type that implements an arbitrary interface at runtime,
// so T is realized as a plain struct rather than an interface.
//
// The field name becomes the remote MethodName; T's own type name becomes
// the remote ServiceName, the same pair a server-side RegisterService call
// for this service would have been registered under.
func NewClientStub[T any](rt *runtime.Runtime, endpoint message.Endpoint) T {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil || t.Kind() != reflect.Struct {
		panic("proxy: NewClientStub requires T to be a struct of function-typed fields")
	}

	stub := reflect.New(t).Elem()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Type.Kind() != reflect.Func {
			continue
		}
		fn, err := buildMethod(rt, endpoint, t.Name(), field.Name, field.Type)
		if err != nil {
			panic("proxy: " + err.Error())
		}
		stub.Field(i).Set(fn)
	}
	return stub.Interface().(T)
}

// buildMethod returns a reflect.MakeFunc value implementing one remote
// call, shaped to match fnType exactly so it can be assigned straight into
// the stub's field.
func buildMethod(rt *runtime.Runtime, endpoint message.Endpoint, serviceName, fieldName string, fnType reflect.Type) (reflect.Value, error) {
	takesCtx := fnType.NumIn() > 0 && fnType.In(0) == contextType

	numOut := fnType.NumOut()
	if numOut == 0 || numOut > 2 || fnType.Out(numOut-1) != errorType {
		return reflect.Value{}, fmt.Errorf("field %s: must return (Result, error) or (error)", fieldName)
	}
	hasResult := numOut == 2

	impl := func(in []reflect.Value) []reflect.Value {
		ctx := context.Background()
		args := in
		if takesCtx {
			if c, ok := in[0].Interface().(context.Context); ok && c != nil {
				ctx = c
			}
			args = in[1:]
		}

		params := make([]json.RawMessage, len(args))
		for i, a := range args {
			raw, err := json.Marshal(a.Interface())
			if err != nil {
				return errorResults(fnType, hasResult, fmt.Errorf("proxy: marshal argument %d of %s.%s: %w", i, serviceName, fieldName, err))
			}
			params[i] = raw
		}

		req := message.NewRequestMessage("", endpoint, serviceName, fieldName, params)
		resp, err := rt.SendOutgoingRequest(ctx, req)
		if err != nil {
			return errorResults(fnType, hasResult, err)
		}
		if resp.IsError() {
			return errorResults(fnType, hasResult, &halerr.RemoteError{Message: resp.Err.Message, Remote: resp.Err.Remote})
		}

		out := make([]reflect.Value, numOut)
		if hasResult {
			resultPtr := reflect.New(fnType.Out(0))
			if len(resp.Result) > 0 {
				if err := json.Unmarshal(resp.Result, resultPtr.Interface()); err != nil {
					return errorResults(fnType, hasResult, fmt.Errorf("proxy: unmarshal result of %s.%s: %w", serviceName, fieldName, err))
				}
			}
			out[0] = resultPtr.Elem()
		}
		out[numOut-1] = reflect.Zero(errorType)
		return out
	}

	return reflect.MakeFunc(fnType, impl), nil
}

// errorResults builds a MakeFunc return-value slice shaped like fnType,
// with any result slot zeroed and the trailing error slot set to err.
func errorResults(fnType reflect.Type, hasResult bool, err error) []reflect.Value {
	out := make([]reflect.Value, fnType.NumOut())
	if hasResult {
		out[0] = reflect.Zero(fnType.Out(0))
	}
	out[len(out)-1] = reflect.ValueOf(err)
	return out
}
