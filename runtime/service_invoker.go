package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime/debug"

	"duplexrpc/message"
)

// ServiceInvoker is the opaque thing that actually services a RequestMessage
// once a Runtime has decided it is addressed locally: it dispatches by
// service and method name and returns either a result or an error. Runtime
// only depends on this interface, never on how an implementation is built —
// invokableService (below) is the reflect-based implementation RegisterService
// constructs, grounded on the teacher's service scanning, but a caller is
// free to supply any other ServiceInvoker to RegisterInvoker.
type ServiceInvoker interface {
	Invoke(ctx context.Context, methodName string, params []json.RawMessage) (json.RawMessage, error)
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// methodInfo is one exported method a invokableService will dispatch to.
// Unlike the teacher's (receiver, *Args, *Reply) error signature, a method
// here takes its arguments positionally — Params[0], Params[1], ... — which
// is what lets proxy.NewClientStub build a calling stub straight off a
// struct of function-typed fields instead of a fixed two-argument shape, and returns
// at most one result plus a trailing error.
type methodInfo struct {
	fn         reflect.Value
	paramTypes []reflect.Type
	takesCtx   bool
	hasResult  bool
}

// invokableService wraps a registered implementation value, scanning its
// exported methods the way the teacher's server.NewService does, but against
// this system's positional-argument, (result, error) method shape rather
// than the teacher's fixed (receiver, *Args, *Reply) error signature.
type invokableService struct {
	name    string
	methods map[string]methodInfo
}

// newInvokableService scans impl's exported methods and keeps the ones
// matching func([context.Context,] arg1, arg2, ...) (result, error) or
// func([context.Context,] arg1, ...) error. Every other exported method is
// silently skipped, the same way the teacher's RegisterMethods drops methods
// that don't match its RPC signature.
func newInvokableService(name string, impl any) (*invokableService, error) {
	v := reflect.ValueOf(impl)
	t := v.Type()
	if t.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("runtime: service %q must be registered as a pointer, got %s", name, t.Kind())
	}

	svc := &invokableService{name: name, methods: make(map[string]methodInfo)}
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		bound := v.Method(i)
		mt := bound.Type()

		numOut := mt.NumOut()
		if numOut == 0 || numOut > 2 {
			continue
		}
		if mt.Out(numOut - 1) != errorType {
			continue
		}

		info := methodInfo{fn: bound, hasResult: numOut == 2}
		numIn := mt.NumIn()
		info.paramTypes = make([]reflect.Type, numIn)
		for j := 0; j < numIn; j++ {
			info.paramTypes[j] = mt.In(j)
		}
		if numIn > 0 && mt.In(0) == contextType {
			info.takesCtx = true
		}

		svc.methods[m.Name] = info
	}
	return svc, nil
}

// Invoke decodes params into methodName's declared argument types, calls it,
// and re-encodes its result. It returns a plain Go error on any mismatch —
// unknown method, wrong argument count, undecodable JSON — which Runtime
// turns into a ResponseMessage error carrying this service/method as the
// remote call site.
func (s *invokableService) Invoke(ctx context.Context, methodName string, params []json.RawMessage) (json.RawMessage, error) {
	info, ok := s.methods[methodName]
	if !ok {
		return nil, fmt.Errorf("unknown method %q on service %q", methodName, s.name)
	}

	expected := len(info.paramTypes)
	if info.takesCtx {
		expected--
	}
	if len(params) != expected {
		return nil, fmt.Errorf("method %q expects %d parameter(s), got %d", methodName, expected, len(params))
	}

	args := make([]reflect.Value, len(info.paramTypes))
	paramIdx := 0
	for i, pt := range info.paramTypes {
		if i == 0 && info.takesCtx {
			args[i] = reflect.ValueOf(ctx)
			continue
		}
		if paramIdx >= len(params) {
			return nil, fmt.Errorf("method %q expects %d parameter(s), got %d", methodName, len(info.paramTypes), len(params))
		}
		argPtr := reflect.New(pt)
		if err := json.Unmarshal(params[paramIdx], argPtr.Interface()); err != nil {
			return nil, fmt.Errorf("decoding parameter %d for %q: %w", paramIdx, methodName, err)
		}
		args[i] = argPtr.Elem()
		paramIdx++
	}

	results := info.fn.Call(args)
	if errVal := results[len(results)-1]; !errVal.IsNil() {
		return nil, errVal.Interface().(error)
	}
	if !info.hasResult {
		return nil, nil
	}
	return json.Marshal(results[0].Interface())
}

// invokeAndRespond runs invoker for req and renders the outcome as a
// ResponseMessage, tagging any error with "at service.method" as the
// remote call site the way message.RemoteError expects. A handler that
// panics (e.g. a divide by zero) is treated the same as one that returns
// an error — this is the only place in the dispatch path that recovers,
// since a business-logic panic must never take down the connection
// goroutine it ran on, let alone the whole process — except that its
// remote rendering also carries the goroutine's stack at the moment of
// the panic, the way a genuine crash report would.
func invokeAndRespond(ctx context.Context, invoker ServiceInvoker, req *message.RequestMessage) (resp *message.ResponseMessage) {
	remote := "at " + req.ServiceName + "." + req.MethodName
	defer func() {
		if r := recover(); r != nil {
			resp = message.NewErrorResponse(req.RequestID, fmt.Sprintf("%v", r), remote+"\n"+string(debug.Stack()))
		}
	}()
	result, err := invoker.Invoke(ctx, req.MethodName, req.Params)
	if err != nil {
		return message.NewErrorResponse(req.RequestID, err.Error(), remote)
	}
	return message.NewResultResponse(req.RequestID, result)
}
