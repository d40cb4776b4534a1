package runner

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/dop251/goja"
)

// newExpect builds the assertion facility handed to submitted code as part
// of its execution context. A failed matcher throws, which the executor
// captures as a failed outcome with the matcher's message.
func newExpect(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return newMatcher(vm, call.Argument(0), false)
	}
}

func newMatcher(vm *goja.Runtime, actual goja.Value, negated bool) *goja.Object {
	obj := vm.NewObject()

	// check throws unless ok matches the matcher's polarity.
	check := func(ok bool, msg string) goja.Value {
		if negated {
			ok = !ok
			msg = strings.Replace(msg, " to ", " not to ", 1)
		}
		if !ok {
			panic(vm.ToValue(msg))
		}
		return goja.Undefined()
	}

	_ = obj.Set("toBe", func(call goja.FunctionCall) goja.Value {
		expected := call.Argument(0)
		return check(actual.StrictEquals(expected),
			fmt.Sprintf("expected %s to be %s", actual.String(), expected.String()))
	})

	_ = obj.Set("toEqual", func(call goja.FunctionCall) goja.Value {
		expected := call.Argument(0)
		return check(reflect.DeepEqual(actual.Export(), expected.Export()),
			fmt.Sprintf("expected %s to equal %s", actual.String(), expected.String()))
	})

	_ = obj.Set("toContain", func(call goja.FunctionCall) goja.Value {
		expected := call.Argument(0)
		ok := false
		switch v := actual.Export().(type) {
		case string:
			ok = strings.Contains(v, expected.String())
		case []interface{}:
			want := expected.Export()
			for _, item := range v {
				if reflect.DeepEqual(item, want) {
					ok = true
					break
				}
			}
		}
		return check(ok, fmt.Sprintf("expected %s to contain %s", actual.String(), expected.String()))
	})

	_ = obj.Set("toHaveLength", func(call goja.FunctionCall) goja.Value {
		want := int(call.Argument(0).ToInteger())
		got := -1
		switch v := actual.Export().(type) {
		case string:
			got = len(v)
		case []interface{}:
			got = len(v)
		}
		return check(got == want,
			fmt.Sprintf("expected %s to have length %d, got %d", actual.String(), want, got))
	})

	_ = obj.Set("toBeTruthy", func(call goja.FunctionCall) goja.Value {
		return check(actual.ToBoolean(), fmt.Sprintf("expected %s to be truthy", actual.String()))
	})

	_ = obj.Set("toBeFalsy", func(call goja.FunctionCall) goja.Value {
		return check(!actual.ToBoolean(), fmt.Sprintf("expected %s to be falsy", actual.String()))
	})

	if !negated {
		_ = obj.Set("not", newMatcher(vm, actual, true))
	}
	return obj
}
