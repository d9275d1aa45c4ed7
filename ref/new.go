package ref

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/hatlonely/dbx/cfg"
)

// constructor 封装注册的构造函数及其签名信息
type constructor struct {
	originalFunc any
	newFunc      reflect.Value
	hasOptions   bool
	optionsType  reflect.Type
	returnsError bool
}

func newConstructor(newFunc any) (*constructor, error) {
	funcValue := reflect.ValueOf(newFunc)
	if funcValue.Kind() != reflect.Func {
		return nil, fmt.Errorf("newFunc must be a function")
	}

	funcType := funcValue.Type()
	numIn := funcType.NumIn()
	numOut := funcType.NumOut()

	// 验证参数数量：0个或1个参数
	if numIn != 0 && numIn != 1 {
		return nil, fmt.Errorf("newFunc must have 0 or 1 input parameters, got %d", numIn)
	}

	// 验证返回值数量：1个或2个返回值
	if numOut != 1 && numOut != 2 {
		return nil, fmt.Errorf("newFunc must have 1 or 2 return values, got %d", numOut)
	}

	hasOptions := numIn == 1
	var optionsType reflect.Type
	if hasOptions {
		optionsType = funcType.In(0)
	}
	returnsError := false

	// 如果有2个返回值，第二个必须是error类型
	if numOut == 2 {
		errorInterface := reflect.TypeOf((*error)(nil)).Elem()
		if !funcType.Out(1).Implements(errorInterface) {
			return nil, fmt.Errorf("second return value must be error type")
		}
		returnsError = true
	}

	return &constructor{
		originalFunc: newFunc,
		newFunc:      funcValue,
		hasOptions:   hasOptions,
		optionsType:  optionsType,
		returnsError: returnsError,
	}, nil
}

func (c *constructor) new(options any) (any, error) {
	var args []reflect.Value

	if c.hasOptions {
		arg, err := c.prepareOptions(options)
		if err != nil {
			return nil, err
		}
		args = []reflect.Value{arg}
	}

	results := c.newFunc.Call(args)

	if c.returnsError {
		obj := results[0].Interface()
		errResult := results[1].Interface()

		if errResult != nil {
			if err, ok := errResult.(error); ok {
				return nil, err
			}
			return nil, fmt.Errorf("second return value is not an error")
		}

		return obj, nil
	}

	return results[0].Interface(), nil
}

// prepareOptions 把传入的选项转换为构造函数的参数类型。
// 配置文件解析出来的选项是 map，绑定到参数结构体后再补默认值。
func (c *constructor) prepareOptions(options any) (reflect.Value, error) {
	if options == nil {
		return reflect.Zero(c.optionsType), nil
	}

	optionsValue := reflect.ValueOf(options)
	if optionsValue.Type().AssignableTo(c.optionsType) {
		return optionsValue, nil
	}

	if data, ok := options.(map[string]any); ok {
		paramType := c.optionsType
		isPtr := paramType.Kind() == reflect.Ptr
		if isPtr {
			paramType = paramType.Elem()
		}
		if paramType.Kind() == reflect.Struct {
			target := reflect.New(paramType)
			if err := cfg.Bind(data, target.Interface()); err != nil {
				return reflect.Value{}, fmt.Errorf("bind options failed: %w", err)
			}
			if err := cfg.SetDefaults(target.Interface()); err != nil {
				return reflect.Value{}, fmt.Errorf("set option defaults failed: %w", err)
			}
			if isPtr {
				return target, nil
			}
			return target.Elem(), nil
		}
	}

	if optionsValue.Type().ConvertibleTo(c.optionsType) {
		return optionsValue.Convert(c.optionsType), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as constructor options %v", options, c.optionsType)
}

var nameConstructorMap sync.Map

func isSameFunc(func1, func2 any) bool {
	if func1 == nil || func2 == nil {
		return func1 == func2
	}

	v1 := reflect.ValueOf(func1)
	v2 := reflect.ValueOf(func2)

	// 比较函数指针
	return v1.Pointer() == v2.Pointer()
}

// Register 注册构造函数，重复注册相同函数时跳过，不同函数时报错
func Register(namespace string, type_ string, newFunc any) error {
	key := namespace + ":" + type_

	if existingValue, ok := nameConstructorMap.Load(key); ok {
		if existingConstructor, ok := existingValue.(*constructor); ok {
			if isSameFunc(existingConstructor.originalFunc, newFunc) {
				return nil
			}
			return fmt.Errorf("constructor for %s:%s already registered with different function", namespace, type_)
		}
	}

	constructor, err := newConstructor(newFunc)
	if err != nil {
		return fmt.Errorf("failed to create constructor: %w", err)
	}

	nameConstructorMap.Store(key, constructor)
	return nil
}

// RegisterT 以类型 T 的包路径和类型名作为命名空间注册构造函数
func RegisterT[T any](newFunc any) error {
	var t T
	tType := reflect.TypeOf(t)

	for tType.Kind() == reflect.Ptr {
		tType = tType.Elem()
	}

	pkgPath := tType.PkgPath()
	typeName := tType.Name()

	if pkgPath == "" || typeName == "" {
		return fmt.Errorf("cannot determine package path or type name for type %T", t)
	}

	return Register(pkgPath, typeName, newFunc)
}

func MustRegister(namespace string, type_ string, newFunc any) {
	if err := Register(namespace, type_, newFunc); err != nil {
		panic(err)
	}
}

func MustRegisterT[T any](newFunc any) {
	if err := RegisterT[T](newFunc); err != nil {
		panic(err)
	}
}

// TypeOptions 类型化的构造选项，用于通过配置选择具体实现
type TypeOptions struct {
	Namespace string `cfg:"namespace"`
	Type      string `cfg:"type"`
	Options   any    `cfg:"options"`
}

// New 根据注册的命名空间和类型名创建对象
func New(namespace string, type_ string, options any) (any, error) {
	key := namespace + ":" + type_
	value, ok := nameConstructorMap.Load(key)
	if !ok {
		return nil, fmt.Errorf("constructor not found for %s:%s", namespace, type_)
	}

	constructor, ok := value.(*constructor)
	if !ok {
		return nil, fmt.Errorf("invalid constructor type for %s:%s", namespace, type_)
	}

	return constructor.new(options)
}

// NewT 根据类型 T 推导命名空间并创建对象
func NewT[T any](options any) (T, error) {
	var t T
	tType := reflect.TypeOf(t)

	for tType.Kind() == reflect.Ptr {
		tType = tType.Elem()
	}

	pkgPath := tType.PkgPath()
	typeName := tType.Name()

	if pkgPath == "" || typeName == "" {
		return t, fmt.Errorf("cannot determine package path or type name for type %T", t)
	}

	obj, err := New(pkgPath, typeName, options)
	if err != nil {
		return t, err
	}

	result, ok := obj.(T)
	if !ok {
		return t, fmt.Errorf("created object is not of type %T", t)
	}

	return result, nil
}
