package cfg

import (
	"fmt"
	"reflect"
	"strings"
	"time"
)

// Bind 将解码得到的 map 绑定到结构体，字段名取 cfg tag，缺省时使用小驼峰的字段名
func Bind(data map[string]any, object interface{}) error {
	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("object must be a non-nil pointer")
	}
	return bindStruct(data, rv.Elem())
}

func bindStruct(data map[string]any, rv reflect.Value) error {
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return fmt.Errorf("expected struct, got %v", rv.Kind())
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fieldValue := rv.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		key := field.Tag.Get("cfg")
		if key == "-" {
			continue
		}
		if key == "" {
			key = lowerCamel(field.Name)
		}

		raw, ok := data[key]
		if !ok || raw == nil {
			continue
		}

		if err := bindValue(raw, fieldValue); err != nil {
			return fmt.Errorf("failed to bind field %s: %v", field.Name, err)
		}
	}

	return nil
}

func bindValue(raw any, rv reflect.Value) error {
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		return bindValue(raw, rv.Elem())
	}

	// any 类型的字段保留原始值，留给下游的构造函数解释
	if rv.Kind() == reflect.Interface {
		rv.Set(reflect.ValueOf(raw))
		return nil
	}

	rawValue := reflect.ValueOf(raw)

	switch rv.Kind() {
	case reflect.Struct:
		if m, ok := raw.(map[string]any); ok {
			return bindStruct(m, rv)
		}
		return fmt.Errorf("expected map for struct, got %T", raw)

	case reflect.Map:
		m, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("expected map, got %T", raw)
		}
		result := reflect.MakeMap(rv.Type())
		for k, v := range m {
			elem := reflect.New(rv.Type().Elem()).Elem()
			if err := bindValue(v, elem); err != nil {
				return err
			}
			result.SetMapIndex(reflect.ValueOf(k), elem)
		}
		rv.Set(result)
		return nil

	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok {
			return fmt.Errorf("expected list, got %T", raw)
		}
		slice := reflect.MakeSlice(rv.Type(), len(items), len(items))
		for i, item := range items {
			if err := bindValue(item, slice.Index(i)); err != nil {
				return err
			}
		}
		rv.Set(slice)
		return nil

	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", raw)
		}
		rv.SetString(s)
		return nil

	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("expected bool, got %T", raw)
		}
		rv.SetBool(b)
		return nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// duration 支持 "30s" 这样的字符串
		if rv.Type() == reflect.TypeOf(time.Duration(0)) {
			if s, ok := raw.(string); ok {
				d, err := time.ParseDuration(s)
				if err != nil {
					return fmt.Errorf("invalid duration %q: %v", s, err)
				}
				rv.Set(reflect.ValueOf(d))
				return nil
			}
		}
		if rawValue.CanInt() {
			rv.SetInt(rawValue.Int())
			return nil
		}
		if rawValue.CanFloat() {
			rv.SetInt(int64(rawValue.Float()))
			return nil
		}
		return fmt.Errorf("expected int, got %T", raw)

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if rawValue.CanInt() {
			rv.SetUint(uint64(rawValue.Int()))
			return nil
		}
		if rawValue.CanUint() {
			rv.SetUint(rawValue.Uint())
			return nil
		}
		return fmt.Errorf("expected uint, got %T", raw)

	case reflect.Float32, reflect.Float64:
		if rawValue.CanFloat() {
			rv.SetFloat(rawValue.Float())
			return nil
		}
		if rawValue.CanInt() {
			rv.SetFloat(float64(rawValue.Int()))
			return nil
		}
		return fmt.Errorf("expected float, got %T", raw)
	}

	if rawValue.Type().AssignableTo(rv.Type()) {
		rv.Set(rawValue)
		return nil
	}

	return fmt.Errorf("cannot bind %T to %v", raw, rv.Type())
}

func lowerCamel(name string) string {
	if name == "" {
		return name
	}
	return strings.ToLower(name[:1]) + name[1:]
}
