package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// MergeFromEnv overrides fields of cfg that carry an `env` tag with the values of
// the matching environment variables. Nested structs are walked recursively.
func MergeFromEnv(cfg any) error {
	return MergeFromLookup(cfg, os.LookupEnv)
}

// MergeFromLookup is MergeFromEnv with an explicit variable source.
func MergeFromLookup(cfg any, lookup LookupFunc) error {
	return mergeEnv(reflect.ValueOf(cfg), lookup)
}

var durationType = reflect.TypeOf(time.Duration(0))

func mergeEnv(v reflect.Value, lookup LookupFunc) error {
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := mergeEnv(field, lookup); err != nil {
				return err
			}
			continue
		}

		key := t.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		value, ok := lookup(key)
		if !ok || value == "" {
			continue
		}
		if err := setField(field, value); err != nil {
			return &envError{key: key, err: err}
		}
	}
	return nil
}

type envError struct {
	key string
	err error
}

func (e *envError) Error() string { return fmt.Sprintf("env %s: %v", e.key, e.err) }
func (e *envError) Unwrap() error { return e.err }

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", field.Type())
		}
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))

	default:
		return fmt.Errorf("unsupported type %s", field.Kind())
	}
	return nil
}
