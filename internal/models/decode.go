package models

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"github.com/mitchellh/mapstructure"

	"itinder-backend/internal/errs"
)

// Decode converts a JSON-shaped store value into out, which must be a
// pointer. Anything that does not fit is reported as errs.ErrMalformed.
func Decode(op string, value any, out any) error {
	if _, ok := value.(map[string]any); !ok {
		return errs.E(op, errs.ErrMalformed, fmt.Errorf("expected an object, got %T", value))
	}
	return decode(op, value, out)
}

// DecodeIDs decodes a stored list of user ids such as likes or matches. An
// absent list decodes to nil.
func DecodeIDs(op string, value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	var ids []string
	if err := decode(op, value, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func decode(op string, value any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook:       keyedListHook,
		Result:           out,
	})
	if err != nil {
		return errs.E(op, errs.ErrMalformed, err)
	}
	if err := dec.Decode(value); err != nil {
		return errs.E(op, errs.ErrMalformed, err)
	}
	return nil
}

// DecodeUser decodes users/{key}. Records written without an identifier take
// it from their key.
func DecodeUser(key string, value any) (*User, error) {
	var u User
	if err := Decode("decode user", value, &u); err != nil {
		return nil, err
	}
	if u.Identifier == "" {
		u.Identifier = key
	}
	return &u, nil
}

// keyedListHook lets a list field read a map keyed by index, which is how the
// realtime database returns a list after an element has been removed. Other
// keys are taken in key order.
func keyedListHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.Map || to.Kind() != reflect.Slice {
		return data, nil
	}
	m, ok := data.(map[string]interface{})
	if !ok {
		return data, nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.Atoi(keys[i])
		b, errB := strconv.Atoi(keys[j])
		if errA == nil && errB == nil {
			return a < b
		}
		if (errA == nil) != (errB == nil) {
			return errA == nil
		}
		return keys[i] < keys[j]
	})

	out := make([]interface{}, 0, len(keys))
	for _, k := range keys {
		if m[k] != nil {
			out = append(out, m[k])
		}
	}
	return out, nil
}
