package valuecodec

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

//Decode renders a raw value read from the server according to the rules of its data type
func Decode(raw interface{}, dt DataType) string {
	if raw == nil {
		return ""
	}

	if obj, ok := asObject(raw); ok {
		if inner, found := field(obj, "text"); found {
			return Decode(inner, dt)
		}
		if inner, found := field(obj, "value"); found {
			return Decode(inner, dt)
		}
		return dump(raw)
	}

	switch dt.Family() {
	case FamilyBoolean:
		if truthy(raw) {
			return "true"
		}
		return "false"
	case FamilyInteger:
		return formatInteger(raw)
	case FamilyFloat:
		if f, ok := toFloat(raw); ok {
			return strconv.FormatFloat(f, 'f', 2, 64)
		}
	}

	return Text(raw)
}

//Text is the generic stringification used for unknown types and for persisting raw values
func Text(raw interface{}) string {
	switch v := raw.(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339Nano)
	case fmt.Stringer:
		return v.String()
	case error:
		return v.Error()
	}

	switch reflect.ValueOf(raw).Kind() {
	case reflect.Map, reflect.Struct, reflect.Slice, reflect.Array, reflect.Ptr:
		return dump(raw)
	}

	return fmt.Sprint(raw)
}

func formatInteger(raw interface{}) string {
	switch v := raw.(type) {
	case int:
		return strconv.FormatInt(int64(v), 10)
	case int8:
		return strconv.FormatInt(int64(v), 10)
	case int16:
		return strconv.FormatInt(int64(v), 10)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint8:
		return strconv.FormatUint(uint64(v), 10)
	case uint16:
		return strconv.FormatUint(uint64(v), 10)
	case uint32:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	}

	if f, ok := toFloat(raw); ok {
		return strconv.FormatFloat(math.Round(f), 'f', 0, 64)
	}

	return Text(raw)
}

func toFloat(raw interface{}) (float64, bool) {
	switch v := raw.(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func truthy(raw interface{}) bool {
	switch v := raw.(type) {
	case bool:
		return v
	case string:
		return isTrueWord(v)
	}

	if f, ok := toFloat(raw); ok {
		return f != 0
	}

	return raw != nil
}

// asObject reports whether raw is structured (a map or a struct) and, if so,
// returns it as a generic object.
func asObject(raw interface{}) (map[string]interface{}, bool) {
	if m, ok := raw.(map[string]interface{}); ok {
		return m, true
	}

	if _, ok := raw.(time.Time); ok {
		return nil, false
	}

	rv := reflect.ValueOf(raw)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	if rv.Kind() != reflect.Struct && rv.Kind() != reflect.Map {
		return nil, false
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}

	obj := map[string]interface{}{}
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, false
	}

	return obj, true
}

func field(obj map[string]interface{}, name string) (interface{}, bool) {
	for k, v := range obj {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return nil, false
}

func dump(raw interface{}) string {
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Sprintf("%+v", raw)
	}
	return string(b)
}
