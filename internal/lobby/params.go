package lobby

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	apperrors "github.com/koopa0/system-design/14-lobby-server/pkg/errors"
)

// paramKind 參數型別
type paramKind int

const (
	kindString paramKind = iota
	kindBool
	kindInt
	kindStrings
)

func (k paramKind) String() string {
	switch k {
	case kindString:
		return "string"
	case kindBool:
		return "boolean"
	case kindInt:
		return "integer"
	case kindStrings:
		return "string array"
	default:
		return "unknown"
	}
}

type param struct {
	name     string
	kind     paramKind
	optional bool
}

func required(name string, kind paramKind) param { return param{name: name, kind: kind} }
func optional(name string, kind paramKind) param {
	return param{name: name, kind: kind, optional: true}
}

// params 已驗證的參數
type params map[string]any

// validate 檢查必要參數與型別，回傳正規化後的值
//
// 整數接受 JSON 數字（float64 或 json.Number）與十進位字串。
func validate(specs []param, raw map[string]any) (params, error) {
	out := make(params, len(specs))
	for _, p := range specs {
		v, ok := raw[p.name]
		if !ok || v == nil {
			if p.optional {
				continue
			}
			return nil, apperrors.Newf(apperrors.ErrCodeValidation, "missing parameter %q", p.name)
		}

		val, err := coerce(p.kind, v)
		if err != nil {
			return nil, apperrors.Newf(apperrors.ErrCodeValidation, "parameter %q must be %s", p.name, p.kind)
		}
		out[p.name] = val
	}
	return out, nil
}

func coerce(kind paramKind, v any) (any, error) {
	switch kind {
	case kindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("not a string")
		}
		return s, nil

	case kindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("not a bool")
		}
		return b, nil

	case kindInt:
		return toInt64(v)

	case kindStrings:
		switch list := v.(type) {
		case []string:
			return append([]string{}, list...), nil
		case []any:
			out := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("not a string")
				}
				out = append(out, s)
			}
			return out, nil
		}
		return nil, fmt.Errorf("not a list")
	}
	return nil, fmt.Errorf("unknown kind")
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		if n != math.Trunc(n) || math.Abs(n) > 1<<53 {
			return 0, fmt.Errorf("not an integer")
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return 0, fmt.Errorf("not a number")
}

func (p params) str(name string) string {
	s, _ := p[name].(string)
	return s
}

func (p params) boolean(name string) bool {
	b, _ := p[name].(bool)
	return b
}

func (p params) int64(name string) int64 {
	n, _ := p[name].(int64)
	return n
}

func (p params) strings(name string) []string {
	s, _ := p[name].([]string)
	return s
}

func (p params) has(name string) bool {
	_, ok := p[name]
	return ok
}
