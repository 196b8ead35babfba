package querycache

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Params はクエリキーのパラメータ。値はスカラー（文字列・真偽値・整数・浮動小数点）。
// nilの値は指定なしとして扱う。
type Params map[string]any

// Key はキャッシュのインデックス。Operationはドット区切りのパス
// （例: "tweets.timeline"）、Paramsはその引数。
type Key struct {
	Operation string
	Params    Params
}

// NewKey はKeyを生成する。
func NewKey(operation string, params Params) Key {
	return Key{Operation: operation, Params: params}
}

// String はキーの正規表現を返す。等価なキーは同じ文字列になる。
func (k Key) String() string {
	names := make([]string, 0, len(k.Params))
	for name, v := range k.Params {
		if v == nil {
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return k.Operation
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(k.Operation)
	for i, name := range names {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(strconv.Quote(name))
		b.WriteByte('=')
		b.WriteString(canonicalValue(k.Params[name]))
	}
	return b.String()
}

// Equal は2つのキーが等価かどうかを返す。
func (k Key) Equal(other Key) bool {
	return k.String() == other.String()
}

// canonicalValue は整数型の違いを吸収した値の表現を返す。
func canonicalValue(v any) string {
	switch x := v.(type) {
	case string:
		return "s" + strconv.Quote(x)
	case bool:
		return "b" + strconv.FormatBool(x)
	case int:
		return "i" + strconv.FormatInt(int64(x), 10)
	case int8:
		return "i" + strconv.FormatInt(int64(x), 10)
	case int16:
		return "i" + strconv.FormatInt(int64(x), 10)
	case int32:
		return "i" + strconv.FormatInt(int64(x), 10)
	case int64:
		return "i" + strconv.FormatInt(x, 10)
	case uint:
		return "i" + strconv.FormatUint(uint64(x), 10)
	case uint8:
		return "i" + strconv.FormatUint(uint64(x), 10)
	case uint16:
		return "i" + strconv.FormatUint(uint64(x), 10)
	case uint32:
		return "i" + strconv.FormatUint(uint64(x), 10)
	case uint64:
		return "i" + strconv.FormatUint(x, 10)
	case float32:
		return "f" + strconv.FormatFloat(float64(x), 'g', -1, 32)
	case float64:
		return "f" + strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("x%q", fmt.Sprint(x))
	}
}

// Matcher は無効化の対象を指定する。
//
// Operationはキーの操作名と一致するか、ドット区切りの先頭部分に一致すればよい
// （"tweets" は "tweets.timeline" に一致するが、"timeline" は "timelines" や
// "timeline-tweets" に一致しない）。空のOperationはすべてのキーに一致する。
// Paramsで指定した値はすべて等しくなければならない。
type Matcher struct {
	Operation string
	Params    Params
}

// Match はOperationの前方一致のみで絞るMatcherを返す。
func Match(operation string) Matcher {
	return Matcher{Operation: operation}
}

// Matches はkがmatcherに一致するかを返す。
func (m Matcher) Matches(k Key) bool {
	if m.Operation != "" && k.Operation != m.Operation &&
		!strings.HasPrefix(k.Operation, m.Operation+".") {
		return false
	}
	for name, want := range m.Params {
		if want == nil {
			continue
		}
		got, ok := k.Params[name]
		if !ok || got == nil || canonicalValue(got) != canonicalValue(want) {
			return false
		}
	}
	return true
}

// String はログ出力用の表現を返す。
func (m Matcher) String() string {
	return Key(m).String()
}
