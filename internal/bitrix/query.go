package bitrix

import (
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// EncodeQuery renders params the way the batch endpoint expects sub-command
// arguments: nested maps and slices become key[sub]=value pairs. Keys are sorted
// so the same params always produce the same string.
func EncodeQuery(params map[string]any) string {
	var pairs []string
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		pairs = appendPairs(pairs, k, params[k])
	}
	return strings.Join(pairs, "&")
}

func appendPairs(pairs []string, key string, v any) []string {
	if v == nil {
		return pairs
	}

	switch val := v.(type) {
	case string:
		return append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(val))
	case bool:
		if val {
			return append(pairs, url.QueryEscape(key)+"=1")
		}
		return append(pairs, url.QueryEscape(key)+"=0")
	case int:
		return append(pairs, url.QueryEscape(key)+"="+strconv.Itoa(val))
	case int64:
		return append(pairs, url.QueryEscape(key)+"="+strconv.FormatInt(val, 10))
	case float64:
		return append(pairs, url.QueryEscape(key)+"="+strconv.FormatFloat(val, 'f', -1, 64))
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			pairs = appendPairs(pairs, key+"["+k+"]", val[k])
		}
		return pairs
	case map[string]string:
		nested := make(map[string]any, len(val))
		for k, s := range val {
			nested[k] = s
		}
		return appendPairs(pairs, key, nested)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		for i := 0; i < rv.Len(); i++ {
			pairs = appendPairs(pairs, key+"["+strconv.Itoa(i)+"]", rv.Index(i).Interface())
		}
		return pairs
	}

	return append(pairs, url.QueryEscape(key)+"="+url.QueryEscape(fmt.Sprint(v)))
}
