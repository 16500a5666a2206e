package transport

import (
    "fmt"
    "reflect"
    "sort"
)

// SerializeForJSON canonicalizes a value for wire transport: map keys become
// plain strings regardless of their Go type, named string types collapse to
// their string form, and nested maps/slices are converted recursively in
// order. Nil, booleans and numbers pass through unchanged. This is the only
// place the internal and wire representations diverge; protocol logic stays
// free of serialization concerns.
func SerializeForJSON(v interface{}) interface{} {
    if v == nil { return nil }
    rv := reflect.ValueOf(v)
    switch rv.Kind() {
    case reflect.Ptr, reflect.Interface:
        if rv.IsNil() { return nil }
        return SerializeForJSON(rv.Elem().Interface())
    case reflect.Map:
        keys := rv.MapKeys()
        pairs := make([]struct {
            k string
            v interface{}
        }, 0, len(keys))
        for _, k := range keys {
            pairs = append(pairs, struct {
                k string
                v interface{}
            }{stringify(k), SerializeForJSON(rv.MapIndex(k).Interface())})
        }
        sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
        out := make(map[string]interface{}, len(pairs))
        for _, p := range pairs { out[p.k] = p.v }
        return out
    case reflect.Slice, reflect.Array:
        if rv.Kind() == reflect.Slice && rv.IsNil() { return nil }
        out := make([]interface{}, rv.Len())
        for i := 0; i < rv.Len(); i++ {
            out[i] = SerializeForJSON(rv.Index(i).Interface())
        }
        return out
    case reflect.String:
        // collapse named string types (roles, ids) to plain strings
        return rv.String()
    case reflect.Bool:
        return rv.Bool()
    case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
        return rv.Int()
    case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
        return rv.Uint()
    case reflect.Float32, reflect.Float64:
        return rv.Float()
    default:
        return v
    }
}

func stringify(k reflect.Value) string {
    if k.Kind() == reflect.String { return k.String() }
    return fmt.Sprint(k.Interface())
}
