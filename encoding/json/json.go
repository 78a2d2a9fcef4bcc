package json

import (
	"strings"
	"unicode"

	jsoniter "github.com/json-iterator/go"
)

var (
	api = jsoniter.Config{EscapeHTML: true, SortMapKeys: true}.Froze()

	// Field naming for exported struct fields without an explicit json tag.
	NamingStrategy = LowercaseNamingStrategy
)

func init() {
	api.RegisterExtension(&namingExtension{})
}

// Raw encoded JSON value, it's written as is.
type RawMessage = jsoniter.RawMessage

// Parse json bytes.
func ParseJson(body []byte, ptr any) error {
	return api.Unmarshal(body, ptr)
}

// Parse json bytes as T.
func ParseJsonAs[T any](body []byte) (T, error) {
	var t T
	err := ParseJson(body, &t)
	return t, err
}

// Parse json string.
func SParseJson(body string, ptr any) error {
	return api.UnmarshalFromString(body, ptr)
}

// Write json as bytes.
func WriteJson(body any) ([]byte, error) {
	return api.Marshal(body)
}

// Write json as string, string values are returned as is.
func SWriteJson(body any) (string, error) {
	if v, ok := body.(string); ok {
		return v, nil
	}
	return api.MarshalToString(body)
}

// Write json as string, empty string is returned on error.
func TrySWriteJson(body any) string {
	s, err := SWriteJson(body)
	if err != nil {
		return ""
	}
	return s
}

func IsValidJson(b []byte) bool {
	return api.Valid(b)
}

// Change first rune to lower case.
func LowercaseNamingStrategy(name string) string {
	for i, r := range name {
		return string(unicode.ToLower(r)) + name[i+len(string(r)):]
	}
	return name
}

type namingExtension struct {
	jsoniter.DummyExtension
}

func (n *namingExtension) UpdateStructDescriptor(sd *jsoniter.StructDescriptor) {
	for _, b := range sd.Fields {
		fn := b.Field.Name()
		if fn == "" || fn[0] == '_' || unicode.IsLower(rune(fn[0])) {
			continue
		}
		if tag, ok := b.Field.Tag().Lookup("json"); ok {
			name, _, _ := strings.Cut(tag, ",")
			if name != "" {
				continue // hidden or explicitly named
			}
		}
		b.ToNames = []string{NamingStrategy(fn)}
		b.FromNames = []string{NamingStrategy(fn)}
	}
}
