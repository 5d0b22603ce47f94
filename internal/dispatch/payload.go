package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/orizon-lang/forge/internal/command"
	"github.com/orizon-lang/forge/internal/exception"
)

// Invocation is what a command receives: positional args and parsed options.
type Invocation struct {
	Args    []string
	Options command.Options
}

// Argv flattens the invocation into the argument list of a command run.
func (inv Invocation) Argv() []any {
	argv := make([]any, 0, len(inv.Args)+1)
	for _, a := range inv.Args {
		argv = append(argv, a)
	}

	opts := inv.Options
	if opts == nil {
		opts = command.Options{}
	}

	return append(argv, opts)
}

// Payload is the pure-data form of a dispatch handed to an isolated child.
type Payload struct {
	Entry   string         `json:"entry"`
	Package string         `json:"package"`
	Version string         `json:"version,omitempty"`
	Root    string         `json:"root,omitempty"`
	Args    []string       `json:"args"`
	Options map[string]any `json:"options"`
}

// NewPayload builds the payload for entry and inv, sanitizing the options.
func NewPayload(entry Entry, inv Invocation) Payload {
	args := inv.Args
	if args == nil {
		args = []string{}
	}

	return Payload{
		Entry:   entry.Path,
		Package: entry.Package,
		Version: entry.Version,
		Root:    entry.Root,
		Args:    args,
		Options: Sanitize(inv.Options),
	}
}

func (p Payload) entry() Entry {
	return Entry{Path: p.Entry, Package: p.Package, Version: p.Version, Root: p.Root}
}

// Invocation returns the args and options carried by the payload.
func (p Payload) Invocation() Invocation {
	opts := command.Options(p.Options)
	if opts == nil {
		opts = command.Options{}
	}

	return Invocation{Args: p.Args, Options: opts}
}

// Sanitize returns a JSON-safe copy of opts. Keys starting with "_", the
// "parent" key and values that cannot be serialized are dropped at every
// nesting level.
func Sanitize(opts map[string]any) map[string]any {
	out := make(map[string]any, len(opts))

	for k, v := range opts {
		if droppedKey(k) {
			continue
		}

		if clean, ok := sanitizeValue(reflect.ValueOf(v), 0); ok {
			out[k] = clean
		}
	}

	return out
}

const maxSanitizeDepth = 32

func droppedKey(k string) bool {
	return strings.HasPrefix(k, "_") || k == "parent"
}

func sanitizeValue(v reflect.Value, depth int) (any, bool) {
	if depth > maxSanitizeDepth {
		return nil, false
	}

	if !v.IsValid() {
		return nil, true
	}

	switch v.Kind() {
	case reflect.Func, reflect.Chan, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer, reflect.Uintptr:
		return nil, false
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil, true
		}

		return sanitizeValue(v.Elem(), depth+1)
	case reflect.Bool:
		return v.Bool(), true
	case reflect.String:
		return v.String(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint(), true
	case reflect.Float32, reflect.Float64:
		return v.Float(), true
	case reflect.Map:
		if v.IsNil() {
			return nil, true
		}

		out := make(map[string]any, v.Len())
		iter := v.MapRange()

		for iter.Next() {
			k := fmt.Sprint(iter.Key().Interface())
			if droppedKey(k) {
				continue
			}

			if clean, ok := sanitizeValue(iter.Value(), depth+1); ok {
				out[k] = clean
			}
		}

		return out, true
	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil, true
		}

		out := make([]any, 0, v.Len())

		for i := 0; i < v.Len(); i++ {
			if clean, ok := sanitizeValue(v.Index(i), depth+1); ok {
				out = append(out, clean)
			}
		}

		return out, true
	case reflect.Struct:
		// Structs go through their JSON form, which honours field tags.
		b, err := json.Marshal(v.Interface())
		if err != nil {
			return nil, false
		}

		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return nil, false
		}

		return sanitizeValue(reflect.ValueOf(generic), depth+1)
	default:
		return nil, false
	}
}

// WritePayload stores p as JSON in a new temp file under dir (the system
// temp dir when empty) and returns its path.
func WritePayload(dir string, p Payload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", exception.Wrap(exception.KindExecution, err, "cannot encode payload").WithPackage(p.Package)
	}

	f, err := os.CreateTemp(dir, "forge-payload-*.json")
	if err != nil {
		return "", exception.Wrap(exception.KindExecution, err, "cannot create payload file").WithPackage(p.Package)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())

		return "", exception.Wrap(exception.KindExecution, err, "cannot write payload file").WithPackage(p.Package)
	}

	if err := f.Close(); err != nil {
		os.Remove(f.Name())

		return "", exception.Wrap(exception.KindExecution, err, "cannot write payload file").WithPackage(p.Package)
	}

	return f.Name(), nil
}

// ReadPayload decodes a payload file strictly against the Payload schema.
func ReadPayload(path string) (Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Payload{}, exception.Wrap(exception.KindArgument, err, "cannot read payload")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return Payload{}, exception.Wrap(exception.KindArgument, err, "malformed payload %s", path)
	}

	if p.Entry == "" || p.Package == "" {
		return Payload{}, exception.New(exception.KindArgument, "payload %s is missing entry or package", path)
	}

	return p, nil
}

// flagArgs renders options as --key=value arguments in key order. True
// booleans become bare --key flags and false ones are omitted.
func flagArgs(opts map[string]any) []string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([]string, 0, len(keys))

	for _, k := range keys {
		switch v := opts[k].(type) {
		case nil:
		case bool:
			if v {
				out = append(out, "--"+k)
			}
		case string:
			out = append(out, "--"+k+"="+v)
		default:
			b, err := json.Marshal(v)
			if err != nil {
				continue
			}

			out = append(out, "--"+k+"="+string(b))
		}
	}

	return out
}
