package worker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/d5/tengo/v2"
)

// interp hosts one Tengo execution against the session scope. The four
// hook functions plus a small set of string helpers are injected; user
// print output is captured in memory, never on the real stdout.
type interp struct {
	job    *Job
	state  map[string]any
	stdout bytes.Buffer
	stderr bytes.Buffer
	calls  []json.RawMessage
	client *http.Client

	injected map[string]bool
}

func newInterp(job *Job, state map[string]any) *interp {
	return &interp{
		job:      job,
		state:    state,
		client:   &http.Client{Timeout: 290 * time.Second},
		injected: make(map[string]bool),
	}
}

// execute compiles and runs the user source, then snapshots the
// post-execution scope. Failures land in the stderr buffer; the prior
// scope is carried forward when the run never started.
func (it *interp) execute(source string) map[string]any {
	script := tengo.NewScript([]byte(source))
	for name, fn := range it.builtins() {
		it.injected[name] = true
		if err := script.Add(name, fn); err != nil {
			fmt.Fprintf(&it.stderr, "failed to inject %s: %v\n", name, err)
		}
	}
	for name, value := range it.state {
		if it.injected[name] {
			continue
		}
		// Values the script engine cannot represent stay in the state
		// file untouched.
		_ = script.Add(name, value)
	}

	compiled, err := script.Compile()
	if err != nil {
		fmt.Fprintf(&it.stderr, "compile error: %v\n", err)
		return it.state
	}
	runErr := compiled.Run()
	if runErr != nil {
		fmt.Fprintf(&it.stderr, "runtime error: %v\n", runErr)
	}

	scope := make(map[string]any, len(it.state))
	for name, value := range it.state {
		scope[name] = value
	}
	for _, v := range compiled.GetAll() {
		name := v.Name()
		if name == "" || it.injected[name] {
			continue
		}
		if isFunction(v.Object()) {
			continue
		}
		scope[name] = fromTengo(v.Object())
	}
	return scope
}

func isFunction(obj tengo.Object) bool {
	switch obj.(type) {
	case *tengo.UserFunction, *tengo.CompiledFunction, *tengo.BuiltinFunction:
		return true
	}
	return false
}

// builtins returns the injected functions: the four hooks, output
// capture, and the string helpers.
func (it *interp) builtins() map[string]*tengo.UserFunction {
	return map[string]*tengo.UserFunction{
		"print":             {Name: "print", Value: it.printFn()},
		"println":           {Name: "println", Value: it.printFn()},
		"llm_query":         {Name: "llm_query", Value: it.llmQuery},
		"llm_query_batched": {Name: "llm_query_batched", Value: it.llmQueryBatched},
		"FINAL_VAR":         {Name: "FINAL_VAR", Value: it.finalVar},
		"SHOW_VARS":         {Name: "SHOW_VARS", Value: it.showVars},
		"load_file":         {Name: "load_file", Value: it.loadFile},
		"from_json":         {Name: "from_json", Value: fromJSONFn},
		"slice":             {Name: "slice", Value: sliceFn},
		"contains":          {Name: "contains", Value: containsFn},
		"split":             {Name: "split", Value: splitFn},
		"join":              {Name: "join", Value: joinFn},
		"find_all":          {Name: "find_all", Value: findAllFn},
		"replace":           {Name: "replace", Value: replaceFn},
		"string":            {Name: "string", Value: stringFn},
	}
}

// printFn writes the space-joined arguments and a trailing newline to
// the captured stdout. print and println behave identically.
func (it *interp) printFn() tengo.CallableFunc {
	return func(args ...tengo.Object) (tengo.Object, error) {
		for i, arg := range args {
			if i > 0 {
				it.stdout.WriteString(" ")
			}
			it.stdout.WriteString(objectToString(arg))
		}
		it.stdout.WriteString("\n")
		return tengo.UndefinedValue, nil
	}
}

// llm_query(prompt, model?) posts to the router and returns the response
// text. Failures come back as "Error: ..." strings so the calling code
// keeps control.
func (it *interp) llmQuery(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	prompt := tengo.ToInterface(args[0])
	var model string
	if len(args) >= 2 {
		model, _ = tengo.ToString(args[1])
	}
	return &tengo.String{Value: it.postQuery(prompt, model)}, nil
}

// llm_query_batched(prompts, model?) posts the whole batch; on failure it
// returns a list of error strings of the requested length.
func (it *interp) llmQueryBatched(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	arr, ok := args[0].(*tengo.Array)
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "first", Expected: "array", Found: args[0].TypeName()}
	}
	prompts := make([]any, len(arr.Value))
	for i, v := range arr.Value {
		prompts[i] = tengo.ToInterface(v)
	}
	var model string
	if len(args) >= 2 {
		model, _ = tengo.ToString(args[1])
	}

	responses := it.postBatched(prompts, model)
	out := make([]tengo.Object, len(responses))
	for i, r := range responses {
		out[i] = &tengo.String{Value: r}
	}
	return &tengo.Array{Value: out}, nil
}

// FINAL_VAR(name) returns the text form of the named state variable. For
// an unknown name it returns empty and leaves a diagnostic on stderr
// listing what is available.
func (it *interp) finalVar(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	raw, _ := tengo.ToString(args[0])
	name := stripQuotes(strings.TrimSpace(raw))

	if value, ok := it.state[name]; ok && !reserved(name) {
		return &tengo.String{Value: valueText(value)}, nil
	}

	names := it.stateNames()
	available := "(none)"
	if len(names) > 0 {
		available = strings.Join(names, ", ")
	}
	fmt.Fprintf(&it.stderr,
		"Error: variable '%s' is not defined. Available variables: %s. Assign your answer to a variable before using FINAL_VAR.\n",
		name, available)
	return &tengo.String{Value: ""}, nil
}

// SHOW_VARS() maps non-reserved identifier names to their value's type.
func (it *interp) showVars(args ...tengo.Object) (tengo.Object, error) {
	vars := make(map[string]tengo.Object)
	for _, name := range it.stateNames() {
		vars[name] = &tengo.String{Value: typeName(it.state[name])}
	}
	return &tengo.Map{Value: vars}, nil
}

func (it *interp) stateNames() []string {
	names := make([]string, 0, len(it.state))
	for name := range it.state {
		if reserved(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// load_file(path) reads a side file from the scratch directory.
func (it *interp) loadFile(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	path, _ := tengo.ToString(args[0])
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load_file: %w", err)
	}
	return &tengo.String{Value: string(data)}, nil
}

func fromJSONFn(args ...tengo.Object) (tengo.Object, error) {
	if len(args) != 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	s, _ := tengo.ToString(args[0])
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, fmt.Errorf("from_json: %w", err)
	}
	return tengo.FromInterface(v)
}

func (it *interp) postQuery(prompt any, model string) string {
	data, err := it.post("/llm_query", map[string]any{
		"prompt": prompt,
		"model":  model,
		"depth":  it.job.Depth,
	})
	if err != nil {
		return "Error: " + err.Error()
	}

	var out struct {
		Response string          `json:"response"`
		RLMCall  json.RawMessage `json:"rlm_call"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "Error: " + err.Error()
	}
	if len(out.RLMCall) > 0 && string(out.RLMCall) != "null" {
		it.calls = append(it.calls, out.RLMCall)
	}
	return out.Response
}

func (it *interp) postBatched(prompts []any, model string) []string {
	data, err := it.post("/llm_query_batched", map[string]any{
		"prompts": prompts,
		"model":   model,
		"depth":   it.job.Depth,
	})
	if err != nil {
		return errorList(len(prompts), err)
	}

	var out struct {
		Responses []string          `json:"responses"`
		RLMCalls  []json.RawMessage `json:"rlm_calls"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return errorList(len(prompts), err)
	}
	it.calls = append(it.calls, out.RLMCalls...)
	return out.Responses
}

func errorList(n int, err error) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "Error: " + err.Error()
	}
	return out
}

// post issues one hook request and returns the response body, turning
// transport failures and error statuses into errors.
func (it *interp) post(path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := it.client.Post(it.job.RouterURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return nil, fmt.Errorf("%s", e.Error)
		}
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, path)
	}
	return data, nil
}

// stripQuotes removes one pair of matching quotes.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'' || first == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func typeName(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "bool"
	case int, int64:
		return "int"
	case float64:
		return "float"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	case nil:
		return "undefined"
	default:
		return fmt.Sprintf("%T", value)
	}
}

// String helper builtins, shared by every execution.

func sliceFn(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 3 {
		return nil, tengo.ErrWrongNumArguments
	}
	s, ok := tengo.ToString(args[0])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "first", Expected: "string", Found: args[0].TypeName()}
	}
	start, ok := tengo.ToInt(args[1])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "second", Expected: "int", Found: args[1].TypeName()}
	}
	end, ok := tengo.ToInt(args[2])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "third", Expected: "int", Found: args[2].TypeName()}
	}
	if start < 0 {
		start = 0
	}
	if end > len(s) {
		end = len(s)
	}
	if start > end {
		return &tengo.String{Value: ""}, nil
	}
	return &tengo.String{Value: s[start:end]}, nil
}

func containsFn(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	s, ok := tengo.ToString(args[0])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "first", Expected: "string", Found: args[0].TypeName()}
	}
	substr, ok := tengo.ToString(args[1])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "second", Expected: "string", Found: args[1].TypeName()}
	}
	if strings.Contains(s, substr) {
		return tengo.TrueValue, nil
	}
	return tengo.FalseValue, nil
}

func splitFn(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	s, ok := tengo.ToString(args[0])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "first", Expected: "string", Found: args[0].TypeName()}
	}
	sep, ok := tengo.ToString(args[1])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "second", Expected: "string", Found: args[1].TypeName()}
	}
	parts := strings.Split(s, sep)
	arr := make([]tengo.Object, len(parts))
	for i, p := range parts {
		arr[i] = &tengo.String{Value: p}
	}
	return &tengo.Array{Value: arr}, nil
}

func joinFn(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	arr, ok := args[0].(*tengo.Array)
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "first", Expected: "array", Found: args[0].TypeName()}
	}
	sep, ok := tengo.ToString(args[1])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "second", Expected: "string", Found: args[1].TypeName()}
	}
	strs := make([]string, len(arr.Value))
	for i, v := range arr.Value {
		strs[i] = objectToString(v)
	}
	return &tengo.String{Value: strings.Join(strs, sep)}, nil
}

func findAllFn(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 2 {
		return nil, tengo.ErrWrongNumArguments
	}
	pattern, ok := tengo.ToString(args[0])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "first", Expected: "string", Found: args[0].TypeName()}
	}
	text, ok := tengo.ToString(args[1])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "second", Expected: "string", Found: args[1].TypeName()}
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid regex: %v", err)
	}
	matches := re.FindAllString(text, -1)
	arr := make([]tengo.Object, len(matches))
	for i, m := range matches {
		arr[i] = &tengo.String{Value: m}
	}
	return &tengo.Array{Value: arr}, nil
}

func replaceFn(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 3 {
		return nil, tengo.ErrWrongNumArguments
	}
	s, ok := tengo.ToString(args[0])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "first", Expected: "string", Found: args[0].TypeName()}
	}
	old, ok := tengo.ToString(args[1])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "second", Expected: "string", Found: args[1].TypeName()}
	}
	repl, ok := tengo.ToString(args[2])
	if !ok {
		return nil, tengo.ErrInvalidArgumentType{Name: "third", Expected: "string", Found: args[2].TypeName()}
	}
	return &tengo.String{Value: strings.ReplaceAll(s, old, repl)}, nil
}

func stringFn(args ...tengo.Object) (tengo.Object, error) {
	if len(args) < 1 {
		return nil, tengo.ErrWrongNumArguments
	}
	return &tengo.String{Value: objectToString(args[0])}, nil
}

// fromTengo converts a Tengo object to a plain Go value.
func fromTengo(obj tengo.Object) any {
	switch v := obj.(type) {
	case *tengo.String:
		return v.Value
	case *tengo.Int:
		return int(v.Value)
	case *tengo.Float:
		return v.Value
	case *tengo.Bool:
		return !v.IsFalsy()
	case *tengo.Array:
		arr := make([]any, len(v.Value))
		for i, item := range v.Value {
			arr[i] = fromTengo(item)
		}
		return arr
	case *tengo.Map:
		m := make(map[string]any, len(v.Value))
		for k, item := range v.Value {
			m[k] = fromTengo(item)
		}
		return m
	case *tengo.Undefined:
		return nil
	default:
		return obj.String()
	}
}

// objectToString renders a Tengo object for print output.
func objectToString(obj tengo.Object) string {
	switch v := obj.(type) {
	case *tengo.String:
		return v.Value
	case *tengo.Int:
		return fmt.Sprintf("%d", v.Value)
	case *tengo.Float:
		return fmt.Sprintf("%g", v.Value)
	case *tengo.Bool:
		if !v.IsFalsy() {
			return "true"
		}
		return "false"
	case *tengo.Undefined:
		return "undefined"
	default:
		return obj.String()
	}
}
