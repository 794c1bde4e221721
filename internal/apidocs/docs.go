// Package apidocs registers the OpenAPI 2.0 document served by the swagger
// UI. Paths are listed in routes; schemas are derived from pkg/types.
package apidocs

import (
	"reflect"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/swaggo/swag"

	"peerd/pkg/types"
)

const header = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {"name": "peerd maintainers"},
        "license": {"name": "MIT", "url": "https://opensource.org/licenses/MIT"},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
`

// SwaggerInfo holds exported Swagger Info so clients can modify it.
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	BasePath:         "/",
	Schemes:          []string{"http"},
	Title:            "peerd API",
	Description:      "HTTP API for on-device model loading, generation and preloading.",
	InfoInstanceName: "swagger",
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

type param struct {
	name, in, typ, desc string
	required            bool
}

type route struct {
	method, path, summary, tag string
	body                       any
	params                     []param
	ok                         int
	resp                       any
	produces                   string
	errs                       []int
}

var routes = []route{
	{method: "get", path: "/models", tag: "models", summary: "List imported models", ok: 200, resp: types.ModelsResponse{}, errs: []int{500}},
	{method: "delete", path: "/models", tag: "models", summary: "Remove a model from the catalog", body: types.DeleteModelRequest{}, ok: 204, errs: []int{400, 404, 409}},
	{method: "post", path: "/models/import", tag: "models", summary: "Import a local model file", body: types.ImportRequest{}, ok: 201, resp: types.Model{}, errs: []int{400, 404}},
	{method: "get", path: "/models/estimate", tag: "models", summary: "Accelerator estimate for a model", params: []param{
		{name: "path", in: "query", typ: "string", required: true},
		{name: "context_length", in: "query", typ: "integer"},
	}, ok: 200, resp: types.EstimateResponse{}, errs: []int{400, 404}},
	{method: "get", path: "/status", tag: "runtime", summary: "Runtime status", ok: 200, resp: types.StatusResponse{}},
	{method: "post", path: "/load", tag: "runtime", summary: "Load a model with fallback", body: types.LoadRequest{}, ok: 200, resp: types.LoadResponse{}, errs: []int{400, 404, 409, 499, 500, 503, 504}},
	{method: "post", path: "/load/cancel", tag: "runtime", summary: "Cancel the running load", ok: 202, errs: []int{409}},
	{method: "post", path: "/unload", tag: "runtime", summary: "Unload the current model", ok: 204, errs: []int{409}},
	{method: "get", path: "/events", tag: "runtime", summary: "Load progress, cache stats and preload status over WebSocket", ok: 101, resp: types.Event{}},
	{method: "post", path: "/generate", tag: "generation", summary: "Stream a completion as NDJSON", body: types.GenerateRequest{}, ok: 200, resp: types.GenerateChunk{}, produces: "application/x-ndjson", errs: []int{400, 409, 429, 499, 500, 504}},
	{method: "get", path: "/preload", tag: "preload", summary: "Preload status", ok: 200, resp: types.PreloadResponse{}},
	{method: "post", path: "/preload", tag: "preload", summary: "Schedule a background preload", body: types.PreloadRequest{}, ok: 202, resp: types.PreloadDecision{}, errs: []int{400}},
	{method: "get", path: "/cache/stats", tag: "cache", summary: "Conversation state cache counters", ok: 200, resp: types.CacheStats{}},
	{method: "delete", path: "/cache/{id}", tag: "cache", summary: "Forget one conversation", params: []param{
		{name: "id", in: "path", typ: "integer", required: true},
	}, ok: 204, errs: []int{400, 404}},
	{method: "delete", path: "/cache", tag: "cache", summary: "Clear the conversation state cache", ok: 204},
	{method: "get", path: "/healthz", tag: "ops", summary: "Liveness probe", ok: 200, produces: "text/plain"},
	{method: "get", path: "/readyz", tag: "ops", summary: "Readiness probe", ok: 200, produces: "text/plain", errs: []int{503}},
	{method: "get", path: "/metrics", tag: "ops", summary: "Prometheus metrics", ok: 200, produces: "text/plain"},
}

func init() {
	SwaggerInfo.SwaggerTemplate = buildTemplate()
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}

func buildTemplate() string {
	defs := map[string]any{}
	paths := map[string]map[string]any{}
	for _, rt := range routes {
		op := map[string]any{
			"summary":  rt.summary,
			"tags":     []string{rt.tag},
			"produces": []string{orJSON(rt.produces)},
		}
		var params []map[string]any
		for _, p := range rt.params {
			m := map[string]any{"name": p.name, "in": p.in, "type": p.typ, "required": p.required}
			if p.desc != "" {
				m["description"] = p.desc
			}
			params = append(params, m)
		}
		if rt.body != nil {
			op["consumes"] = []string{"application/json"}
			params = append(params, map[string]any{
				"name": "request", "in": "body", "required": true,
				"schema": ref(reflect.TypeOf(rt.body), defs),
			})
		}
		if params != nil {
			op["parameters"] = params
		}
		responses := map[string]any{}
		ok := map[string]any{"description": statusText(rt.ok)}
		if rt.resp != nil {
			ok["schema"] = ref(reflect.TypeOf(rt.resp), defs)
		}
		responses[strconv.Itoa(rt.ok)] = ok
		for _, code := range rt.errs {
			responses[strconv.Itoa(code)] = map[string]any{
				"description": statusText(code),
				"schema":      ref(reflect.TypeOf(types.ErrorResponse{}), defs),
			}
		}
		op["responses"] = responses
		if paths[rt.path] == nil {
			paths[rt.path] = map[string]any{}
		}
		paths[rt.path][rt.method] = op
	}
	p, _ := json.MarshalIndent(paths, "    ", "    ")
	d, _ := json.MarshalIndent(defs, "    ", "    ")
	return header + `    "paths": ` + string(p) + ",\n    \"definitions\": " + string(d) + "\n}"
}

func orJSON(s string) string {
	if s == "" {
		return "application/json"
	}
	return s
}

func statusText(code int) string {
	switch code {
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 409:
		return "Conflict"
	case 429:
		return "Too Many Requests"
	case 499:
		return "Client Closed Request"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	}
	return "Internal Server Error"
}

// ref registers t (a struct from pkg/types) and returns a $ref to it.
func ref(t reflect.Type, defs map[string]any) map[string]any {
	name := "types." + t.Name()
	if _, ok := defs[name]; !ok {
		defs[name] = nil
		defs[name] = objectSchema(t, defs)
	}
	return map[string]any{"$ref": "#/definitions/" + name}
}

func objectSchema(t reflect.Type, defs map[string]any) map[string]any {
	props := map[string]any{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "" || name == "-" {
			continue
		}
		s := schema(f.Type, defs)
		if ex, ok := f.Tag.Lookup("example"); ok && s["$ref"] == nil {
			s["example"] = example(f.Type, ex)
		}
		props[name] = s
	}
	return map[string]any{"type": "object", "properties": props}
}

func schema(t reflect.Type, defs map[string]any) map[string]any {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.Struct:
		return ref(t, defs)
	case reflect.Slice:
		return map[string]any{"type": "array", "items": schema(t.Elem(), defs)}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint64:
		return map[string]any{"type": "integer"}
	case reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	}
	return map[string]any{"type": "string"}
}

// example converts an example tag to the field's JSON type so the UI shows
// numbers and arrays unquoted.
func example(t reflect.Type, raw string) any {
	var v any
	switch t.Kind() {
	case reflect.String:
		return raw
	case reflect.Pointer:
		return example(t.Elem(), raw)
	}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
