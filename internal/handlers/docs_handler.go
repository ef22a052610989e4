package handlers

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

// DocsHandler serves an OpenAPI document built from the registered routes
type DocsHandler struct {
	version   string
	routes    func() gin.RoutesInfo
	summaries map[string]string
}

// NewDocsHandler creates a documentation handler. routes is read on every
// request so routes added after construction are listed too.
func NewDocsHandler(version string, routes func() gin.RoutesInfo) *DocsHandler {
	return &DocsHandler{version: version, routes: routes, summaries: routeSummaries}
}

// OpenAPISpec represents the OpenAPI document
type OpenAPISpec struct {
	OpenAPI    string                                 `json:"openapi"`
	Info       OpenAPIInfo                            `json:"info"`
	Paths      map[string]map[string]OpenAPIOperation `json:"paths"`
	Components map[string]any                         `json:"components"`
}

// OpenAPIInfo represents the API information
type OpenAPIInfo struct {
	Title       string `json:"title"`
	Version     string `json:"version"`
	Description string `json:"description"`
}

// OpenAPIOperation is one method on one path
type OpenAPIOperation struct {
	Summary    string                    `json:"summary"`
	Tags       []string                  `json:"tags"`
	Parameters []OpenAPIParameter        `json:"parameters,omitempty"`
	Responses  map[string]map[string]any `json:"responses"`
}

// OpenAPIParameter is a path parameter
type OpenAPIParameter struct {
	Name     string         `json:"name"`
	In       string         `json:"in"`
	Required bool           `json:"required"`
	Schema   map[string]any `json:"schema"`
}

var routeSummaries = map[string]string{
	"GET /health":                             "Health check",
	"POST /api/v1/orders":                     "Create a parent order",
	"GET /api/v1/orders":                      "List the orders of a symbol",
	"GET /api/v1/orders/metrics":              "Order counters",
	"GET /api/v1/orders/:id":                  "Get an order",
	"DELETE /api/v1/orders/:id":               "Cancel an order",
	"POST /api/v1/market/:symbol/price":       "Market price tick",
	"PUT /api/v1/market/:symbol/book":         "Replace the order book",
	"GET /api/v1/market/:symbol/estimate":     "Estimate slippage",
	"GET /api/v1/market/:symbol/optimal-size": "Largest size within a slippage target",
	"GET /api/v1/market/:symbol/calibration":  "Calibration factor",
	"POST /api/v1/venues":                     "Register a venue",
	"GET /api/v1/venues":                      "List venues",
	"GET /api/v1/venues/:id":                  "Get a venue",
	"PUT /api/v1/venues/:id/liquidity":        "Set venue liquidity",
	"PUT /api/v1/venues/:id/availability":     "Set venue availability",
	"GET /api/v1/routing/mode":                "Get the routing cost mode",
	"PUT /api/v1/routing/mode":                "Set the routing cost mode",
	"POST /api/v1/routing/preview":            "Preview a routing decision",
	"POST /api/v1/executions":                 "Start an algorithmic execution",
	"GET /api/v1/executions":                  "List executions",
	"GET /api/v1/executions/:id":              "Execution progress",
	"DELETE /api/v1/executions/:id":           "Cancel an execution",
	"GET /api/v1/slippage/statistics":         "Overall slippage statistics",
	"GET /api/v1/slippage/analysis/:symbol":   "Slippage analysis of a symbol",
	"GET /api/v1/slippage/alerts":             "Slippage alerts",
	"GET /api/v1/slippage/records":            "Slippage records",
	"POST /api/v1/slippage/export":            "Export slippage records",
	"GET /api/v1/events/stream":               "Stream engine events",
	"GET /api/v1/events/stats":                "Event bus counters",
	"GET /api/v1/jobs":                        "Housekeeping jobs",
	"POST /api/v1/jobs/:name/run":             "Run a job now",
}

var pathParam = regexp.MustCompile(`:([A-Za-z_]+)`)

// GetOpenAPIJSON returns the OpenAPI document
func (h *DocsHandler) GetOpenAPIJSON(c *gin.Context) {
	c.JSON(http.StatusOK, h.spec())
}

// GetDocsUI returns a Swagger UI page over the OpenAPI document
func (h *DocsHandler) GetDocsUI(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, docsPage)
}

func (h *DocsHandler) spec() OpenAPISpec {
	routes := h.routes()
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Path != routes[j].Path {
			return routes[i].Path < routes[j].Path
		}
		return routes[i].Method < routes[j].Method
	})

	paths := make(map[string]map[string]OpenAPIOperation)
	for _, r := range routes {
		if strings.HasPrefix(r.Path, "/docs") {
			continue
		}
		path := pathParam.ReplaceAllString(r.Path, "{$1}")
		op := OpenAPIOperation{
			Summary: h.summaries[r.Method+" "+r.Path],
			Tags:    []string{tagOf(r.Path)},
			Responses: map[string]map[string]any{
				"200":     {"description": "Success"},
				"default": {"description": "Error", "content": map[string]any{"application/json": map[string]any{"schema": map[string]any{"$ref": "#/components/schemas/Error"}}}},
			},
		}
		for _, m := range pathParam.FindAllStringSubmatch(r.Path, -1) {
			op.Parameters = append(op.Parameters, OpenAPIParameter{
				Name:     m[1],
				In:       "path",
				Required: true,
				Schema:   map[string]any{"type": "string"},
			})
		}
		if paths[path] == nil {
			paths[path] = make(map[string]OpenAPIOperation)
		}
		paths[path][strings.ToLower(r.Method)] = op
	}

	return OpenAPISpec{
		OpenAPI: "3.0.0",
		Info: OpenAPIInfo{
			Title:       "Execution Engine API",
			Version:     h.version,
			Description: "Conditional orders, smart order routing, algorithmic execution and slippage monitoring.",
		},
		Paths: paths,
		Components: map[string]any{
			"schemas": map[string]any{
				"Error": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"success": map[string]any{"type": "boolean"},
						"error": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"code":    map[string]any{"type": "string"},
								"message": map[string]any{"type": "string"},
								"details": map[string]any{"type": "object"},
							},
						},
					},
				},
			},
		},
	}
}

// tagOf groups /api/v1/<group>/... paths by group
func tagOf(path string) string {
	parts := strings.Split(strings.TrimPrefix(path, "/api/v1/"), "/")
	if parts[0] == "" || strings.HasPrefix(path, "/health") {
		return "system"
	}
	return parts[0]
}

const docsPage = `<!DOCTYPE html>
<html>
<head>
    <title>Execution Engine API</title>
    <link rel="stylesheet" type="text/css" href="https://unpkg.com/swagger-ui-dist@4.15.5/swagger-ui.css" />
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@4.15.5/swagger-ui-bundle.js"></script>
    <script>
        window.onload = function() {
            SwaggerUIBundle({url: '/docs/openapi.json', dom_id: '#swagger-ui', deepLinking: true});
        };
    </script>
</body>
</html>`
