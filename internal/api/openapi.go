package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the control-plane
// endpoints this server exposes.
func buildOpenAPIDoc(hostID string, withEvents, withMetrics bool) map[string]any {
	errorResponse := func(description string) map[string]any {
		return map[string]any{
			"description": description,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": "#/components/schemas/Error"},
				},
			},
		}
	}
	jsonBody := func(ref string) map[string]any {
		return map[string]any{
			"required": true,
			"content": map[string]any{
				"application/json": map[string]any{
					"schema": map[string]any{"$ref": ref},
				},
			},
		}
	}

	paths := map[string]any{
		"/deploy": map[string]any{
			"post": map[string]any{
				"operationId": "deploy",
				"summary":     "Spawn a worker for a stored deployment",
				"requestBody": jsonBody("#/components/schemas/DeployRequest"),
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Deploy accepted",
						"content": map[string]any{
							"application/json": map[string]any{
								"schema": map[string]any{"$ref": "#/components/schemas/DeployResult"},
							},
						},
					},
					"400": errorResponse("Unknown deployment suffix or invalid body"),
					"500": errorResponse("Install or spawn failure"),
					"504": errorResponse("Install or readiness timeout"),
				},
			},
		},
		"/undeploy": map[string]any{
			"post": map[string]any{
				"operationId": "undeploy",
				"summary":     "Stop the worker serving an application",
				"requestBody": jsonBody("#/components/schemas/UndeployRequest"),
				"responses": map[string]any{
					"200": map[string]any{"description": "Application undeployed"},
					"404": errorResponse("Unknown application"),
				},
			},
		},
		"/inspect": map[string]any{
			"get": map[string]any{
				"operationId": "inspect",
				"summary":     "List registered applications and live workers",
				"responses":   map[string]any{"200": map[string]any{"description": "Applications and workers"}},
			},
		},
		"/validate": map[string]any{
			"get": map[string]any{
				"operationId": "validate",
				"summary":     "Report that deploys are enabled",
				"responses":   map[string]any{"200": map[string]any{"description": "Deploys enabled"}},
			},
		},
		"/readiness": map[string]any{
			"get": map[string]any{
				"operationId": "readiness",
				"responses":   map[string]any{"200": map[string]any{"description": "Ready"}},
			},
		},
		"/healthz": map[string]any{
			"get": map[string]any{
				"operationId": "healthz",
				"responses":   map[string]any{"200": map[string]any{"description": "Health summary"}},
			},
		},
	}
	if withEvents {
		paths["/events"] = map[string]any{
			"get": map[string]any{
				"operationId": "events",
				"summary":     "Server-sent stream of lifecycle events",
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Event stream",
						"content":     map[string]any{"text/event-stream": map[string]any{}},
					},
				},
			},
		}
	}
	if withMetrics {
		paths["/metrics"] = map[string]any{
			"get": map[string]any{
				"operationId": "metrics",
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Prometheus exposition",
						"content":     map[string]any{"text/plain": map[string]any{}},
					},
				},
			},
		}
	}

	str := map[string]any{"type": "string"}
	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":       "deployd",
			"version":     "v1",
			"description": "Deploy control plane on " + hostID,
		},
		"paths": paths,
		"components": map[string]any{
			"schemas": map[string]any{
				"DeployRequest": map[string]any{
					"type":     "object",
					"required": []string{"suffix"},
					"properties": map[string]any{
						"suffix":       str,
						"resourceType": map[string]any{"type": "string", "enum": []string{"Package", "Repository"}},
						"release":      str,
						"env":          map[string]any{"type": "array", "items": str},
						"plan":         str,
						"version":      str,
					},
				},
				"DeployResult": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"prefix":  str,
						"suffix":  str,
						"version": str,
					},
				},
				"UndeployRequest": map[string]any{
					"type":       "object",
					"required":   []string{"suffix"},
					"properties": map[string]any{"suffix": str},
				},
				"Error": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"status":  map[string]any{"type": "string", "enum": []string{"fail", "error"}},
						"message": str,
					},
				},
			},
		},
	}
}
