// Package docs registers the OpenAPI document of the admin API with swag.
// Keep it in line with the godoc annotations in the http package.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {
            "name": "Calsynch OSS",
            "url": "https://github.com/custodia-labs/calsynch/issues"
        },
        "license": {
            "name": "Apache 2.0",
            "url": "http://www.apache.org/licenses/LICENSE-2.0.html"
        },
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/subscriptions": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Subscriptions"],
                "summary": "List subscriptions",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/http.SubscriptionListResponse"}}
                }
            },
            "post": {
                "security": [{"BearerAuth": []}],
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Subscriptions"],
                "summary": "Create subscription",
                "parameters": [
                    {"description": "Subscription", "name": "request", "in": "body", "required": true, "schema": {"$ref": "#/definitions/driving.SubscribeRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/driving.SubscribeResponse"}},
                    "202": {"description": "Queued for retry", "schema": {"$ref": "#/definitions/driving.SubscribeResponse"}},
                    "400": {"description": "Invalid request", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "409": {"description": "Subscription already exists", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "422": {"description": "An end rejected the subscription", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "503": {"description": "Engine not accepting work", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/subscriptions/{id}": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Subscriptions"],
                "summary": "Get subscription",
                "parameters": [{"type": "string", "description": "Subscription ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.Subscription"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            },
            "delete": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Subscriptions"],
                "summary": "Delete subscription",
                "parameters": [{"type": "string", "description": "Subscription ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/http.StatusResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/subscriptions/{id}/refresh": {
            "post": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Subscriptions"],
                "summary": "Refresh subscription",
                "parameters": [{"type": "string", "description": "Subscription ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/http.StatusResponse"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/subscriptions/{id}/status": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Subscriptions"],
                "summary": "Subscription status",
                "parameters": [{"type": "string", "description": "Subscription ID", "name": "id", "in": "path", "required": true}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/domain.SubscriptionStatus"}},
                    "404": {"description": "Not Found", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        },
        "/stats": {
            "get": {
                "security": [{"BearerAuth": []}],
                "produces": ["application/json"],
                "tags": ["Engine"],
                "summary": "Engine counters",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/http.StatsResponse"}}
                }
            }
        },
        "/callbacks/{connector}": {
            "post": {
                "consumes": ["application/json"],
                "tags": ["Callbacks"],
                "summary": "Connector callback",
                "parameters": [{"type": "string", "description": "Connector ID", "name": "connector", "in": "path", "required": true}],
                "responses": {
                    "202": {"description": "Accepted"},
                    "404": {"description": "Unknown connector", "schema": {"$ref": "#/definitions/http.ErrorResponse"}},
                    "413": {"description": "Body too large", "schema": {"$ref": "#/definitions/http.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "http.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string", "example": "invalid request body"}}
        },
        "http.StatusResponse": {
            "type": "object",
            "properties": {"status": {"type": "string", "example": "ok"}, "message": {"type": "string"}}
        },
        "http.SubscriptionListResponse": {
            "type": "object",
            "properties": {"subscriptions": {"type": "array", "items": {"$ref": "#/definitions/domain.Subscription"}}}
        },
        "http.StatsResponse": {
            "type": "object",
            "properties": {
                "state": {"type": "string"},
                "stats": {"type": "array", "items": {"$ref": "#/definitions/domain.Stat"}}
            }
        },
        "domain.Stat": {
            "type": "object",
            "properties": {"name": {"type": "string"}, "value": {"type": "integer"}}
        },
        "domain.End": {
            "type": "object",
            "properties": {
                "connector_id": {"type": "string"},
                "uri": {"type": "string"},
                "principal": {"type": "string"},
                "credential": {"type": "string"},
                "location_xprop": {"type": "boolean"},
                "category_xprop": {"type": "boolean"},
                "properties": {"type": "object", "additionalProperties": {"type": "string"}}
            }
        },
        "domain.Options": {
            "type": "object",
            "properties": {
                "alarm_policy": {"type": "string", "enum": ["keep", "strip"]},
                "scheduling_policy": {"type": "string", "enum": ["keep", "strip"]},
                "public_only": {"type": "boolean"},
                "suppress_deletes": {"type": "boolean"}
            }
        },
        "domain.Subscription": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "end_a": {"$ref": "#/definitions/domain.End"},
                "end_b": {"$ref": "#/definitions/domain.End"},
                "direction": {"type": "string", "enum": ["a_to_b", "b_to_a", "both"]},
                "master": {"type": "string", "enum": ["", "a", "b"]},
                "options": {"$ref": "#/definitions/domain.Options"},
                "error_count": {"type": "integer"},
                "missing_target": {"type": "boolean"},
                "last_refresh": {"type": "string", "format": "date-time"},
                "pending_unsubscribe": {"type": "string", "format": "date-time"},
                "created_at": {"type": "string", "format": "date-time"},
                "updated_at": {"type": "string", "format": "date-time"}
            }
        },
        "domain.SubscriptionStatus": {
            "type": "object",
            "properties": {
                "subscription_id": {"type": "string"},
                "direction": {"type": "string"},
                "error_count": {"type": "integer"},
                "missing_target": {"type": "boolean"},
                "status": {"type": "string", "enum": ["ok", "warning", "error"]}
            }
        },
        "driving.SubscribeRequest": {
            "type": "object",
            "properties": {
                "end_a": {"$ref": "#/definitions/domain.End"},
                "end_b": {"$ref": "#/definitions/domain.End"},
                "direction": {"type": "string", "enum": ["a_to_b", "b_to_a", "both"]},
                "master": {"type": "string", "enum": ["", "a", "b"]},
                "options": {"$ref": "#/definitions/domain.Options"}
            }
        },
        "driving.SubscribeResponse": {
            "type": "object",
            "properties": {
                "subscription": {"$ref": "#/definitions/domain.Subscription"},
                "status": {"type": "string", "enum": ["ok", "warning", "error"]},
                "message": {"type": "string"}
            }
        }
    },
    "securityDefinitions": {
        "BearerAuth": {
            "description": "JWT Bearer token. Format: \"Bearer {token}\"",
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{"http", "https"},
	Title:            "Calsynch API",
	Description:      "Bidirectional calendar synchronization engine. Manage subscriptions and receive connector callbacks.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
