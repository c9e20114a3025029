// Package docs registers the OpenAPI description served at /swagger.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "ApiKeyAuth": {"type": "apiKey", "in": "header", "name": "apikey"},
        "BearerAuth": {"type": "apiKey", "in": "header", "name": "Authorization"}
    },
    "security": [{"ApiKeyAuth": []}],
    "paths": {
        "/auth/signup": {
            "post": {
                "tags": ["auth"],
                "summary": "Register a new account",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/server.SignupRequest"}}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/server.SessionResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/models.ErrorResponse"}},
                    "409": {"description": "Conflict", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            }
        },
        "/auth/login": {
            "post": {
                "tags": ["auth"],
                "summary": "Sign in with email and password",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/server.LoginRequest"}}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/server.SessionResponse"}},
                    "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}
                }
            }
        },
        "/auth/logout": {
            "post": {
                "tags": ["auth"],
                "summary": "Revoke the current access token",
                "security": [{"ApiKeyAuth": [], "BearerAuth": []}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/auth/recover": {
            "post": {
                "tags": ["auth"],
                "summary": "Mail a password reset link",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/server.RecoverRequest"}}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/auth/reset-password": {
            "post": {
                "tags": ["auth"],
                "summary": "Set a new password with a recovery token",
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/server.ResetPasswordRequest"}}],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Bad Request", "schema": {"$ref": "#/definitions/models.ErrorResponse"}}}
            }
        },
        "/auth/oauth/{provider}": {
            "get": {
                "tags": ["auth"],
                "summary": "Start an OAuth sign-in",
                "parameters": [
                    {"in": "path", "name": "provider", "type": "string", "required": true},
                    {"in": "query", "name": "redirect_to", "type": "string"}
                ],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Not Found"}}
            }
        },
        "/auth/callback/{provider}": {
            "get": {
                "tags": ["auth"],
                "summary": "Complete an OAuth sign-in",
                "parameters": [
                    {"in": "path", "name": "provider", "type": "string", "required": true},
                    {"in": "query", "name": "code", "type": "string", "required": true},
                    {"in": "query", "name": "state", "type": "string", "required": true}
                ],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/server.SessionResponse"}}, "302": {"description": "Redirect"}}
            }
        },
        "/users/me": {
            "get": {
                "tags": ["users"],
                "summary": "Current profile, provisioned on first call",
                "security": [{"ApiKeyAuth": [], "BearerAuth": []}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.User"}}}
            },
            "patch": {
                "tags": ["users"],
                "summary": "Update the current profile",
                "security": [{"ApiKeyAuth": [], "BearerAuth": []}],
                "parameters": [{"in": "body", "name": "request", "required": true, "schema": {"$ref": "#/definitions/models.ProfileUpdate"}}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.User"}}, "409": {"description": "Conflict"}}
            }
        },
        "/users/me/avatar": {
            "post": {
                "tags": ["users"],
                "summary": "Upload a new avatar",
                "security": [{"ApiKeyAuth": [], "BearerAuth": []}],
                "consumes": ["multipart/form-data"],
                "parameters": [{"in": "formData", "name": "avatar", "type": "file", "required": true}],
                "responses": {"200": {"description": "OK"}}
            }
        },
        "/users/{username}": {
            "get": {
                "tags": ["users"],
                "summary": "Public profile",
                "parameters": [{"in": "path", "name": "username", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"$ref": "#/definitions/models.User"}}, "404": {"description": "Not Found"}}
            }
        },
        "/users/{username}/posts": {
            "get": {
                "tags": ["users"],
                "summary": "Posts by one author, newest first",
                "parameters": [{"in": "path", "name": "username", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.Post"}}}}
            }
        },
        "/posts": {
            "get": {
                "tags": ["posts"],
                "summary": "The live feed, newest first",
                "parameters": [
                    {"in": "query", "name": "limit", "type": "integer"},
                    {"in": "query", "name": "offset", "type": "integer"}
                ],
                "responses": {"200": {"description": "OK", "schema": {"type": "array", "items": {"$ref": "#/definitions/models.Post"}}}}
            },
            "post": {
                "tags": ["posts"],
                "summary": "Create a post from an image URL, a data URL or a multipart upload",
                "security": [{"ApiKeyAuth": [], "BearerAuth": []}],
                "consumes": ["application/json", "multipart/form-data"],
                "responses": {"201": {"description": "Created"}, "400": {"description": "Bad Request"}}
            }
        },
        "/posts/{id}": {
            "put": {
                "tags": ["posts"],
                "summary": "Edit a post (author only)",
                "security": [{"ApiKeyAuth": [], "BearerAuth": []}],
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK"}, "403": {"description": "Forbidden"}, "404": {"description": "Not Found"}}
            },
            "delete": {
                "tags": ["posts"],
                "summary": "Delete a post (author or service role)",
                "security": [{"ApiKeyAuth": [], "BearerAuth": []}],
                "parameters": [{"in": "path", "name": "id", "type": "string", "required": true}],
                "responses": {"200": {"description": "OK"}, "403": {"description": "Forbidden"}, "404": {"description": "Not Found"}}
            }
        },
        "/ws/feed": {
            "get": {
                "tags": ["feed"],
                "summary": "WebSocket feed: INITIAL_LOAD then REALTIME_UPDATE messages",
                "parameters": [
                    {"in": "query", "name": "filter", "type": "string", "description": "column=eq.value"},
                    {"in": "query", "name": "token", "type": "string"}
                ],
                "responses": {"101": {"description": "Switching Protocols"}}
            }
        }
    },
    "definitions": {
        "models.ErrorResponse": {
            "type": "object",
            "properties": {"error": {"type": "string"}, "code": {"type": "string"}, "details": {"type": "string"}}
        },
        "models.Post": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "author": {"type": "object", "properties": {"id": {"type": "string"}, "username": {"type": "string"}, "avatarUrl": {"type": "string"}}},
                "imageUrl": {"type": "string"},
                "caption": {"type": "string"},
                "likes": {"type": "integer"},
                "comments": {"type": "integer"},
                "createdAt": {"type": "string", "format": "date-time"}
            }
        },
        "models.User": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "username": {"type": "string"},
                "email": {"type": "string"},
                "avatarUrl": {"type": "string"},
                "bio": {"type": "string"},
                "contacts": {"type": "object"}
            }
        },
        "models.ProfileUpdate": {
            "type": "object",
            "properties": {
                "username": {"type": "string"},
                "email": {"type": "string"},
                "avatarUrl": {"type": "string"},
                "bio": {"type": "string"},
                "contacts": {"type": "object"}
            }
        },
        "server.SignupRequest": {
            "type": "object",
            "properties": {"email": {"type": "string"}, "password": {"type": "string"}, "username": {"type": "string"}}
        },
        "server.LoginRequest": {
            "type": "object",
            "properties": {"email": {"type": "string"}, "password": {"type": "string"}}
        },
        "server.RecoverRequest": {
            "type": "object",
            "properties": {"email": {"type": "string"}, "redirect_to": {"type": "string"}}
        },
        "server.ResetPasswordRequest": {
            "type": "object",
            "properties": {"token": {"type": "string"}, "password": {"type": "string"}}
        },
        "server.SessionResponse": {
            "type": "object",
            "properties": {
                "session": {"type": "object"},
                "user": {"$ref": "#/definitions/models.User"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api",
	Schemes:          []string{},
	Title:            "FireFrame API",
	Description:      "Photo feed backend: auth, profiles, posts, storage and a live change feed.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
