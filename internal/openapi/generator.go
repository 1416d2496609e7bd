// Package openapi builds the OpenAPI document served at /openapi.json.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// Generate returns the OpenAPI document for the key service. demo controls
// whether the demo call route is described.
func Generate(version, baseURL string, demo bool) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "ezkeys API",
			Description: "Issue, list, revoke and verify API keys.",
			Version:     version,
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["bearerAuth"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}
	doc.Components.SecuritySchemes["sessionCookie"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "cookie",
			Name: "__session",
		},
	}
	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: "X-API-Key",
		},
	}
	principal := openapi3.SecurityRequirements{
		{"bearerAuth": {}},
		{"sessionCookie": {}},
	}

	addSchemas(doc.Components.Schemas)
	doc.Paths = openapi3.NewPaths()

	doc.Paths.Set("/createApiKey", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Create an API key",
			Description: "Returns the plaintext key. It is shown only in this response.",
			OperationID: "createApiKey",
			Security:    &principal,
			RequestBody: jsonBody("CreateKeyRequest", false),
			Responses:   newResponses("200", "Key created", ref("CreatedKey")),
		},
	})
	doc.Paths.Set("/listApiKeys", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "List the caller's API keys, newest first",
			OperationID: "listApiKeys",
			Security:    &principal,
			Responses:   newResponses("200", "Keys", ref("ListResponse")),
		},
	})
	doc.Paths.Set("/revokeApiKey", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Revoke an API key owned by the caller",
			OperationID: "revokeApiKey",
			Security:    &principal,
			RequestBody: jsonBody("KeyIDRequest", true),
			Responses:   newResponses("200", "Key revoked", ref("RevokeResponse")),
		},
	})
	doc.Paths.Set("/setDefaultApiKey", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Make an active API key the caller's default",
			OperationID: "setDefaultApiKey",
			Security:    &principal,
			RequestBody: jsonBody("KeyIDRequest", true),
			Responses:   newResponses("200", "Default key set", ref("SetDefaultResponse")),
		},
	})
	doc.Paths.Set("/verifyApiKey", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"keys"},
			Summary:     "Verify an API key presented in X-API-Key",
			OperationID: "verifyApiKey",
			Security:    &openapi3.SecurityRequirements{{"apiKey": {}}},
			Responses:   newResponses("200", "Key is valid", ref("VerifyResponse")),
		},
	})
	if demo {
		doc.Paths.Set("/demoProxyCall", &openapi3.PathItem{
			Post: &openapi3.Operation{
				Tags:        []string{"demo"},
				Summary:     "Exercise a demo key server-side",
				OperationID: "demoProxyCall",
				Security:    &principal,
				RequestBody: jsonBody("KeyIDRequest", true),
				Responses:   newResponses("200", "Demo call succeeded", ref("DemoCallResponse")),
			},
		})
	}

	doc.Paths.Set("/session/start", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"session"},
			Summary:     "Exchange an identity token for a session cookie",
			OperationID: "startSession",
			RequestBody: jsonBody("SessionStartRequest", true),
			Responses:   newResponses("200", "Session started", ref("SessionAck")),
		},
	})
	doc.Paths.Set("/session/end", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"session"},
			Summary:     "Clear the session cookie and revoke the caller's sessions",
			OperationID: "endSession",
			Security:    &principal,
			Responses:   newResponses("200", "Session ended", ref("SessionAck")),
		},
	})
	doc.Paths.Set("/session/status", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"session"},
			Summary:     "Report whether the caller is signed in",
			OperationID: "sessionStatus",
			Responses:   newResponses("200", "Session status", ref("SessionStatus")),
		},
	})

	return doc
}

func addSchemas(s openapi3.Schemas) {
	str := func() *openapi3.SchemaRef { return openapi3.NewStringSchema().NewRef() }
	nullableStr := func() *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string", "null"}}}
	}
	nullableTime := func() *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string", "null"}, Format: "date-time"}}
	}
	timeRef := func() *openapi3.SchemaRef { return openapi3.NewDateTimeSchema().NewRef() }
	boolRef := func() *openapi3.SchemaRef { return openapi3.NewBoolSchema().NewRef() }
	object := func(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
		return &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Properties: props,
			Required:   required,
		}}
	}

	s["ErrorResponse"] = object(openapi3.Schemas{
		"error": object(openapi3.Schemas{
			"code":    str(),
			"message": str(),
		}, "message"),
	}, "error")

	s["CreateKeyRequest"] = object(openapi3.Schemas{
		"name": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, MaxLength: uint64Ptr(120)}},
		"scopes": &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:     &openapi3.Types{"array"},
			Items:    str(),
			MaxItems: uint64Ptr(20),
		}},
		"demo": boolRef(),
	})
	s["KeyIDRequest"] = object(openapi3.Schemas{"id": str()}, "id")
	s["SessionStartRequest"] = object(openapi3.Schemas{"idToken": str()}, "idToken")

	summary := openapi3.Schemas{
		"id":         str(),
		"name":       nullableStr(),
		"keyPrefix":  str(),
		"createdAt":  timeRef(),
		"lastUsedAt": nullableTime(),
		"revokedAt":  nullableTime(),
		"isDefault":  boolRef(),
	}
	s["KeySummary"] = object(summary, "id", "keyPrefix", "createdAt", "isDefault")
	s["ListResponse"] = object(openapi3.Schemas{
		"items": &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: ref("KeySummary"),
		}},
	}, "items")
	s["CreatedKey"] = object(openapi3.Schemas{
		"id":         str(),
		"key":        str(),
		"keyPrefix":  str(),
		"name":       nullableStr(),
		"createdAt":  timeRef(),
		"lastUsedAt": nullableTime(),
	}, "id", "key", "keyPrefix", "createdAt")
	s["RevokeResponse"] = object(openapi3.Schemas{"ok": boolRef(), "deleted": boolRef()}, "ok", "deleted")
	s["SetDefaultResponse"] = object(openapi3.Schemas{"ok": boolRef()}, "ok")
	s["DemoCallResponse"] = object(openapi3.Schemas{"ok": boolRef(), "demo": boolRef()}, "ok", "demo")
	s["VerifyResponse"] = object(openapi3.Schemas{
		"keyId":   str(),
		"ownerId": str(),
		"scopes": &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: str(),
		}},
	}, "keyId", "ownerId", "scopes")
	s["SessionAck"] = object(openapi3.Schemas{
		"ok":  boolRef(),
		"uid": str(),
	}, "ok")
	s["SessionStatus"] = object(openapi3.Schemas{
		"loggedIn": boolRef(),
		"uid":      str(),
	}, "loggedIn")
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func jsonBody(schema string, required bool) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Required: required,
			Content:  openapi3.NewContentWithJSONSchemaRef(ref(schema)),
		},
	}
}

func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()

	successDesc := description
	responses.Set(statusCode, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &successDesc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errorRef := ref("ErrorResponse")
	for _, e := range []struct{ code, desc string }{
		{"400", "Invalid argument"},
		{"401", "Unauthenticated"},
		{"403", "Permission denied"},
		{"404", "Not found"},
		{"405", "Method not allowed"},
		{"500", "Internal or configuration error"},
	} {
		desc := e.desc
		responses.Set(e.code, &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

func uint64Ptr(v uint64) *uint64 { return &v }
