// SPDX-FileCopyrightText: Copyright 2026 Entativa, Inc.
// SPDX-License-Identifier: Apache-2.0

package sync

import (
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/entativa/eid/pkg/errors"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// payloadSchemas holds the compiled schema per entity type. Compiled once at
// package load; a broken embedded schema is a programming error.
var payloadSchemas = mustLoadSchemas()

func mustLoadSchemas() map[string]*gojsonschema.Schema {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		panic(fmt.Sprintf("reading payload schemas: %v", err))
	}
	schemas := make(map[string]*gojsonschema.Schema, len(entries))
	for _, entry := range entries {
		raw, err := schemaFS.ReadFile("schemas/" + entry.Name())
		if err != nil {
			panic(fmt.Sprintf("reading payload schema %s: %v", entry.Name(), err))
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("compiling payload schema %s: %v", entry.Name(), err))
		}
		schemas[strings.TrimSuffix(entry.Name(), ".json")] = schema
	}
	return schemas
}

// EntityTypes lists the entity types the queue accepts.
func EntityTypes() []string {
	types := make([]string, 0, len(payloadSchemas))
	for name := range payloadSchemas {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

// ValidatePayload checks a job payload against its entity type's schema,
// so malformed payloads are rejected at enqueue time instead of poisoning
// every target.
func ValidatePayload(entityType string, payload []byte) error {
	schema, ok := payloadSchemas[entityType]
	if !ok {
		return errors.NewInvalidArgumentError(
			fmt.Sprintf("unknown entity type %q, expected one of %s", entityType, strings.Join(EntityTypes(), ", ")), nil)
	}
	if len(payload) == 0 {
		return errors.NewInvalidArgumentError("sync payload is empty", nil)
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return errors.NewInvalidArgumentError("sync payload is not valid JSON", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return errors.NewInvalidArgumentError(
			fmt.Sprintf("%s payload rejected: %s", entityType, strings.Join(details, "; ")), nil)
	}
	return nil
}
