// ABOUTME: JSON schemas and sensitive-field lists for each channel type
// ABOUTME: Compiles the schemas once and validates plaintext channel configs

package notify

import (
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/2389/beacon-gateway/internal/store"
)

// channelType describes one provider's config shape.
type channelType struct {
	schema    string
	sensitive []string
	// urlKey names the config key holding the dispatch URL, if any.
	urlKey string
}

var channelTypes = map[store.ChannelType]channelType{
	store.ChannelWebhook: {
		urlKey:    "url",
		sensitive: []string{"signing_secret"},
		schema: `{
  "type": "object",
  "required": ["url"],
  "properties": {
    "url": {"type": "string", "minLength": 1},
    "signing_secret": {"type": "string"}
  },
  "additionalProperties": false
}`,
	},
	store.ChannelSlack: {
		urlKey:    "webhook_url",
		sensitive: []string{"webhook_url"},
		schema: `{
  "type": "object",
  "required": ["webhook_url"],
  "properties": {
    "webhook_url": {"type": "string", "minLength": 1},
    "channel": {"type": "string", "pattern": "^#?[a-z0-9_-]+$"}
  },
  "additionalProperties": false
}`,
	},
	store.ChannelTeams: {
		urlKey:    "webhook_url",
		sensitive: []string{"webhook_url"},
		schema: `{
  "type": "object",
  "required": ["webhook_url"],
  "properties": {
    "webhook_url": {"type": "string", "minLength": 1}
  },
  "additionalProperties": false
}`,
	},
	store.ChannelDiscord: {
		urlKey:    "webhook_url",
		sensitive: []string{"webhook_url"},
		schema: `{
  "type": "object",
  "required": ["webhook_url"],
  "properties": {
    "webhook_url": {"type": "string", "minLength": 1},
    "username": {"type": "string", "maxLength": 80}
  },
  "additionalProperties": false
}`,
	},
	store.ChannelEmail: {
		sensitive: []string{"smtp_password"},
		schema: `{
  "type": "object",
  "required": ["smtp_host", "smtp_port", "from", "to"],
  "properties": {
    "smtp_host": {"type": "string", "minLength": 1},
    "smtp_port": {"type": "string", "pattern": "^[0-9]{1,5}$"},
    "smtp_username": {"type": "string"},
    "smtp_password": {"type": "string"},
    "from": {"type": "string", "format": "email"},
    "to": {"type": "string", "format": "email"}
  },
  "additionalProperties": false
}`,
	},
}

// SensitiveKeys returns the config keys of t that are stored encrypted.
func SensitiveKeys(t store.ChannelType) []string {
	return channelTypes[t].sensitive
}

// schemaSet holds the compiled schema of every channel type.
type schemaSet struct {
	schemas map[store.ChannelType]*jsonschema.Schema
}

func compileSchemas() (*schemaSet, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	set := &schemaSet{schemas: make(map[store.ChannelType]*jsonschema.Schema, len(channelTypes))}
	for typ, def := range channelTypes {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(def.schema))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", typ, err)
		}
		url := "beacon://channels/" + string(typ) + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", typ, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", typ, err)
		}
		set.schemas[typ] = compiled
	}
	return set, nil
}

// validate checks a plaintext config against the schema of t and returns
// the violations, if any.
func (s *schemaSet) validate(t store.ChannelType, config map[string]string) []string {
	schema, ok := s.schemas[t]
	if !ok {
		return []string{fmt.Sprintf("unknown channel type %q", t)}
	}

	doc := make(map[string]any, len(config))
	for k, v := range config {
		doc[k] = v
	}

	err := schema.Validate(doc)
	if err == nil {
		return nil
	}
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return []string{err.Error()}
	}
	return collectViolations(verr)
}

// collectViolations flattens a validation error tree into leaf messages
// prefixed with their instance location.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
