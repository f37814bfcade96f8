package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"opclink/buffer"
	"opclink/inference"
	"opclink/opc"
)

// ConfigImportError reports a configuration payload that could not be
// read, decoded or validated. The previous configuration stays in effect.
type ConfigImportError struct {
	File   string
	Detail string
	Err    error
}

func (e *ConfigImportError) Error() string {
	if e.File == "" {
		return fmt.Sprintf("config import: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("config import %s: %s: %v", e.File, e.Detail, e.Err)
}

func (e *ConfigImportError) Unwrap() error { return e.Err }

// ValidationError lists every problem found by Validate.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return strings.Join(e.Problems, "; ")
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		switch name {
		case "-":
			return ""
		case "":
			return fld.Name
		}
		return name
	})
}

// IsValidNamespace checks that a namespace contains only alphanumerics,
// hyphens and underscores, so it is usable as a topic, subject and key
// segment on every transport.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return false
		}
	}
	return true
}

// Validate runs field validation and the cross-reference checks between
// servers, tags, credentials, models and policies.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			problems = append(problems, formatFieldError(fe))
		}
	}

	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		problems = append(problems, "namespace: must contain only alphanumeric characters, hyphens, and underscores")
	}
	problems = append(problems, c.checkReferences()...)

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: is required", field)
	case "required_if":
		return fmt.Sprintf("%s: is required when enabled", field)
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "min", "gte":
		return fmt.Sprintf("%s: must be at least %s", field, fe.Param())
	case "max", "lte":
		return fmt.Sprintf("%s: must be at most %s", field, fe.Param())
	case "startswith":
		return fmt.Sprintf("%s: must start with %q", field, fe.Param())
	case "hostname_port":
		return fmt.Sprintf("%s: must be host:port, got %v", field, fe.Value())
	}
	return fmt.Sprintf("%s: failed %s validation", field, fe.Tag())
}

func (c *Config) checkReferences() []string {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	servers := make(map[string]opc.Protocol, len(c.Servers))
	for _, s := range c.Servers {
		if _, dup := servers[s.ID]; dup {
			add("servers: duplicate id %q", s.ID)
		}
		servers[s.ID] = s.Protocol
		if s.CredentialsRef != "" {
			if _, ok := c.Credentials[s.CredentialsRef]; !ok {
				add("servers[%s].credentials_ref: unknown credential %q", s.ID, s.CredentialsRef)
			}
		}
	}

	tags := make(map[string]bool, len(c.Tags))
	for _, t := range c.Tags {
		if tags[t.ID] {
			add("tags: duplicate id %q", t.ID)
		}
		tags[t.ID] = true
		proto, ok := servers[t.ServerID]
		if !ok {
			add("tags[%s].server: unknown server %q", t.ID, t.ServerID)
			continue
		}
		if t.Writable && (proto == opc.ProtocolHDA || proto == opc.ProtocolAC) {
			add("tags[%s].writable: %s servers do not accept writes", t.ID, proto.DisplayName())
		}
		if t.DataType != "" && !t.DataType.Valid() {
			add("tags[%s].type: unknown data type %q", t.ID, t.DataType)
		}
	}

	models := make(map[string]bool, len(c.Models))
	for _, m := range c.Models {
		if models[m.Name] {
			add("models: duplicate name %q", m.Name)
		}
		models[m.Name] = true
	}
	for i, b := range c.ModelBindings {
		if !models[b.Model] {
			add("model_bindings[%d].model: unknown model %q", i, b.Model)
		}
		for feature, tagID := range b.Features {
			if !tags[tagID] {
				add("model_bindings[%d].features.%s: unknown tag %q", i, feature, tagID)
			}
		}
		if b.Trigger == inference.TriggerInterval && b.Interval <= 0 {
			add("model_bindings[%d].interval: must be positive for interval trigger", i)
		}
	}

	for i, p := range c.WritePolicies {
		if p.MaxWritesPerInterval > 0 && p.Interval <= 0 {
			add("write_policies[%d].interval: must be positive when max_writes_per_interval is set", i)
		}
	}
	for i, r := range c.ValidationRules {
		if r.Min != nil && r.Max != nil && *r.Min > *r.Max {
			add("validation_rules[%d]: min %v exceeds max %v", i, *r.Min, *r.Max)
		}
	}

	if _, err := buffer.ParseOverflowPolicy(c.Buffer.Overflow); err != nil {
		add("buffer.overflow: %v", err)
	}
	if c.Reconnect.Max > 0 && c.Reconnect.Base > c.Reconnect.Max {
		add("reconnect: base %s exceeds max %s", c.Reconnect.Base, c.Reconnect.Max)
	}

	names := make(map[string]bool)
	checkName := func(kind, name string) {
		key := kind + ":" + name
		if names[key] {
			add("transports.%s: duplicate name %q", kind, name)
		}
		names[key] = true
	}
	for _, t := range c.Transports.MQTT {
		checkName("mqtt", t.Name)
	}
	for _, t := range c.Transports.Kafka {
		checkName("kafka", t.Name)
	}
	for _, t := range c.Transports.Valkey {
		checkName("valkey", t.Name)
	}
	for _, t := range c.Transports.NATS {
		checkName("nats", t.Name)
	}

	users := make(map[string]bool)
	for _, u := range c.API.Users {
		if users[u.Username] {
			add("api.users: duplicate username %q", u.Username)
		}
		users[u.Username] = true
	}

	return problems
}
