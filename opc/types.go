// Package opc defines the value types shared by every layer of the runtime:
// protocol variants, server and tag definitions, data values and alarms.
package opc

import (
	"fmt"
	"strings"
	"time"
)

// Protocol identifies one of the OPC protocol families.
type Protocol string

const (
	ProtocolDA    Protocol = "da"
	ProtocolUA    Protocol = "ua"
	ProtocolHDA   Protocol = "hda"
	ProtocolAC    Protocol = "ac"
	ProtocolXMLDA Protocol = "xmlda"
)

// Protocols lists every supported protocol family in a stable order.
var Protocols = []Protocol{ProtocolDA, ProtocolUA, ProtocolHDA, ProtocolAC, ProtocolXMLDA}

func (p Protocol) String() string { return string(p) }

// DisplayName returns the human-readable protocol name.
func (p Protocol) DisplayName() string {
	switch p {
	case ProtocolDA:
		return "OPC DA"
	case ProtocolUA:
		return "OPC UA"
	case ProtocolHDA:
		return "OPC HDA"
	case ProtocolAC:
		return "OPC A&C"
	case ProtocolXMLDA:
		return "OPC XML-DA"
	default:
		return "Unknown"
	}
}

// Valid reports whether p is a known protocol family.
func (p Protocol) Valid() bool {
	for _, known := range Protocols {
		if p == known {
			return true
		}
	}
	return false
}

// ParseProtocol converts a configuration string into a Protocol.
// Matching is case-insensitive and accepts the common long forms.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "da", "opcda", "opc-da":
		return ProtocolDA, nil
	case "ua", "opcua", "opc-ua":
		return ProtocolUA, nil
	case "hda", "opchda", "opc-hda":
		return ProtocolHDA, nil
	case "ac", "ae", "opcac", "opc-ac", "alarms":
		return ProtocolAC, nil
	case "xmlda", "xml-da", "opcxmlda":
		return ProtocolXMLDA, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// Credential is a resolved username/password pair.
type Credential struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
}

// ServerConfig describes one server connection. A connection treats it as
// immutable once connected; reconfiguration replaces it wholesale.
type ServerConfig struct {
	ID                  string        `yaml:"id" json:"id" validate:"required"`
	Name                string        `yaml:"name,omitempty" json:"name,omitempty"`
	Protocol            Protocol      `yaml:"protocol" json:"protocol" validate:"required,oneof=da ua hda ac xmlda"`
	Endpoint            string        `yaml:"endpoint" json:"endpoint" validate:"required"`
	SecurityMode        string        `yaml:"security_mode,omitempty" json:"security_mode,omitempty" validate:"omitempty,oneof=None Sign SignAndEncrypt"`
	SecurityPolicy      string        `yaml:"security_policy,omitempty" json:"security_policy,omitempty"`
	CredentialsRef      string        `yaml:"credentials_ref,omitempty" json:"credentials_ref,omitempty"`
	Enabled             bool          `yaml:"enabled" json:"enabled"`
	PublishingInterval  time.Duration `yaml:"publishing_interval,omitempty" json:"publishing_interval,omitempty"`
	KeepAliveCount      uint32        `yaml:"keep_alive_count,omitempty" json:"keep_alive_count,omitempty"`
	LifetimeCount       uint32        `yaml:"lifetime_count,omitempty" json:"lifetime_count,omitempty"`
	RequestTimeout      time.Duration `yaml:"request_timeout,omitempty" json:"request_timeout,omitempty"`
	BackfillOnReconnect bool          `yaml:"backfill_on_reconnect,omitempty" json:"backfill_on_reconnect,omitempty"`

	// Credentials is resolved from CredentialsRef at connect time and never persisted.
	Credentials *Credential `yaml:"-" json:"-"`
}

// DisplayName returns Name if set, otherwise ID.
func (c ServerConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// TagDefinition binds a stable tag identifier to a node on one server.
type TagDefinition struct {
	ID            string        `yaml:"id" json:"id" validate:"required"`
	ServerID      string        `yaml:"server" json:"server" validate:"required"`
	NodeAddress   string        `yaml:"node" json:"node" validate:"required"`
	DataType      DataType      `yaml:"type,omitempty" json:"type,omitempty"`
	ScanRate      time.Duration `yaml:"scan_rate,omitempty" json:"scan_rate,omitempty"`
	Writable      bool          `yaml:"writable,omitempty" json:"writable,omitempty"`
	QueueSize     uint32        `yaml:"queue_size,omitempty" json:"queue_size,omitempty"`
	DiscardNewest bool          `yaml:"discard_newest,omitempty" json:"discard_newest,omitempty"`
}

// DataValue is a single sample as produced by a connection.
type DataValue struct {
	Value     interface{} `json:"value"`
	Quality   Quality     `json:"quality"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewDataValue returns a DataValue. A zero timestamp is replaced with now.
func NewDataValue(v interface{}, q Quality, ts time.Time) DataValue {
	if ts.IsZero() {
		ts = time.Now()
	}
	return DataValue{Value: v, Quality: q, Timestamp: ts}
}

// IsGood reports whether the value has Good quality.
func (v DataValue) IsGood() bool { return v.Quality == QualityGood }

// TagValue is a DataValue tagged with the tag it belongs to.
type TagValue struct {
	TagID string `json:"tag_id"`
	DataValue
}

// TimeRange is a closed interval used for historical queries.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Valid reports whether the range is non-empty and ordered.
func (r TimeRange) Valid() bool {
	return !r.Start.IsZero() && !r.End.IsZero() && !r.End.Before(r.Start)
}

// BrowseNode is one entry returned by a browse operation.
type BrowseNode struct {
	NodeAddress string   `json:"node"`
	Name        string   `json:"name"`
	DataType    DataType `json:"type,omitempty"`
	HasChildren bool     `json:"has_children"`
}
