package message

import (
	"fmt"
	"strings"
)

// Scheme is the URI scheme identifying broker endpoints.
const Scheme = "cth"

// Well-known URIs.
const (
	// ServerURI addresses the broker itself as a message target.
	ServerURI = Scheme + ":///server"
	// BrokerURI is the sender URI on broker-originated reports.
	BrokerURI = Scheme + "://server"
)

// TypeUndefined is the endpoint type before a session has logged in.
const TypeUndefined = "undefined"

// URI builds the endpoint URI for a common name and declared type.
func URI(commonName, endpointType string) string {
	return fmt.Sprintf("%s://%s/%s", Scheme, commonName, endpointType)
}

// IsServerTarget reports whether the message's first target addresses the
// broker itself rather than a peer endpoint.
func (m *Message) IsServerTarget() bool {
	return len(m.Targets) > 0 && m.Targets[0] == ServerURI
}

// SplitURI breaks an endpoint URI into its common name and type segments.
// Returns empty strings when the URI does not have the expected shape.
func SplitURI(uri string) (commonName, endpointType string) {
	rest, ok := strings.CutPrefix(uri, Scheme+"://")
	if !ok {
		return "", ""
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}
