package message

// Schema URIs for the server-directed control protocol. A message whose first
// target is the server URI is dispatched on its message type.
const (
	LoginSchema             = Scheme + ":///schema/loginschema"
	InventorySchema         = Scheme + ":///schema/inventoryschema"
	InventoryResponseSchema = Scheme + ":///schema/inventoryresponseschema"
	DestinationReportSchema = Scheme + ":///schema/destination_report"
)

// LoginBody is the payload of a loginschema message. The type declared here,
// combined with the session's certificate common name, forms the endpoint URI.
type LoginBody struct {
	Type string `json:"type"`
}

// Validate checks the login body against its schema.
func (b *LoginBody) Validate() error {
	if b.Type == "" {
		return &ValidationError{Field: "type", Message: "endpoint type is required"}
	}
	return nil
}

// InventoryBody is the payload of an inventoryschema request.
type InventoryBody struct {
	Query []string `json:"query"`
}

// Validate checks the inventory request body against its schema.
func (b *InventoryBody) Validate() error {
	if len(b.Query) == 0 {
		return &ValidationError{Field: "query", Message: "at least one query pattern is required"}
	}
	return nil
}

// InventoryResponseBody is the payload of an inventoryresponseschema reply.
type InventoryResponseBody struct {
	URIs []string `json:"uris"`
}

// DestinationReportBody is the payload of a destination_report message,
// listing the URIs a wildcard target expanded to.
type DestinationReportBody struct {
	ID      string   `json:"id"`
	Targets []string `json:"targets"`
}

// IsLogin reports whether the message is a login attempt: a server-targeted
// message carrying the login schema. Only login messages pass the
// authentication gate before a session is bound.
func (m *Message) IsLogin() bool {
	return m.IsServerTarget() && m.MessageType == LoginSchema
}
