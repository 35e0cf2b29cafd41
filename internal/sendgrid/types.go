// Package sendgrid builds SendGrid v3 request bodies and talks to the
// SendGrid HTTP API.
package sendgrid

// DefaultCategory tags every message sent through this integration so its
// traffic can be filtered in the statistics.
const DefaultCategory = "magento2_sendgrid_plugin"

// Envelope is the request body for POST /v3/mail/send.
type Envelope struct {
	From             Address           `json:"from"`
	ReplyTo          *Address          `json:"reply_to,omitempty"`
	Personalizations []Personalization `json:"personalizations"`
	Subject          string            `json:"subject,omitempty"`
	Content          []Content         `json:"content,omitempty"`
	Attachments      []Attachment      `json:"attachments,omitempty"`
	Categories       []string          `json:"categories,omitempty"`
	TemplateID       string            `json:"template_id,omitempty"`
	ASM              *ASM              `json:"asm,omitempty"`
}

// Personalization describes one fan-out block of recipients.
type Personalization struct {
	To            []Address         `json:"to,omitempty"`
	Cc            []Address         `json:"cc,omitempty"`
	Bcc           []Address         `json:"bcc,omitempty"`
	Subject       string            `json:"subject,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Substitutions map[string]string `json:"substitutions,omitempty"`
	CustomArgs    map[string]string `json:"custom_args,omitempty"`
	SendAt        int64             `json:"send_at,omitempty"`
}

// Address is a mailbox in API form.
type Address struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Content is one body representation of the message.
type Content struct {
	Type  string `json:"type,omitempty"`
	Value string `json:"value,omitempty"`
}

// Attachment is a base64 encoded file.
type Attachment struct {
	Content     string `json:"content"`
	Type        string `json:"type,omitempty"`
	Filename    string `json:"filename"`
	Disposition string `json:"disposition,omitempty"`
}

// ASM selects the suppression (unsubscribe) group.
type ASM struct {
	GroupID int `json:"group_id"`
}

// ASMGroup is one entry of GET /v3/asm/groups.
type ASMGroup struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsDefault   bool   `json:"is_default"`
}

// StatsEntry is one date bucket of GET /v3/categories/stats.
type StatsEntry struct {
	Date  string       `json:"date"`
	Stats []StatsBlock `json:"stats"`
}

// StatsBlock carries the metrics of one category on a date. Metrics keeps
// the raw JSON object so key order can be preserved by the caller.
type StatsBlock struct {
	Type    string     `json:"type,omitempty"`
	Name    string     `json:"name,omitempty"`
	Metrics RawMetrics `json:"metrics"`
}

// scopesResponse is the body of GET /v3/scopes.
type scopesResponse struct {
	Scopes []string `json:"scopes"`
}

// errorResponse is the error body shape shared by the v3 endpoints.
type errorResponse struct {
	Error  any `json:"error,omitempty"`
	Errors []struct {
		Field   *string `json:"field"`
		Message string  `json:"message"`
	} `json:"errors,omitempty"`
}

func (e errorResponse) failed() bool {
	return e.Error != nil || len(e.Errors) > 0
}
