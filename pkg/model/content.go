package model

import (
	"encoding/json"

	"github.com/m-mizutani/goerr/v2"
)

type ContentKind string

const (
	KindMessage         ContentKind = "message"
	KindProposal        ContentKind = "proposal"
	KindSwapRequest     ContentKind = "swap_request"
	KindBalance         ContentKind = "balance"
	KindDistributedLock ContentKind = "distributed_lock"
)

// versionedKinds lists the content kinds whose writes are recorded in the
// append-only version history.
var versionedKinds = map[ContentKind]bool{
	KindProposal:        true,
	KindSwapRequest:     true,
	KindBalance:         true,
	KindDistributedLock: true,
}

// Versioned reports whether writes of this kind append to the version history
func (k ContentKind) Versioned() bool {
	return versionedKinds[k]
}

type Status string

const (
	StatusOpen             Status = "open"
	StatusPendingExecution Status = "pending_execution"
	StatusExecuting        Status = "executing"
	StatusExecuted         Status = "executed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Validate checks if the status is valid
func (s Status) Validate() error {
	switch s {
	case "", StatusOpen, StatusPendingExecution, StatusExecuting, StatusExecuted, StatusFailed, StatusCancelled:
		return nil
	default:
		return goerr.Wrap(ErrValidation, "invalid status", goerr.V("status", s))
	}
}

// Body is the kind-specific payload of a Content. Known kinds have concrete
// body types; anything else is carried verbatim as an OpaqueBody so unknown
// kinds round-trip instead of being rejected.
type Body interface {
	bodyKind() ContentKind
}

type MessageBody struct {
	Source    string   `json:"source,omitempty"`
	InReplyTo MemoryID `json:"inReplyTo,omitempty"`
}

func (MessageBody) bodyKind() ContentKind { return KindMessage }

type ProposalBody struct {
	ProposalID  string   `json:"proposalId,omitempty"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Choices     []string `json:"choices,omitempty"`
	Deadline    int64    `json:"deadline,omitempty"`
	YesVotes    int      `json:"yesVotes,omitempty"`
	NoVotes     int      `json:"noVotes,omitempty"`
}

func (ProposalBody) bodyKind() ContentKind { return KindProposal }

type SwapRequestBody struct {
	FromToken string  `json:"fromToken,omitempty"`
	ToToken   string  `json:"toToken,omitempty"`
	Amount    float64 `json:"amount,omitempty"`
	Slippage  float64 `json:"slippage,omitempty"`
	TxID      string  `json:"txId,omitempty"`
}

func (SwapRequestBody) bodyKind() ContentKind { return KindSwapRequest }

type BalanceBody struct {
	Token   string  `json:"token,omitempty"`
	Amount  float64 `json:"amount"`
	Address string  `json:"address,omitempty"`
}

func (BalanceBody) bodyKind() ContentKind { return KindBalance }

func (l LockLease) bodyKind() ContentKind { return KindDistributedLock }

// OpaqueBody preserves the fields of a content kind this build does not know
type OpaqueBody struct {
	Kind   ContentKind
	Fields map[string]any
}

func (b OpaqueBody) bodyKind() ContentKind { return b.Kind }

// Content is the tagged payload of a Memory. Kind selects the Body type;
// the remaining fields are shared across all kinds.
type Content struct {
	Kind          ContentKind
	Text          string
	Status        Status
	SourceID      string // external event id, used for duplicate detection
	Version       int
	VersionReason string
	CreatedAt     int64 // epoch milliseconds
	UpdatedAt     int64 // epoch milliseconds
	Body          Body
}

// commonKeys are the Content fields lifted out of the kind-specific payload
var commonKeys = []string{"type", "text", "status", "id", "version", "versionReason", "createdAt", "updatedAt"}

func (c Content) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}

	switch b := c.Body.(type) {
	case nil:
	case OpaqueBody:
		for k, v := range b.Fields {
			fields[k] = v
		}
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to marshal content body")
		}
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, goerr.Wrap(err, "failed to flatten content body")
		}
	}

	fields["type"] = c.Kind
	if c.Text != "" {
		fields["text"] = c.Text
	}
	if c.Status != "" {
		fields["status"] = c.Status
	}
	if c.SourceID != "" {
		fields["id"] = c.SourceID
	}
	if c.Version != 0 {
		fields["version"] = c.Version
	}
	if c.VersionReason != "" {
		fields["versionReason"] = c.VersionReason
	}
	if c.CreatedAt != 0 {
		fields["createdAt"] = c.CreatedAt
	}
	if c.UpdatedAt != 0 {
		fields["updatedAt"] = c.UpdatedAt
	}

	return json.Marshal(fields)
}

func (c *Content) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return goerr.Wrap(err, "failed to parse content")
	}

	pickString := func(key string) string {
		raw, ok := fields[key]
		if !ok {
			return ""
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return s
	}
	pickInt := func(key string) int64 {
		raw, ok := fields[key]
		if !ok {
			return 0
		}
		var n int64
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0
		}
		return n
	}

	c.Kind = ContentKind(pickString("type"))
	c.Text = pickString("text")
	c.Status = Status(pickString("status"))
	c.SourceID = pickString("id")
	c.Version = int(pickInt("version"))
	c.VersionReason = pickString("versionReason")
	c.CreatedAt = pickInt("createdAt")
	c.UpdatedAt = pickInt("updatedAt")

	rest := map[string]json.RawMessage{}
	for k, v := range fields {
		rest[k] = v
	}
	for _, k := range commonKeys {
		delete(rest, k)
	}
	remainder, err := json.Marshal(rest)
	if err != nil {
		return goerr.Wrap(err, "failed to collect content body fields")
	}

	switch c.Kind {
	case KindMessage:
		var b MessageBody
		if err := json.Unmarshal(remainder, &b); err != nil {
			return goerr.Wrap(err, "failed to parse message body")
		}
		c.Body = b
	case KindProposal:
		var b ProposalBody
		if err := json.Unmarshal(remainder, &b); err != nil {
			return goerr.Wrap(err, "failed to parse proposal body")
		}
		c.Body = b
	case KindSwapRequest:
		var b SwapRequestBody
		if err := json.Unmarshal(remainder, &b); err != nil {
			return goerr.Wrap(err, "failed to parse swap request body")
		}
		c.Body = b
	case KindBalance:
		var b BalanceBody
		if err := json.Unmarshal(remainder, &b); err != nil {
			return goerr.Wrap(err, "failed to parse balance body")
		}
		c.Body = b
	case KindDistributedLock:
		var b LockLease
		if err := json.Unmarshal(remainder, &b); err != nil {
			return goerr.Wrap(err, "failed to parse lock lease body")
		}
		c.Body = b
	default:
		var raw map[string]any
		if err := json.Unmarshal(remainder, &raw); err != nil {
			return goerr.Wrap(err, "failed to parse opaque body")
		}
		c.Body = OpaqueBody{Kind: c.Kind, Fields: raw}
	}

	return nil
}

// Lease returns the lock lease payload, or nil for non-lock content
func (c *Content) Lease() *LockLease {
	if lease, ok := c.Body.(LockLease); ok {
		return &lease
	}
	return nil
}

// Validate checks structural requirements common to all kinds
func (c *Content) Validate() error {
	if c.Kind == "" {
		return goerr.Wrap(ErrValidation, "content type is empty")
	}
	if err := c.Status.Validate(); err != nil {
		return err
	}
	if c.Kind == KindMessage && c.Text == "" {
		return goerr.Wrap(ErrValidation, "message content requires text")
	}
	if lease := c.Lease(); lease != nil {
		return lease.Validate()
	}
	return nil
}
