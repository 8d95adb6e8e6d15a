package replication

import (
	"github.com/go-playground/validator/v10"
)

// validate is a singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// BackfillRequest is sent by a replica to ask for one page of the deletion
// keys of one shard in [BeginTimestamp, EndTimestamp). Pages start at 0;
// the replica keeps requesting until the response reports Done.
type BackfillRequest struct {
	ReplicaID      string `json:"replica_id" validate:"required,uuid4"`
	Shard          uint32 `json:"shard"`
	BeginTimestamp uint32 `json:"begin_ts"`
	EndTimestamp   uint32 `json:"end_ts" validate:"gtefield=BeginTimestamp"`
	Page           uint32 `json:"page"`
}

// Validate checks a request before it touches any queue
func (r *BackfillRequest) Validate() error {
	return validate.Struct(r)
}

// BackfillResponse carries one page of the deletion keys of a shard window.
// Keys are in deletion order; the JSON encoding base64s each key, and the
// whole payload rides snappy-compressed inside the message envelope. Done is
// set on the last page.
type BackfillResponse struct {
	PrimaryID string   `json:"primary_id"`
	Shard     uint32   `json:"shard"`
	Page      uint32   `json:"page"`
	Keys      [][]byte `json:"keys"`
	KeyCount  int      `json:"key_count"`
	Done      bool     `json:"done"`
}

// ErrorMessage reports request failures back to the replica
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes sent in ErrorMessage.Code
const (
	ErrCodeBadRequest = "bad_request"
	ErrCodeBadShard   = "bad_shard"
	ErrCodeInternal   = "internal"
)
