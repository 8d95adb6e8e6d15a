package replication

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-shardstore/pkg/logging"
	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
)

// BackfillClient is the replica side of the backfill protocol
type BackfillClient struct {
	replicaID string
	sock      Socket
	logger    logging.Logger
	metrics   *metrics.Registry
}

// NewBackfillClient dials the primary's backfill endpoint
func NewBackfillClient(addr string, timeout time.Duration, logger logging.Logger, reg *metrics.Registry) (*BackfillClient, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}

	sock, err := NewReqSocket()
	if err != nil {
		return nil, fmt.Errorf("creating REQ socket: %w", err)
	}
	if timeout > 0 {
		if err := sock.SetRecvDeadline(timeout); err != nil {
			sock.Close()
			return nil, fmt.Errorf("setting recv deadline: %w", err)
		}
		if err := sock.SetSendDeadline(timeout); err != nil {
			sock.Close()
			return nil, fmt.Errorf("setting send deadline: %w", err)
		}
	}
	if err := sock.Dial(addr); err != nil {
		sock.Close()
		return nil, fmt.Errorf("dialing backfill endpoint %s: %w", addr, err)
	}

	return &BackfillClient{
		replicaID: uuid.NewString(),
		sock:      sock,
		logger:    logger.With(logging.Component("backfill-client")),
		metrics:   reg,
	}, nil
}

// ReplicaID returns this client's identity, sent with every request
func (bc *BackfillClient) ReplicaID() string {
	return bc.replicaID
}

// Close closes the connection to the primary
func (bc *BackfillClient) Close() error {
	return bc.sock.Close()
}

// FetchShard requests the deletion keys of one shard for [beginTimestamp,
// endTimestamp), page by page, and hands each key to fn in deletion order
func (bc *BackfillClient) FetchShard(shard uint32, beginTimestamp, endTimestamp uint32, fn func(key []byte) error) error {
	total := 0
	for page := uint32(0); ; page++ {
		resp, frameBytes, err := bc.fetchPage(shard, beginTimestamp, endTimestamp, page)
		if err != nil {
			return err
		}

		for _, key := range resp.Keys {
			if err := fn(key); err != nil {
				return err
			}
		}
		total += len(resp.Keys)

		bc.metrics.ReplicationBackfillKeysTotal.WithLabelValues("received").Add(float64(len(resp.Keys)))
		bc.metrics.ReplicationBackfillBytesTotal.WithLabelValues("received").Add(float64(frameBytes))

		if resp.Done {
			break
		}
		if len(resp.Keys) == 0 {
			// A non-final page must carry keys or the loop never ends
			return errors.New("empty backfill page without done flag")
		}
	}

	bc.logger.Debug("fetched backfill window",
		logging.ShardID(shard),
		logging.Count(total))
	return nil
}

// fetchPage performs one REQ/REP exchange
func (bc *BackfillClient) fetchPage(shard uint32, beginTimestamp, endTimestamp, page uint32) (*BackfillResponse, int, error) {
	req := &BackfillRequest{
		ReplicaID:      bc.replicaID,
		Shard:          shard,
		BeginTimestamp: beginTimestamp,
		EndTimestamp:   endTimestamp,
		Page:           page,
	}
	msg, err := NewMessage(MsgBackfillRequest, req)
	if err != nil {
		return nil, 0, err
	}
	frame, err := msg.Encode()
	if err != nil {
		return nil, 0, err
	}
	if err := bc.sock.Send(frame); err != nil {
		return nil, 0, fmt.Errorf("sending backfill request: %w", err)
	}

	raw, err := bc.sock.Recv()
	if err != nil {
		return nil, 0, fmt.Errorf("waiting for backfill response: %w", err)
	}
	reply, err := DecodeMessage(raw)
	if err != nil {
		return nil, 0, err
	}

	switch reply.Type {
	case MsgError:
		var em ErrorMessage
		if err := reply.Decode(&em); err != nil {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("primary rejected backfill request: %s: %s", em.Code, em.Message)
	case MsgBackfillResponse:
		// Handled below
	default:
		return nil, 0, fmt.Errorf("unexpected reply type %d", reply.Type)
	}

	var resp BackfillResponse
	if err := reply.Decode(&resp); err != nil {
		return nil, 0, err
	}
	if resp.Shard != shard || resp.Page != page {
		return nil, 0, fmt.Errorf("response for shard %d page %d, requested shard %d page %d",
			resp.Shard, resp.Page, shard, page)
	}
	return &resp, len(raw), nil
}

// FetchAll walks every shard of the primary in order and streams each
// shard's window to fn. The shard id accompanies each key so the caller can
// apply it to the right local queue.
func (bc *BackfillClient) FetchAll(shardCount uint32, beginTimestamp, endTimestamp uint32, fn func(shard uint32, key []byte) error) error {
	for s := uint32(0); s < shardCount; s++ {
		err := bc.FetchShard(s, beginTimestamp, endTimestamp, func(key []byte) error {
			return fn(s, key)
		})
		if err != nil {
			return fmt.Errorf("shard %d: %w", s, err)
		}
	}
	return nil
}
