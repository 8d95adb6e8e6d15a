package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/cluso-shardstore/pkg/delqueue"
	"github.com/dd0wney/cluso-shardstore/pkg/logging"
	"github.com/dd0wney/cluso-shardstore/pkg/metrics"
	"github.com/dd0wney/cluso-shardstore/pkg/shard"
)

// recvTimeout bounds how long the serve loop blocks in Recv so Stop is
// observed promptly
const recvTimeout = 500 * time.Millisecond

// ServerConfig configures a BackfillServer
type ServerConfig struct {
	// BatchKeys caps the keys per response page. 0 means a single
	// unbounded page per shard window.
	BatchKeys int
	Logger    logging.Logger
	Metrics   *metrics.Registry
}

// BackfillServer is the primary side of the backfill protocol. Each REQ/REP
// exchange answers one page of one shard window; the queue is re-scanned per
// page, which trades repeated reads for never holding queue state between
// requests.
type BackfillServer struct {
	primaryID string
	shards    *shard.Map
	batchKeys int
	sock      Socket
	logger    logging.Logger
	metrics   *metrics.Registry

	running   bool
	runningMu sync.Mutex
	stopCh    chan struct{}
	wg        sync.WaitGroup

	replicasMu sync.Mutex
	replicas   map[string]time.Time // replica id -> last request
}

// replicaIdleTimeout is how long a silent replica counts as connected
const replicaIdleTimeout = time.Minute

// NewBackfillServer creates a backfill server over the given shard map
func NewBackfillServer(shards *shard.Map, cfg ServerConfig) *BackfillServer {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	reg := cfg.Metrics
	if reg == nil {
		reg = metrics.DefaultRegistry()
	}
	return &BackfillServer{
		primaryID: uuid.NewString(),
		shards:    shards,
		batchKeys: cfg.BatchKeys,
		logger:    logger.With(logging.Component("backfill-server")),
		metrics:   reg,
		replicas:  make(map[string]time.Time),
	}
}

// trackReplica refreshes the connected-replica gauge from request traffic.
// REQ/REP has no session, so recent activity is the only connectivity signal.
func (bs *BackfillServer) trackReplica(replicaID string) {
	bs.replicasMu.Lock()
	defer bs.replicasMu.Unlock()

	now := time.Now()
	bs.replicas[replicaID] = now
	for id, seen := range bs.replicas {
		if now.Sub(seen) > replicaIdleTimeout {
			delete(bs.replicas, id)
		}
	}
	bs.metrics.ReplicationConnectedReplicas.Set(float64(len(bs.replicas)))
}

// PrimaryID returns this server's identity, echoed in every response
func (bs *BackfillServer) PrimaryID() string {
	return bs.primaryID
}

// Start binds the REP socket to addr and starts the serve loop
func (bs *BackfillServer) Start(addr string) error {
	bs.runningMu.Lock()
	defer bs.runningMu.Unlock()

	if bs.running {
		return errors.New("backfill server already running")
	}

	cleanup := NewResourceCleanup(bs.logger)
	defer cleanup.Cleanup()

	sock, err := NewRepSocket()
	if err != nil {
		return fmt.Errorf("creating REP socket: %w", err)
	}
	cleanup.Add(sock, "backfill listener")

	if err := sock.SetRecvDeadline(recvTimeout); err != nil {
		return fmt.Errorf("setting recv deadline: %w", err)
	}
	if err := sock.Listen(addr); err != nil {
		return fmt.Errorf("binding backfill listener to %s: %w", addr, err)
	}

	bs.sock = sock
	bs.stopCh = make(chan struct{})
	bs.running = true

	bs.wg.Add(1)
	go bs.serve()

	bs.logger.Info("backfill server started",
		logging.String("addr", addr),
		logging.String("primary_id", bs.primaryID))

	cleanup.Clear()
	return nil
}

// Stop shuts down the serve loop and closes the socket
func (bs *BackfillServer) Stop() error {
	bs.runningMu.Lock()
	defer bs.runningMu.Unlock()

	if !bs.running {
		return nil
	}

	close(bs.stopCh)
	bs.wg.Wait()

	err := bs.sock.Close()
	bs.running = false
	bs.logger.Info("backfill server stopped")
	return err
}

func (bs *BackfillServer) serve() {
	defer bs.wg.Done()

	for {
		select {
		case <-bs.stopCh:
			return
		default:
		}

		frame, err := bs.sock.Recv()
		if err != nil {
			// Deadline expiry is the normal idle path
			continue
		}

		reply := bs.handleFrame(frame)
		encoded, err := reply.Encode()
		if err != nil {
			bs.logger.Error("encoding reply", logging.Error(err))
			continue
		}
		if err := bs.sock.Send(encoded); err != nil {
			bs.logger.Error("sending reply", logging.Error(err))
		}
	}
}

// handleFrame produces exactly one reply message for one request frame.
// REQ/REP requires an answer for every request, so protocol errors become
// MsgError replies instead of dropped frames.
func (bs *BackfillServer) handleFrame(frame []byte) *Message {
	start := time.Now()
	fail := func(code, text string) *Message {
		bs.metrics.RecordBackfillServed("error", 0, 0, time.Since(start))
		return errorMessage(code, text)
	}

	msg, err := DecodeMessage(frame)
	if err != nil {
		return fail(ErrCodeBadRequest, err.Error())
	}
	if msg.Type != MsgBackfillRequest {
		return fail(ErrCodeBadRequest, fmt.Sprintf("unexpected message type %d", msg.Type))
	}

	var req BackfillRequest
	if err := msg.Decode(&req); err != nil {
		return fail(ErrCodeBadRequest, err.Error())
	}
	if err := req.Validate(); err != nil {
		return fail(ErrCodeBadRequest, err.Error())
	}
	bs.trackReplica(req.ReplicaID)
	if req.Shard >= bs.shards.ShardCount() {
		return fail(ErrCodeBadShard,
			fmt.Sprintf("shard %d out of range (have %d)", req.Shard, bs.shards.ShardCount()))
	}

	recv := newPageReceiver(bs.batchKeys, req.Page)
	err = bs.shards.DumpShard(context.Background(), req.Shard, req.BeginTimestamp, req.EndTimestamp, recv)
	if err != nil {
		bs.logger.Error("dump failed",
			logging.ShardID(req.Shard),
			logging.ReplicaID(req.ReplicaID),
			logging.Error(err))
		return fail(ErrCodeInternal, err.Error())
	}

	resp := &BackfillResponse{
		PrimaryID: bs.primaryID,
		Shard:     req.Shard,
		Page:      req.Page,
		Keys:      recv.keys,
		KeyCount:  len(recv.keys),
		Done:      !recv.overflowed,
	}
	reply, err := NewCompressedMessage(MsgBackfillResponse, resp)
	if err != nil {
		return fail(ErrCodeInternal, err.Error())
	}

	bs.logger.Debug("served backfill page",
		logging.ShardID(req.Shard),
		logging.ReplicaID(req.ReplicaID),
		logging.Uint32("page", req.Page),
		logging.Count(len(recv.keys)))
	bs.metrics.RecordBackfillServed("ok", len(recv.keys), len(reply.Data), time.Since(start))
	return reply
}

func errorMessage(code, text string) *Message {
	m, err := NewMessage(MsgError, &ErrorMessage{Code: code, Message: text})
	if err != nil {
		// ErrorMessage is a flat struct of strings; Marshal cannot fail
		panic(err)
	}
	return m
}

// pageReceiver collects the keys of one page out of a full dump: it skips
// the pages already served and stops copying once its own page is full,
// only noting that more keys exist.
type pageReceiver struct {
	limit      int // keys per page, 0 = unlimited
	skip       int // keys before this page
	seen       int
	keys       [][]byte
	overflowed bool
	done       bool
}

func newPageReceiver(limit int, page uint32) *pageReceiver {
	skip := 0
	if limit > 0 {
		skip = limit * int(page)
	}
	return &pageReceiver{limit: limit, skip: skip}
}

func (pr *pageReceiver) DeletionKey(key []byte) error {
	pr.seen++
	if pr.seen <= pr.skip {
		return nil
	}
	if pr.limit > 0 && len(pr.keys) >= pr.limit {
		pr.overflowed = true
		return nil
	}
	k := make([]byte, len(key))
	copy(k, key)
	pr.keys = append(pr.keys, k)
	return nil
}

func (pr *pageReceiver) DoneDeletionKeys() error {
	pr.done = true
	return nil
}

var _ delqueue.KeyStreamReceiver = (*pageReceiver)(nil)
