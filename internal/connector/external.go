package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/opensource-finance/loanwatch/internal/domain"
)

// External operations.
const (
	opLoad   = "load"
	opGet    = "get"
	opCreate = "create"
	opUpdate = "update"
)

type externalRequest struct {
	Op       string              `json:"op"`
	DataType string              `json:"dataType"`
	ID       string              `json:"id,omitempty"`
	Record   domain.Record       `json:"record,omitempty"`
	Filters  *domain.SyncFilters `json:"filters,omitempty"`
}

type externalReply struct {
	Records  []domain.Record `json:"records,omitempty"`
	Record   domain.Record   `json:"record,omitempty"`
	NotFound bool            `json:"notFound,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// External reaches a remote system by request/reply on the event bus, one
// subject per data type.
type External struct {
	bus    domain.EventBus
	prefix string
}

// NewExternal creates a bus connector. An empty prefix uses
// domain.TopicSyncExternalPrefix.
func NewExternal(bus domain.EventBus, prefix string) *External {
	return &External{bus: bus, prefix: subjectPrefix(prefix)}
}

func subjectPrefix(prefix string) string {
	if prefix == "" {
		return domain.TopicSyncExternalPrefix
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return prefix
}

func (e *External) Load(ctx context.Context, dataType string, filters *domain.SyncFilters) ([]domain.Record, error) {
	reply, err := e.call(ctx, externalRequest{Op: opLoad, DataType: dataType, Filters: filters})
	if err != nil {
		return nil, err
	}
	return reply.Records, nil
}

func (e *External) Get(ctx context.Context, dataType string, id string) (domain.Record, error) {
	reply, err := e.call(ctx, externalRequest{Op: opGet, DataType: dataType, ID: id})
	if err != nil {
		return nil, err
	}
	if reply.NotFound {
		return nil, domain.ErrRecordNotFound
	}
	return reply.Record, nil
}

func (e *External) Create(ctx context.Context, dataType string, id string, rec domain.Record) error {
	_, err := e.call(ctx, externalRequest{Op: opCreate, DataType: dataType, ID: id, Record: rec})
	return err
}

func (e *External) Update(ctx context.Context, dataType string, id string, rec domain.Record) error {
	reply, err := e.call(ctx, externalRequest{Op: opUpdate, DataType: dataType, ID: id, Record: rec})
	if err != nil {
		return err
	}
	if reply.NotFound {
		return domain.ErrRecordNotFound
	}
	return nil
}

func (e *External) call(ctx context.Context, req externalRequest) (*externalReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", req.Op, err)
	}

	raw, err := e.bus.Request(ctx, e.prefix+req.DataType, payload)
	if err != nil {
		return nil, fmt.Errorf("external %s %s: %w", req.Op, req.DataType, err)
	}

	var reply externalReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode %s reply: %w", req.Op, err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("external %s %s: %s", req.Op, req.DataType, reply.Error)
	}
	return &reply, nil
}

// Serve answers external connector requests for dataType from conn. It lets a
// node expose one of its own endpoints to other nodes.
func Serve(ctx context.Context, bus domain.EventBus, prefix, dataType string, conn domain.Connector) (domain.Subscription, error) {
	topic := subjectPrefix(prefix) + dataType
	return bus.Subscribe(ctx, topic, func(ctx context.Context, msg *domain.Message) ([]byte, error) {
		var req externalRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return json.Marshal(externalReply{Error: "invalid request: " + err.Error()})
		}

		reply := externalReply{}
		var err error
		switch req.Op {
		case opLoad:
			reply.Records, err = conn.Load(ctx, dataType, req.Filters)
		case opGet:
			reply.Record, err = conn.Get(ctx, dataType, req.ID)
		case opCreate:
			err = conn.Create(ctx, dataType, req.ID, req.Record)
		case opUpdate:
			err = conn.Update(ctx, dataType, req.ID, req.Record)
		default:
			err = fmt.Errorf("%w: %q", ErrUnsupported, req.Op)
		}

		switch {
		case errors.Is(err, domain.ErrRecordNotFound):
			reply = externalReply{NotFound: true}
		case err != nil:
			slog.Warn("external request failed", "topic", topic, "op", req.Op, "error", err)
			reply = externalReply{Error: err.Error()}
		}
		return json.Marshal(reply)
	})
}

var _ domain.Connector = (*External)(nil)
