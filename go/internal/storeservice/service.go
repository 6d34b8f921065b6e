// Package storeservice exposes a store.Store over Connect so terminals can fetch and write club
// documents against the server's authoritative store.
package storeservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"connectrpc.com/connect"
	"github.com/go-playground/validator/v10"
	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully-qualified Connect service name.
	ServiceName = "cuehall.store.v1.StoreService"

	FetchProcedure = "/" + ServiceName + "/Fetch"
	WriteProcedure = "/" + ServiceName + "/Write"
)

var validate = validator.New()

// FetchRequest is the body of a Fetch call.
type FetchRequest struct {
	ClubID     string            `json:"club_id" validate:"required"`
	Collection models.Collection `json:"collection" validate:"required"`
}

// FetchResponse is the result of a Fetch call.
type FetchResponse struct {
	Documents []models.Document `json:"documents"`
}

type writeRequest struct {
	Kind        store.WriteKind `validate:"required,oneof=insert update delete"`
	ClubID      string          `validate:"required"`
	Collection  string          `validate:"required"`
	DocumentID  string          `validate:"required"`
	BaseVersion int64           `validate:"gte=0"`
}

// Service implements the store service on top of any store.Store
type Service struct {
	store store.Store
}

// NewService creates a new store service
func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// Handler returns the mount path and handler for the service.
func (s *Service) Handler(opts ...connect.HandlerOption) (string, http.Handler) {
	mux := http.NewServeMux()
	mux.Handle(FetchProcedure, connect.NewUnaryHandler(FetchProcedure, s.Fetch, opts...))
	mux.Handle(WriteProcedure, connect.NewUnaryHandler(WriteProcedure, s.Write, opts...))
	return "/" + ServiceName + "/", mux
}

// Fetch returns the live documents of one club collection
func (s *Service) Fetch(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var in FetchRequest
	if err := FromStruct(req.Msg, &in); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := validate.Struct(in); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	docs, err := s.store.Fetch(ctx, in.ClubID, in.Collection)
	if err != nil {
		return nil, toConnectError(err)
	}
	if docs == nil {
		docs = []models.Document{}
	}

	out, err := ToStruct(FetchResponse{Documents: docs})
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// Write applies one document write and returns the stored document
func (s *Service) Write(ctx context.Context, req *connect.Request[structpb.Struct]) (*connect.Response[structpb.Struct], error) {
	var op store.WriteOp
	if err := FromStruct(req.Msg, &op); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := validate.Struct(writeRequest{
		Kind:        op.Kind,
		ClubID:      op.Document.ClubID,
		Collection:  string(op.Document.Collection),
		DocumentID:  op.Document.ID,
		BaseVersion: op.BaseVersion,
	}); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	doc, err := s.store.Write(ctx, op)
	if err != nil {
		if store.KindOf(err) != store.KindConflict {
			log.Error().
				Err(err).
				Str("club_id", op.Document.ClubID).
				Str("key", op.Document.Key().String()).
				Str("origin", op.Origin).
				Msg("store write failed")
		}
		return nil, toConnectError(err)
	}

	out, err := ToStruct(doc)
	if err != nil {
		return nil, connect.NewError(connect.CodeInternal, err)
	}
	return connect.NewResponse(out), nil
}

// ToStruct encodes v through its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(b); err != nil {
		return nil, fmt.Errorf("failed to convert message: %w", err)
	}
	return out, nil
}

// FromStruct decodes s into v through its JSON form.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("empty message")
	}
	b, err := s.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to convert message: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("failed to decode message: %w", err)
	}
	return nil
}

var kindCodes = map[store.Kind]connect.Code{
	store.KindNotFound:   connect.CodeNotFound,
	store.KindConflict:   connect.CodeAborted,
	store.KindPermission: connect.CodePermissionDenied,
	store.KindAuth:       connect.CodeUnauthenticated,
	store.KindShape:      connect.CodeInvalidArgument,
	store.KindTimeout:    connect.CodeDeadlineExceeded,
	store.KindNetwork:    connect.CodeUnavailable,
}

// CodeFor maps a store error kind onto a Connect code.
func CodeFor(kind store.Kind) connect.Code {
	if code, ok := kindCodes[kind]; ok {
		return code
	}
	return connect.CodeInternal
}

// KindFor maps a Connect code back onto a store error kind.
func KindFor(code connect.Code) store.Kind {
	for kind, c := range kindCodes {
		if c == code {
			return kind
		}
	}
	switch code {
	case connect.CodeCanceled:
		return store.KindTimeout
	case connect.CodeFailedPrecondition:
		return store.KindConflict
	case connect.CodeResourceExhausted:
		return store.KindNetwork
	}
	return store.KindUnknown
}

func toConnectError(err error) error {
	return connect.NewError(CodeFor(store.KindOf(err)), err)
}
