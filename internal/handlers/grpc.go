package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/idot-digital/webhook-broker/internal/apperrors"
	"github.com/idot-digital/webhook-broker/internal/dispatcher"
	"github.com/idot-digital/webhook-broker/internal/models"
	"github.com/idot-digital/webhook-broker/internal/server"
)

const BrokerServiceName = "webhookbroker.Broker"

// BrokerServer is the gRPC surface of the broker. Requests and replies are
// google.protobuf.Struct values shaped like the REST JSON bodies.
type BrokerServer interface {
	Subscribe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unsubscribe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListSubscribers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	TriggerEvent(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var BrokerServiceDesc = grpc.ServiceDesc{
	ServiceName: BrokerServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Subscribe", BrokerServer.Subscribe),
		unaryMethod("Unsubscribe", BrokerServer.Unsubscribe),
		unaryMethod("ListSubscribers", BrokerServer.ListSubscribers),
		unaryMethod("TriggerEvent", BrokerServer.TriggerEvent),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "webhookbroker/broker.proto",
}

func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&BrokerServiceDesc, srv)
}

func unaryMethod(name string, call func(BrokerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BrokerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + BrokerServiceName + "/" + name,
			}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BrokerServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// GRPCHandlers implements the gRPC server interface
type GRPCHandlers struct {
	server *server.Server
}

func NewGRPCHandlers(s *server.Server) *GRPCHandlers {
	return &GRPCHandlers{server: s}
}

func (h *GRPCHandlers) Subscribe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.SubscribeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	sub, err := h.server.Subscriptions().Subscribe(ctx, req.Who, req.URL)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(models.SubscribeResponse{Message: MessageSubscribed, Subscriber: sub})
}

func (h *GRPCHandlers) Unsubscribe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.UnsubscribeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	removed, err := h.server.Subscriptions().Unsubscribe(ctx, req.Who, req.URL)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(models.UnsubscribeResponse{Message: MessageUnsubscribed, Removed: removed})
}

func (h *GRPCHandlers) ListSubscribers(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	subs, err := h.server.Subscriptions().List(ctx)
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(models.ListSubscribersResponse{Subscribers: subs})
}

func (h *GRPCHandlers) TriggerEvent(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req models.TriggerEventRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}

	out, err := h.server.Dispatcher().Trigger(ctx, dispatcher.Trigger{
		From:     req.From,
		Event:    req.Event,
		Body:     req.Body,
		Audience: dispatcher.Explicit(req.Who),
	})
	if err != nil {
		return nil, h.toStatus(err)
	}
	return toStruct(models.TriggerEventResponse{Message: out.Message, EventID: out.EventID, Results: out.Results})
}

func (h *GRPCHandlers) toStatus(err error) error {
	switch {
	case apperrors.IsValidation(err):
		return status.Error(codes.InvalidArgument, apperrors.Message(err))
	case apperrors.IsNotFound(err):
		return status.Error(codes.NotFound, apperrors.Message(err))
	case apperrors.IsInvalidTransition(err):
		return status.Error(codes.FailedPrecondition, apperrors.Message(err))
	}
	h.server.GetLogger().WithFields(logrus.Fields{"error": err}).Error("grpc request failed")
	return status.Error(codes.Internal, apperrors.Message(err))
}

// fromStruct decodes a Struct request into one of the REST request shapes.
func fromStruct(in *structpb.Struct, dst any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return status.Error(codes.InvalidArgument,
				fmt.Sprintf("%s must be a %s", typeErr.Field, jsonTypeName(typeErr.Type.String())))
		}
		return status.Error(codes.InvalidArgument, "invalid request")
	}
	return nil
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode reply")
	}
	out := new(structpb.Struct)
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode reply")
	}
	return out, nil
}
