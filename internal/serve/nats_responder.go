package serve

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gftdcojp/epics-archiver-mcp/internal/config"
	"github.com/gftdcojp/epics-archiver-mcp/internal/tools"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const defaultSubjectPrefix = "archiver"

// natsReply is the body of every responder reply. Exactly one of
// Message, Data and Error is set.
type natsReply struct {
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Note    string `json:"note,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// RunNATSResponder answers tool requests over NATS request-reply.
// Subjects: {prefix}.data and {prefix}.stats, with the tool arguments as
// the JSON request body.
func RunNATSResponder(ctx context.Context, nc *nats.Conn, cfg config.NATSResponderConfig, svc *tools.Service, logger *zap.Logger) error {
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	ctx = tools.WithSurface(ctx, "nats")

	handlers := map[string]nats.MsgHandler{
		prefix + ".data": func(msg *nats.Msg) {
			var args tools.DataArgs
			if err := json.Unmarshal(msg.Data, &args); err != nil {
				respond(msg, badRequest(err), logger)
				return
			}
			resp, err := svc.GetPVData(ctx, args)
			respond(msg, toReply(resp, err), logger)
		},
		prefix + ".stats": func(msg *nats.Msg) {
			var args tools.StatsArgs
			if err := json.Unmarshal(msg.Data, &args); err != nil {
				respond(msg, badRequest(err), logger)
				return
			}
			resp, err := svc.GetPVStatistics(ctx, args)
			respond(msg, toReply(resp, err), logger)
		},
	}

	var subs []*nats.Subscription
	defer func() {
		for _, s := range subs {
			s.Unsubscribe()
		}
	}()
	for subject, h := range handlers {
		sub, err := nc.Subscribe(subject, h)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", subject, err)
		}
		subs = append(subs, sub)
		logger.Info("NATS responder started", zap.String("subject", subject))
	}

	<-ctx.Done()
	return nil
}

func toReply(resp *tools.Response, err error) natsReply {
	if err != nil {
		_, kind := errorStatus(err)
		return natsReply{Error: err.Error(), Kind: kind}
	}
	return natsReply{Message: resp.Message, Data: resp.Data, Note: resp.Note}
}

func badRequest(err error) natsReply {
	return natsReply{Error: "invalid request body: " + err.Error(), Kind: tools.KindInvalidArgument}
}

func respond(msg *nats.Msg, r natsReply, logger *zap.Logger) {
	b, err := json.Marshal(r)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"error":%q,"kind":%q}`, err.Error(), tools.KindInternal))
	}
	if err := msg.Respond(b); err != nil {
		logger.Warn("NATS respond failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}
