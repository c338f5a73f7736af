// README: Real-time session protocol; joins, inbound courier events and replies, independent of the socket.
package realtime

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"courier/internal/apperr"
	"courier/internal/modules/courier"
	"courier/internal/modules/notify"
	"courier/internal/modules/order"
	"courier/internal/types"
)

const (
	MsgJoin           = "join"
	MsgLeave          = "leave"
	MsgLocationUpdate = "location_update"
	MsgStatusUpdate   = "status_update"
	MsgPing           = "ping"

	ReplyAck   = "ack"
	ReplyPong  = "pong"
	ReplyError = "error"
)

var (
	errRateLimited = apperr.New(apperr.KindBadRequest, "too many messages, slow down")
	errUnknownType = apperr.New(apperr.KindBadRequest, "unknown message type")
	errMalformed   = apperr.New(apperr.KindBadRequest, "malformed message")
	errJoinDenied  = apperr.New(apperr.KindAccessDenied, "not allowed to join this channel")
	errCourierOnly = apperr.New(apperr.KindNotEligible, "only delivery persons send this message")
)

// Message is a client frame.
type Message struct {
	Type     string       `json:"type"`
	Ref      string       `json:"ref,omitempty"`
	Channel  string       `json:"channel,omitempty"`
	ID       string       `json:"id,omitempty"`
	Location *types.Point `json:"location,omitempty"`
	OrderID  types.ID     `json:"order_id,omitempty"`
	Status   string       `json:"status,omitempty"`
	Note     string       `json:"note,omitempty"`
}

type Reply struct {
	Type  string     `json:"type"`
	Ref   string     `json:"ref,omitempty"`
	Data  any        `json:"data,omitempty"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
}

type Hub interface {
	Register(s *notify.Session)
	Unregister(sessionID string)
	Subscribe(sessionID string, ch notify.Channel) error
	Unsubscribe(sessionID string, ch notify.Channel)
}

type Orders interface {
	Get(ctx context.Context, actor types.Actor, id types.ID) (*order.Order, error)
	Advance(ctx context.Context, cmd order.AdvanceCommand) (*order.Order, error)
}

type Locations interface {
	UpdateCourierLocation(ctx context.Context, actor types.Actor, p types.Point) (*courier.User, error)
}

type Options struct {
	SendBuffer   int
	InboundRate  float64
	InboundBurst int
	// Timeout bounds each inbound message's work.
	Timeout time.Duration
}

type Service struct {
	hub       Hub
	orders    Orders
	locations Locations
	opts      Options
	log       *zap.Logger
}

func NewService(hub Hub, orders Orders, locations Locations, opts Options, log *zap.Logger) *Service {
	if opts.InboundRate <= 0 {
		opts.InboundRate = 5
	}
	if opts.InboundBurst <= 0 {
		opts.InboundBurst = 10
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &Service{hub: hub, orders: orders, locations: locations, opts: opts, log: log}
}

// Conn is one client's protocol state.
type Conn struct {
	Session *notify.Session
	limiter *rate.Limiter
}

// Open registers a session and joins the caller's own channels.
func (s *Service) Open(actor types.Actor) *Conn {
	sess := notify.NewSession(actor, s.opts.SendBuffer)
	s.hub.Register(sess)
	_ = s.hub.Subscribe(sess.ID, notify.UserChannel(actor.ID))
	if actor.Role == types.RoleBusiness {
		_ = s.hub.Subscribe(sess.ID, notify.BusinessChannel(actor.ID))
	}
	s.log.Debug("realtime session opened", zap.String("session_id", sess.ID), zap.String("user_id", string(actor.ID)))
	return &Conn{
		Session: sess,
		limiter: rate.NewLimiter(rate.Limit(s.opts.InboundRate), s.opts.InboundBurst),
	}
}

func (s *Service) Close(c *Conn) {
	s.hub.Unregister(c.Session.ID)
	s.log.Debug("realtime session closed", zap.String("session_id", c.Session.ID))
}

// Handle processes one raw client frame and queues the reply on the session.
func (s *Service) Handle(ctx context.Context, c *Conn, raw []byte) Reply {
	reply := s.handle(ctx, c, raw)
	if b, err := json.Marshal(reply); err == nil {
		c.Session.Send(b)
	}
	return reply
}

func (s *Service) handle(ctx context.Context, c *Conn, raw []byte) Reply {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return errorReply("", errMalformed)
	}
	if !c.limiter.Allow() {
		return errorReply(msg.Ref, errRateLimited)
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	actor := c.Session.Actor
	switch msg.Type {
	case MsgPing:
		return Reply{Type: ReplyPong, Ref: msg.Ref}
	case MsgJoin, MsgLeave:
		ch, err := notify.ParseChannel(msg.Channel, msg.ID)
		if err != nil {
			return errorReply(msg.Ref, errMalformed.WithDetail("%v", err))
		}
		if msg.Type == MsgLeave {
			s.hub.Unsubscribe(c.Session.ID, ch)
			return Reply{Type: ReplyAck, Ref: msg.Ref}
		}
		if err := s.authorizeJoin(ctx, actor, ch); err != nil {
			return errorReply(msg.Ref, err)
		}
		if err := s.hub.Subscribe(c.Session.ID, ch); err != nil {
			return errorReply(msg.Ref, err)
		}
		return Reply{Type: ReplyAck, Ref: msg.Ref, Data: map[string]string{"channel": ch.Key()}}
	case MsgLocationUpdate:
		if actor.Role != types.RoleDeliveryPerson {
			return errorReply(msg.Ref, errCourierOnly)
		}
		if msg.Location == nil {
			return errorReply(msg.Ref, errMalformed.WithDetail("location is required"))
		}
		if _, err := s.locations.UpdateCourierLocation(ctx, actor, *msg.Location); err != nil {
			return errorReply(msg.Ref, err)
		}
		return Reply{Type: ReplyAck, Ref: msg.Ref}
	case MsgStatusUpdate:
		if actor.Role != types.RoleDeliveryPerson {
			return errorReply(msg.Ref, errCourierOnly)
		}
		status, ok := order.ParseStatus(msg.Status)
		if !ok || msg.OrderID == "" {
			return errorReply(msg.Ref, errMalformed.WithDetail("order_id and a known status are required"))
		}
		o, err := s.orders.Advance(ctx, order.AdvanceCommand{
			OrderID:  msg.OrderID,
			Actor:    actor,
			Target:   status,
			Location: msg.Location,
			Note:     msg.Note,
		})
		if err != nil {
			return errorReply(msg.Ref, err)
		}
		return Reply{Type: ReplyAck, Ref: msg.Ref, Data: map[string]any{"order_id": o.ID, "status": o.Status}}
	default:
		return errorReply(msg.Ref, errUnknownType.WithDetail("%q", msg.Type))
	}
}

func (s *Service) authorizeJoin(ctx context.Context, actor types.Actor, ch notify.Channel) error {
	if actor.Role == types.RoleAdmin {
		return nil
	}
	switch ch.Kind {
	case notify.ChannelUser:
		if ch.ID == string(actor.ID) {
			return nil
		}
	case notify.ChannelBusiness:
		if actor.Role == types.RoleBusiness && ch.ID == string(actor.ID) {
			return nil
		}
	case notify.ChannelOrder:
		_, err := s.orders.Get(ctx, actor, types.ID(ch.ID))
		if err == nil {
			return nil
		}
		if apperr.KindOf(err) != apperr.KindAccessDenied {
			return err
		}
	}
	return errJoinDenied
}

func errorReply(ref string, err error) Reply {
	e := apperr.From(err)
	return Reply{Type: ReplyError, Ref: ref, Error: &ErrorBody{Kind: e.Kind, Message: e.Message}}
}
