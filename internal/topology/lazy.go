package topology

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/gofabric/internal/msg"
	"github.com/dantte-lp/gofabric/internal/router"
)

// -------------------------------------------------------------------------
// Delivery Confirmation
// -------------------------------------------------------------------------

// tagDeliveryConfirmation is the confirmation frame's catalog tag.
const tagDeliveryConfirmation = "fabric.delivery-confirmation"

// DeliveryConfirmationMsg reports the outcome of a lazy delivery to
// the configured confirmation endpoint.
type DeliveryConfirmationMsg struct {
	// TimestampUnixNano is when the delivery completed.
	TimestampUnixNano int64

	// TargetEP is the cluster endpoint the query targeted.
	TargetEP string

	// QueryType is the query body's catalog tag.
	QueryType string

	// OK reports delivery success.
	OK bool

	// Error carries the failure text when OK is false.
	Error string

	// TopologyKind and ClusterEP identify the topology that carried
	// the delivery.
	TopologyKind string
	ClusterEP    string

	// Param is the application's selection key.
	Param string
}

// TypeTag implements msg.Body.
func (*DeliveryConfirmationMsg) TypeTag() string { return tagDeliveryConfirmation }

// MarshalBody implements msg.Body.
func (d *DeliveryConfirmationMsg) MarshalBody() ([]byte, error) {
	var w msg.Writer
	w.U64(uint64(d.TimestampUnixNano))
	w.String(d.TargetEP)
	w.String(d.QueryType)
	if d.OK {
		w.U8(1)
	} else {
		w.U8(0)
	}
	w.String(d.Error)
	w.String(d.TopologyKind)
	w.String(d.ClusterEP)
	w.String(d.Param)
	return w.Bytes(), w.Err()
}

// UnmarshalBody implements msg.Body.
func (d *DeliveryConfirmationMsg) UnmarshalBody(data []byte) error {
	r := msg.NewReader(data)
	d.TimestampUnixNano = int64(r.U64())
	d.TargetEP = r.String()
	d.QueryType = r.String()
	d.OK = r.U8() != 0
	d.Error = r.String()
	d.TopologyKind = r.String()
	d.ClusterEP = r.String()
	d.Param = r.String()
	if err := r.Err(); err != nil {
		return fmt.Errorf("unmarshal delivery confirmation: %w", err)
	}
	return nil
}

func init() {
	msg.RegisterMessageType(tagDeliveryConfirmation, func() msg.Body {
		return &DeliveryConfirmationMsg{}
	})
}

// -------------------------------------------------------------------------
// LazyMessenger
// -------------------------------------------------------------------------

// LazyMessenger is a reliable-delivery client over a topology. Each
// delivery runs a query through the topology; when a confirmation
// endpoint is configured, a DeliveryConfirmation describing the
// outcome is sent there after success or failure. With confirmation
// required, timeouts and handler failures surface at the caller;
// otherwise they are swallowed (the confirmation stream is the record
// of truth).
type LazyMessenger struct {
	r    *router.Router
	topo Topology

	confirmEP       msg.EP
	confirmRequired bool

	logger *slog.Logger
}

// NewLazyMessenger builds a lazy delivery client. confirmEP may be
// the zero endpoint to disable confirmations.
func NewLazyMessenger(
	r *router.Router,
	topo Topology,
	confirmEP msg.EP,
	confirmRequired bool,
	logger *slog.Logger,
) *LazyMessenger {
	return &LazyMessenger{
		r:               r,
		topo:            topo,
		confirmEP:       confirmEP,
		confirmRequired: confirmRequired,
		logger:          logger.With(slog.String("component", "topology.lazy")),
	}
}

// Deliver queries the cluster with the selection key and reports the
// outcome to the confirmation endpoint.
func (lm *LazyMessenger) Deliver(ctx context.Context, key string, q *msg.Message) (*msg.Message, error) {
	queryType := q.TypeTag()
	reply, err := lm.topo.QueryKeyed(ctx, key, q)

	lm.confirm(key, queryType, err)

	if err != nil && !lm.confirmRequired {
		lm.logger.Debug("lazy delivery failed, swallowed",
			slog.String("cluster", lm.topo.ClusterEP().String()),
			slog.String("error", err.Error()),
		)
		return nil, nil
	}
	return reply, err
}

// confirm sends the delivery confirmation. Best-effort.
func (lm *LazyMessenger) confirm(key, queryType string, derr error) {
	if lm.confirmEP.IsZero() {
		return
	}

	body := &DeliveryConfirmationMsg{
		TimestampUnixNano: time.Now().UnixNano(),
		TargetEP:          lm.topo.ClusterEP().String(),
		QueryType:         queryType,
		OK:                derr == nil,
		TopologyKind:      lm.topo.Kind(),
		ClusterEP:         lm.topo.ClusterEP().String(),
		Param:             key,
	}
	if derr != nil {
		body.Error = derr.Error()
	}

	if err := lm.r.Send(lm.confirmEP, msg.NewMessage(lm.confirmEP, body)); err != nil {
		lm.logger.Debug("confirmation send failed",
			slog.String("confirm_ep", lm.confirmEP.String()),
			slog.String("error", err.Error()),
		)
	}
}
