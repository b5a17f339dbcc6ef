package queue

import (
	"context"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/relayforge/relayforge/internal/classad"
	"github.com/relayforge/relayforge/internal/coordinator/rpc"
	"github.com/relayforge/relayforge/internal/filetransfer/summary"
)

// Client is C6, the transfer-queue client: it requests a slot from a
// remote coordinator, polls with keep-alives per spec §4.6's
// send-then-poll protocol, and releases the slot on session end.
type Client struct {
	rpc   rpc.QueueClient
	token string
}

// NewClient wraps rpc as a queue.Client authenticating with token.
func NewClient(c rpc.QueueClient, token string) *Client {
	return &Client{rpc: c, token: token}
}

func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "access_token", c.token)
}

// Slot is a granted or pending slot as observed by the client.
type Slot struct {
	LeaseID           string
	GoAhead           bool
	Failed            bool
	HoldCode          summary.HoldCode
	HoldReason        string
	AdjustedKeepAlive time.Duration
}

func slotFromAttrs(attrs *classad.Attrs) Slot {
	leaseID, _ := attrs.GetString("LeaseId")
	statusStr, _ := attrs.GetString("Status")
	adjusted, _ := attrs.GetInt("AdjustedKeepAliveSeconds")
	holdCode, _ := attrs.GetInt("HoldCode")
	holdReason, _ := attrs.GetString("HoldReason")

	return Slot{
		LeaseID:           leaseID,
		GoAhead:           statusStr == "go_ahead",
		Failed:            statusStr == "failure",
		HoldCode:          summary.HoldCode(holdCode),
		HoldReason:        holdReason,
		AdjustedKeepAlive: time.Duration(adjusted) * time.Second,
	}
}

// RequestSlot sends the initial slot request (spec §4.6 step 1). When the
// response carries no adjusted keep-alive (zero whole seconds), the
// returned slot keeps the requested keepAlive as its interval.
func (c *Client) RequestSlot(ctx context.Context, dir Direction, jobID, queueUserExpr, filename string, sandboxBytes int64, keepAlive time.Duration) (Slot, error) {
	req := classad.New()
	req.SetString("Direction", string(dir))
	req.SetString("JobId", jobID)
	req.SetString("Filename", filename)
	req.SetInt("SandboxBytesEstimate", sandboxBytes)
	req.SetInt("KeepAliveSeconds", int64(keepAlive.Seconds()))
	req.SetString("QueueUserExpr", queueUserExpr)

	resp, err := c.rpc.RequestSlot(c.authCtx(ctx), req.Proto())
	if err != nil {
		return Slot{}, err
	}
	slot := slotFromAttrs(classad.FromProto(resp))
	if slot.AdjustedKeepAlive <= 0 {
		slot.AdjustedKeepAlive = keepAlive
	}
	return slot, nil
}

// keepAlive sends one KeepAlive RPC for leaseID.
func (c *Client) keepAlive(ctx context.Context, leaseID string) (Slot, error) {
	req := classad.New()
	req.SetString("LeaseId", leaseID)

	resp, err := c.rpc.KeepAlive(c.authCtx(ctx), req.Proto())
	if err != nil {
		return Slot{}, err
	}
	return slotFromAttrs(classad.FromProto(resp)), nil
}

// AwaitGoAhead polls with keep-alives until the coordinator returns
// go-ahead or failure, per spec §4.6 step 3: "Poll until the coordinator
// returns go ahead ... or failure". The context governs overall
// cancellation; each keep-alive is spaced by the slot's adjusted interval.
func (c *Client) AwaitGoAhead(ctx context.Context, slot Slot) (Slot, error) {
	if slot.GoAhead || slot.Failed {
		return slot, nil
	}

	interval := slot.AdjustedKeepAlive
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return slot, ctx.Err()
		case <-ticker.C:
			next, err := c.keepAlive(ctx, slot.LeaseID)
			if err != nil {
				return slot, err
			}
			if next.GoAhead || next.Failed {
				return next, nil
			}
		}
	}
}

// Release frees leaseID's slot. Idempotent per spec §4.6; callers should
// always invoke it on session end via defer.
func (c *Client) Release(ctx context.Context, leaseID string) error {
	if leaseID == "" {
		return nil
	}
	req := classad.New()
	req.SetString("LeaseId", leaseID)
	_, err := c.rpc.Release(c.authCtx(ctx), req.Proto())
	return err
}
