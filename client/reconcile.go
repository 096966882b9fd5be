package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/tidemark-net/tidemark/negentropy"
	"github.com/tidemark-net/tidemark/types"
)

// Reconcile runs a full reconciliation session against the relay for one
// filter, with vec as the local id set. It returns the ids only this side
// holds and the ids only the relay holds. The session runs to completion or
// until ctx is canceled.
func (c *Client) Reconcile(ctx context.Context, filter types.Filter, vec *negentropy.Vector, opts ...negentropy.Opt) (haves, needs []types.ID, err error) {
	neg, err := negentropy.New(vec, opts...)
	if err != nil {
		return nil, nil, err
	}
	initial, err := neg.Initiate()
	if err != nil {
		return nil, nil, err
	}

	subID := uuid.New().String()
	sess := &negSession{
		inbox: make(chan []byte, 1),
		errs:  make(chan string, 1),
	}
	c.mu.Lock()
	if c.ws == nil {
		c.mu.Unlock()
		return nil, nil, ErrNotConnected
	}
	c.negSessions[subID] = sess
	werr := c.writeLocked(types.NegOpenFrame(subID, &filter, initial))
	c.mu.Unlock()
	if werr != nil {
		c.dropNegSession(subID)
		return nil, nil, werr
	}
	defer c.dropNegSession(subID)

	for {
		select {
		case payload, open := <-sess.inbox:
			if !open {
				return nil, nil, ErrNotConnected
			}
			out, done, rerr := neg.Reconcile(payload)
			if rerr != nil {
				_ = c.write(types.NegCloseFrame(subID))
				return nil, nil, rerr
			}
			if done {
				_ = c.write(types.NegCloseFrame(subID))
				return neg.Haves(), neg.Needs(), nil
			}
			if werr := c.write(types.NegMsgFrame(subID, out)); werr != nil {
				return nil, nil, werr
			}
		case reason := <-sess.errs:
			return nil, nil, fmt.Errorf("client: reconciliation aborted by relay: %s", reason)
		case <-ctx.Done():
			_ = c.write(types.NegCloseFrame(subID))
			return nil, nil, ctx.Err()
		}
	}
}

func (c *Client) dropNegSession(subID string) {
	c.mu.Lock()
	delete(c.negSessions, subID)
	c.mu.Unlock()
}
