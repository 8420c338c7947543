// Package coordinator holds the shared bill-splitting state of a session.
//
// The host runs a Coordinator, the single writer of the SyncPayload. Guests
// send intents (IDENTIFY, CLAIM_ITEM, UNCLAIM_ITEM, SET_ASSIGNEES, SET_TIP,
// ADD_PERSON); the coordinator checks each one against the current state,
// applies it and broadcasts the whole payload as SYNC_STATE. Guests keep a
// Mirror that they replace on every broadcast, so all parties converge on
// the host's state after each change.
//
// Phases move forward only: claiming, tips, summary.
//
// Usage:
//
//	c, err := coordinator.New(receiptPayload)
//	detach := c.Attach(hostTransport)
//	defer detach()
//	c.AdvancePhase()
package coordinator
