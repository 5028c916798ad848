package server

import (
	"github.com/mbd888/swapdesk/internal/buyrequest"
	"github.com/mbd888/swapdesk/internal/dispute"
	"github.com/mbd888/swapdesk/internal/realtime"
	"github.com/mbd888/swapdesk/internal/withdrawal"
)

// hubEmitter forwards domain events to the realtime hub. Each event is
// tagged with the owning user so only that user and staff receive it.
type hubEmitter struct {
	hub *realtime.Hub
}

func (e *hubEmitter) EmitBuyRequest(eventType string, r *buyrequest.BuyRequest) {
	if r == nil {
		return
	}
	e.hub.Publish(eventType, r.UserID, r)
}

func (e *hubEmitter) EmitDispute(eventType string, d *dispute.Dispute) {
	if d == nil {
		return
	}
	e.hub.Publish(eventType, d.UserID, d)
}

func (e *hubEmitter) EmitWithdrawal(eventType string, w *withdrawal.Withdrawal) {
	if w == nil {
		return
	}
	e.hub.Publish(eventType, w.UserID, w)
}
