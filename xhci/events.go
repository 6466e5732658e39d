// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import (
	"fmt"

	"github.com/platinasystems/log"
	"github.com/platinasystems/xhci/hw"
)

// Command completions normally arrive within a frame or two; the bound is
// generous because Address Device talks to the device itself.
const commandTimeoutMs = 100

// drainEvents consumes every event hardware has produced so far,
// dispatching transfer events to their TDs. Command completions are handed
// to the waiter recorded in c.cmdWait; stale ones still credit the command
// ring before being dropped. Port status change events are dropped too:
// ports are polled, the registers already hold the truth.
func (c *Controller) drainEvents() {
	if c.events == nil {
		return
	}
	for {
		ev, ok := c.events.peek()
		if !ok {
			return
		}
		switch trbTypeOf(ev.control) {
		case trbTransferEvent:
			c.dispatchTransferEvent(ev)
		case trbCmdCompletionEvent:
			if c.cmdWait != nil && ev.parameter == c.cmdWaitPhys {
				*c.cmdWait = ev
				c.cmdWait = nil
			} else {
				// the waiter gave up, but the completion still
				// proves hardware consumed the entry
				log.Print("notice: xhci: dropping stale command completion")
			}
			c.cmd.noteDequeue()
		case trbPortStatusEvent:
			// polled PORTSC is authoritative
		default:
			log.Print("notice: xhci: dropping event type ",
				trbTypeOf(ev.control))
		}
		c.events.consume(c)
	}
}

// dispatchTransferEvent updates the software status token of the TD the
// event points at. The token mirrors what check rules in the transfer
// controller consume: active flag, halted flag, remaining byte count.
func (c *Controller) dispatchTransferEvent(ev trb) {
	t, ok := c.tdByPhys[ev.parameter]
	if !ok {
		// Canceled and reclaimed before its event arrived.
		return
	}
	switch eventCompletionCode(ev) {
	case ccSuccess:
		t.token = tokenRemaining(eventResidual(ev))
	case ccShortPacket:
		t.token = tokenRemaining(eventResidual(ev))
	default:
		t.token = tokenHalted | tokenRemaining(eventResidual(ev))
	}
}

// submitCommand posts one command TRB, rings doorbell 0 and polls the event
// ring for its completion, bounded.
func (c *Controller) submitCommand(t trb, boundMs uint) (ev trb, err error) {
	if c.cmd == nil || c.state != Running {
		return trb{}, ErrInternal
	}
	phys, err := c.cmd.enqueue(t)
	if err != nil {
		return trb{}, err
	}
	c.plat.Arena.Sync(c.cmd.chunk)

	var done trb
	c.cmdWait = &done
	c.cmdWaitPhys = phys
	c.ringDoorbell(0, 0)

	st := hw.PollUntil(c.plat.Clock, boundMs, func() bool {
		c.drainEvents()
		return c.cmdWait == nil
	})
	if st == hw.TimedOut {
		c.cmdWait = nil
		return trb{}, ErrTimeout
	}
	return done, nil
}

// noOpCommand runs a No Op through the command ring. Its completion event
// is the advance acknowledgement the cancel handshake waits on.
func (c *Controller) noOpCommand(boundMs uint) error {
	_, err := c.submitCommand(trb{control: trbControl(trbNoOpCmd, 0)}, boundMs)
	return err
}

// enableSlot asks the controller for a device slot id.
func (c *Controller) enableSlot() (slot uint, err error) {
	ev, err := c.submitCommand(trb{control: trbControl(trbEnableSlotCmd, 0)},
		commandTimeoutMs)
	if err != nil {
		return 0, err
	}
	if cc := eventCompletionCode(ev); cc != ccSuccess {
		return 0, fmt.Errorf("xhci: enable slot: completion code %d: %w",
			cc, ErrInternal)
	}
	slot = eventSlotID(ev)
	if slot == 0 || slot > c.caps.MaxSlots {
		return 0, ErrInternal
	}
	return slot, nil
}

func (c *Controller) disableSlot(slot uint) error {
	t := trb{control: trbControl(trbDisableSlotCmd, 0) | uint32(slot)<<24}
	ev, err := c.submitCommand(t, commandTimeoutMs)
	if err != nil {
		return err
	}
	if cc := eventCompletionCode(ev); cc != ccSuccess {
		return fmt.Errorf("xhci: disable slot %d: completion code %d: %w",
			slot, cc, ErrInternal)
	}
	return nil
}

// configureEndpoint hands the slot's input context to the controller to
// bring the endpoints flagged in the input control context into service.
func (c *Controller) configureEndpoint(s *deviceSlot) error {
	c.plat.Arena.Sync(s.input)
	t := trb{
		parameter: s.input.Phys,
		control:   trbControl(trbConfigEPCmd, 0) | uint32(s.id)<<24,
	}
	ev, err := c.submitCommand(t, commandTimeoutMs)
	if err != nil {
		return err
	}
	if cc := eventCompletionCode(ev); cc != ccSuccess {
		return fmt.Errorf("xhci: configure endpoint slot %d: completion code %d: %w",
			s.id, cc, ErrInternal)
	}
	return nil
}

// addressDevice hands the slot's input context to the controller.
func (c *Controller) addressDevice(s *deviceSlot) error {
	c.plat.Arena.Sync(s.input)
	t := trb{
		parameter: s.input.Phys,
		control:   trbControl(trbAddressDevCmd, 0) | uint32(s.id)<<24,
	}
	ev, err := c.submitCommand(t, commandTimeoutMs)
	if err != nil {
		return err
	}
	if cc := eventCompletionCode(ev); cc != ccSuccess {
		return fmt.Errorf("xhci: address device slot %d: completion code %d: %w",
			s.id, cc, ErrInternal)
	}
	return nil
}
