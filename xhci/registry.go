// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package xhci

import "github.com/platinasystems/log"

// Registry holds the controllers Probe accepted, in discovery order. The
// environment is single threaded so there is no locking.
type Registry struct {
	controllers []*Controller
}

func (r *Registry) Register(c *Controller) {
	r.controllers = append(r.controllers, c)
}

// Remove drops a controller from the registry. Its resources are the
// caller's to finalize.
func (r *Registry) Remove(c *Controller) {
	for i, x := range r.controllers {
		if x == c {
			r.controllers = append(r.controllers[:i], r.controllers[i+1:]...)
			return
		}
	}
}

// Iterate calls hook for each registered controller until it returns true.
// Reports whether any hook invocation did.
func (r *Registry) Iterate(hook func(*Controller) bool) bool {
	for _, c := range r.controllers {
		if hook(c) {
			return true
		}
	}
	return false
}

// FinalizeAll quiesces every controller before handing the machine on.
// A failure on one controller does not stop the sweep.
func (r *Registry) FinalizeAll() {
	for _, c := range r.controllers {
		c.Finalize()
	}
}

// RestoreAll re-runs bring-up on every controller, e.g. after control
// returns from code that may have touched the hardware.
func (r *Registry) RestoreAll() {
	for _, c := range r.controllers {
		if err := c.Restore(); err != nil {
			log.Print("err", "xhci: ", c.dev.BusAddress(), ": restore: ", err)
		}
	}
}
