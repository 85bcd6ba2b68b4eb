/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package nettime

// DispatchExpiry runs the expiry handler the way the counter's dispatch
// path does once a timeout has been popped from the queue.
func (t *Timer) DispatchExpiry() {
	t.expired(t.timer)
}
