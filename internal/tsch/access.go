/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package tsch

import (
	"errors"
	"fmt"

	"github.com/friendsincode/tsch/internal/radio"
)

// ChannelAccess runs the TSCH CCA algorithm before a transmission. Without
// CCA enabled the channel is always clear. A busy channel returns
// radio.ErrBusy; any other CCA failure aborts with ErrChannelAccess.
func ChannelAccess(c *Context, d radio.Driver) error {
	if !c.CCA() {
		return nil
	}

	err := d.CCA()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, radio.ErrBusy):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrChannelAccess, err)
	}
}
