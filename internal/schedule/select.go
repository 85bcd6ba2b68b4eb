/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"github.com/friendsincode/tsch/internal/frame"
)

// QueueDepth reports the approximate number of frames queued towards a
// neighbor. Unknown neighbors report zero.
type QueueDepth interface {
	Depth(addr frame.Addr) int
}

// NoQueues is a QueueDepth with every queue empty.
type NoQueues struct{}

// Depth always returns zero.
func (NoQueues) Depth(frame.Addr) int { return 0 }

// Selection is the result of Select. Primary is nil when the repository
// holds no links; Distance is then 1.
type Selection struct {
	Primary  *Link
	Backup   *Link
	Distance uint16
}

// Better returns the preferred of two links active in the same slot.
//
// TX links win over non-TX links. Among links with equal TX option the
// lower slotframe handle wins. Within one slotframe the lower link handle
// wins unless both links transmit to different neighbors, in which case
// the neighbor with more queued frames wins.
func Better(a, b *Link, depth QueueDepth) *Link {
	if a.TX != b.TX {
		if a.TX {
			return a
		}
		return b
	}
	if a.SlotframeHandle != b.SlotframeHandle {
		if a.SlotframeHandle < b.SlotframeHandle {
			return a
		}
		return b
	}
	if !a.TX || a.NodeAddr == b.NodeAddr {
		return lowerHandle(a, b)
	}

	ad, bd := depth.Depth(a.NodeAddr), depth.Depth(b.NodeAddr)
	if ad == bd {
		return lowerHandle(a, b)
	}
	if ad > bd {
		return a
	}
	return b
}

func lowerHandle(a, b *Link) *Link {
	if a.Handle < b.Handle {
		return a
	}
	return b
}

// Select finds the link active soonest after asn, looking at least one
// slot ahead. The returned links are copies.
func (r *Repository) Select(asn ASN, depth QueueDepth) Selection {
	if depth == nil {
		depth = NoQueues{}
	}

	var best, backup *Link
	bestDist := 1

	r.each(func(sf *Slotframe, links func(func(*Link))) {
		ts := int(uint64(asn) % uint64(sf.Size))
		links(func(l *Link) {
			dist := int(l.Timeslot) - ts
			if dist <= 0 {
				dist += int(sf.Size)
			}

			switch {
			case best == nil || dist < bestDist:
				bestDist = dist
				best = l
				backup = nil
			case dist == bestDist:
				winner := Better(best, l, depth)
				if winner == l {
					if best.RX && (backup == nil || best.SlotframeHandle < backup.SlotframeHandle) {
						backup = best
					}
				} else if l.RX && (backup == nil || sf.Handle < backup.SlotframeHandle) {
					backup = l
				}
				best = winner
			}
		})
	})

	sel := Selection{Distance: uint16(bestDist)}
	if best != nil {
		p := *best
		sel.Primary = &p
	}
	if backup != nil {
		b := *backup
		sel.Backup = &b
	}
	return sel
}
