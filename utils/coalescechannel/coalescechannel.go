/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package coalescechannel

import "cmp"

// Wrap creates a channel pipe whose input never blocks for longer than it takes
// the pipe to receive. Values that arrive while the output is not being read
// are folded into a single pending value using merge(pending, incoming).
// You must close the input channel to release internal resources.
func Wrap[T any](inputCh <-chan T, merge func(pending, incoming T) T) <-chan T {
	outputCh := make(chan T)

	go func() {
	MainLoop:
		for {
			pending, ok := <-inputCh
			if !ok {
				break MainLoop
			}

		SendLoop:
			for {
				select {
				case outputCh <- pending:
					// count(outputCh) <= count(inputCh) always holds since we only
					// send once per value taken from the top of MainLoop.
					break SendLoop
				case incoming, ok := <-inputCh:
					if !ok {
						break MainLoop
					}

					pending = merge(pending, incoming)
				}
			}
		}

		close(outputCh)
	}()

	return outputCh
}

// Latest keeps only the most recently received value.
func Latest[T any](inputCh <-chan T) <-chan T {
	return Wrap(inputCh, func(_, incoming T) T { return incoming })
}

// Max keeps the greatest value received, so a slow reader always sees the
// highest value that was offered since its last read.
func Max[T cmp.Ordered](inputCh <-chan T) <-chan T {
	return Wrap(inputCh, func(pending, incoming T) T { return max(pending, incoming) })
}
