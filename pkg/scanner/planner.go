package scanner

// DefaultChunkSize bounds one eth_getLogs range during catch-up.
const DefaultChunkSize = 1_000_000

// Window is an inclusive block range.
type Window struct {
	From uint64
	To   uint64
}

// Plan computes the windows between a checkpoint and the chain head.
// A zero checkpoint means nothing was synced and the first window starts at
// block 0; otherwise it starts right after the checkpoint. Ranges wider than
// chunk are cut into consecutive chunk-sized windows.
func Plan(checkpoint, head, chunk uint64) []Window {
	if head <= checkpoint {
		return nil
	}
	if chunk == 0 {
		chunk = DefaultChunkSize
	}

	from := checkpoint + 1
	if checkpoint == 0 {
		from = 0
	}

	var windows []Window
	for from <= head {
		to := head
		if head-from >= chunk {
			to = from + chunk - 1
		}
		windows = append(windows, Window{From: from, To: to})
		from = to + 1
	}
	return windows
}
